package models

// ModelsToAutoMigrate lists the models in dependency order for gorm's
// AutoMigrate. Postgres deployments use the SQL migrations instead.
func ModelsToAutoMigrate() []interface{} {
	return []interface{}{
		&PageSet{}, // Must be first - page_refs references it
		&PageRef{},
		&MergedArtifact{},
		&PageSetOutbox{},
	}
}
