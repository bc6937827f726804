package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/hashicorp-forge/pagekeeper/internal/migrate"
)

func main() {
	dsn := flag.String("dsn", "", "PostgreSQL connection string")
	showVersion := flag.Bool("version", false, "Print the current migration version and exit")
	help := flag.Bool("help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Pagekeeper Database Migration Tool\n\n")
		fmt.Fprintf(os.Stderr, "Applies the page set schema to a PostgreSQL database. SQLite\n")
		fmt.Fprintf(os.Stderr, "databases are migrated by the server on startup.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLE:\n\n")
		fmt.Fprintf(os.Stderr, "    %s -dsn=\"host=localhost user=postgres password=postgres dbname=pagekeeper port=5432 sslmode=disable\"\n\n", os.Args[0])
	}

	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	if *dsn == "" {
		log.Fatal("Error: -dsn flag is required\n\nRun with -help for usage information.")
	}

	log.Printf("Connecting to postgres database...\n")
	sqlDB, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v\n", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v\n", err)
	}
	log.Printf("Connected to database\n")

	if *showVersion {
		version, dirty, err := migrate.GetMigrationVersion(sqlDB, "postgres")
		if err != nil {
			log.Fatalf("Failed to read migration version: %v\n", err)
		}
		log.Printf("Migration version %d (dirty: %t)\n", version, dirty)
		return
	}

	log.Printf("Running migrations...\n")
	if err := migrate.RunMigrations(sqlDB, "postgres"); err != nil {
		log.Fatalf("Migration failed: %v\n", err)
	}

	log.Printf("All migrations completed successfully\n")
}
