package events

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ArtifactPayload is the payload of an artifact.merged event.
type ArtifactPayload struct {
	Locator     string `mapstructure:"locator"`
	ContentHash string `mapstructure:"contentHash"`
	Size        int64  `mapstructure:"size"`
	PageCount   int    `mapstructure:"pageCount"`
}

// DecodePayload decodes the event payload into out, which must be a pointer
// to a struct with mapstructure tags.
func (e PageSetEvent) DecodePayload(out interface{}) error {
	if e.Payload == nil {
		return nil
	}
	if err := mapstructure.Decode(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return nil
}
