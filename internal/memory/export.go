package memory

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Format selects a transcript export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat maps a user-supplied name to a Format. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported transcript format %q (expected json or yaml)", s)
	}
}

// transcriptDoc is the exported document structure.
type transcriptDoc struct {
	DeviceID string  `json:"device_id" yaml:"device_id"`
	Entries  []Entry `json:"entries" yaml:"entries"`
}

// Export writes a device transcript to w in the given format.
func Export(w io.Writer, deviceID string, entries []Entry, format Format) error {
	if entries == nil {
		entries = []Entry{}
	}
	doc := transcriptDoc{DeviceID: deviceID, Entries: entries}

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml transcript: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode json transcript: %w", err)
		}
		return nil
	}
}

// ContentType returns the MIME type for format.
func (f Format) ContentType() string {
	if f == FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}
