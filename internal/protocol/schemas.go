package protocol

import (
	"embed"
	"fmt"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Schema returns the JSON schema document for name, e.g. "ownership".
func Schema(name string) ([]byte, error) {
	b, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", name, err)
	}
	return b, nil
}
