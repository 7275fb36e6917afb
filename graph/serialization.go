package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// The interchange document is the JSON shape the visual builder emits:
// {id, name, version, nodes, edges, variables, settings}. A YAML rendering
// of the same shape is supported for template libraries checked into
// repositories. Decoding does not validate graph invariants; that stays
// with the Validator so authors see every violation at submission time.

// ExportJSON renders the definition as an indented interchange document.
func (d *Definition) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// ExportYAML renders the definition as YAML.
func (d *Definition) ExportYAML() ([]byte, error) {
	return yaml.Marshal(d)
}

// ImportJSON decodes an interchange document.
func ImportJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode workflow document: %w", err)
	}
	return &def, nil
}

// ImportYAML decodes a YAML interchange document.
func ImportYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode workflow document: %w", err)
	}
	return &def, nil
}

// LoadFile reads a definition from a .json, .yaml, or .yml file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ImportYAML(data)
	default:
		return ImportJSON(data)
	}
}

// SaveFile writes the definition to path, choosing the encoding from the
// file extension.
func (d *Definition) SaveFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = d.ExportYAML()
	default:
		data, err = d.ExportJSON()
	}
	if err != nil {
		return fmt.Errorf("encode workflow document: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write workflow file: %w", err)
	}
	return nil
}
