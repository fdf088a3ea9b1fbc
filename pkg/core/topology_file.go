package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadTopology reads and validates a topology file
func LoadTopology(path string) (*ChainTopology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}

	var topo ChainTopology
	if err := json.Unmarshal(data, &topo); err != nil {
		return nil, ErrInvalidf("malformed topology %s: %v", path, err)
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// SaveTopology writes the topology as indented JSON, replacing path atomically
func SaveTopology(path string, topo *ChainTopology) error {
	data, err := json.MarshalIndent(topo, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create topology directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
