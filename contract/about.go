package contract

import (
	"encoding/json"
	"fmt"
	"os"
)

// AboutInfo is a mod package's about.json metadata. It is parsed
// structurally and carried through for reporting; none of its fields are
// semantically validated here.
type AboutInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	GameVersion string `json:"game_version"`
	Author      string `json:"author"`
}

// LoadAbout reads a mod package's about.json.
func LoadAbout(path string) (*AboutInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var a AboutInfo
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return &a, nil
}
