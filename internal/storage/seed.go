package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedRecord is one setting as written in a YAML seed file.
type SeedRecord struct {
	Key    string `yaml:"key"`
	Value  string `yaml:"value"`
	Format string `yaml:"format"`
}

// SeedColumns names the columns seed records are written into.
type SeedColumns struct {
	Key    string
	Value  string
	Format string
}

type seedFile struct {
	Settings []SeedRecord `yaml:"settings"`
}

// ReadSeedFile parses a YAML file with a top-level "settings" list.
func ReadSeedFile(path string) ([]SeedRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	for idx, rec := range file.Settings {
		if rec.Key == "" {
			return nil, fmt.Errorf("setting %d: key is required", idx)
		}
		if rec.Format == "" {
			file.Settings[idx].Format = "string"
		}
	}
	return file.Settings, nil
}

// SeedRecords converts records into rows using cols and inserts them.
func (t *MemoryTable) SeedRecords(cols SeedColumns, records []SeedRecord) error {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row{
			cols.Key:    rec.Key,
			cols.Value:  rec.Value,
			cols.Format: rec.Format,
		})
	}
	return t.Seed(rows...)
}
