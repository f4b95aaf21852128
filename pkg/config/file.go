package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// categoriesFile is the YAML layout read by LoadCategoriesFile:
//
//	categories:
//	  - name: cafe
//	    key: amenity
//	    value: cafe
type categoriesFile struct {
	Categories []Category `yaml:"categories"`
}

// LoadCategoriesFile reads categories from a YAML file. Every entry is
// validated like a -category flag; a missing name defaults to the tag value.
func LoadCategoriesFile(path string) (Categories, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read categories file: %w", err)
	}

	var f categoriesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse categories YAML: %w", err)
	}

	out := make(Categories, 0, len(f.Categories))
	for i, c := range f.Categories {
		if c.Name == "" {
			c.Name = c.Value
		}
		parsed, err := ParseCategory(c.String())
		if err != nil {
			return nil, fmt.Errorf("%s: entry %d: %w", path, i+1, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}
