package backbone

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// sectionKey is the architecture section of a detector config that holds
// the backbone settings.
const sectionKey = "ResNet"

const maxConfigSize = 1 * 1024 * 1024

func (s *StageList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var stage int
		if err := value.Decode(&stage); err != nil {
			return err
		}
		*s = StageList{stage}
		return nil
	}
	var stages []int
	if err := value.Decode(&stages); err != nil {
		return err
	}
	*s = stages
	return nil
}

// ParseConfig reads a backbone config from YAML. The fields may sit at the
// top level or under a ResNet section, in which case the rest of the
// document is ignored. Omitted fields keep their DefaultConfig values and
// unknown fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	var sections map[string]yaml.Node
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if node, ok := sections[sectionKey]; ok {
		raw, err := yaml.Marshal(&node)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read %s section: %w", sectionKey, err)
		}
		data = raw
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yml" && ext != ".yaml" {
		return Config{}, fmt.Errorf("config file must have .yml or .yaml extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}
