package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/remaster/internal/types"
)

// LoadConfig reads a remaster configuration file, applies the defaults of
// the target image class, and validates the result. Relative payload
// directories resolve against the config file's own directory.
func LoadConfig(path string) (*types.RemasterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %v", path, err)
	}

	config := &types.RemasterConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %v", path, err)
	}

	if config.Spec.PayloadDir != "" && !filepath.IsAbs(config.Spec.PayloadDir) {
		config.Spec.PayloadDir = filepath.Join(filepath.Dir(path), config.Spec.PayloadDir)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %v", path, err)
	}
	return config, nil
}
