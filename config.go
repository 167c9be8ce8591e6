package viewcache

import (
	"os"

	"github.com/cockroachdb/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/viewcache/cache"
	cachepolicy "github.com/always-cache/viewcache/pkg/cache-policy"
)

// FileConfig is the configuration file of a viewcache server.
//
//	port: 8080
//	debug: false
//	etag: true
//	deriver: default
//	policies: ./policies
//	store:
//	  provider: sqlite
//	  db: cache.db
type FileConfig struct {
	Port    int    `yaml:"port"`
	Debug   bool   `yaml:"debug"`
	ETag    bool   `yaml:"etag"`
	Deriver string `yaml:"deriver"`
	// Policies is the directory holding `<module>/cache.yml` policy files.
	Policies string       `yaml:"policies"`
	Store    cache.Config `yaml:"store"`
}

// DefaultFileConfig returns the configuration used for unset values.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Port:     8080,
		Policies: "policies",
		Store:    cache.Config{Provider: "memory"},
	}
}

// Validate checks the configuration.
func (c FileConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Deriver, validation.In("default", "hashed")),
		validation.Field(&c.Store),
	)
}

// LoadConfig reads and validates the configuration file.
// Configuration errors are marked with cachepolicy.ErrConfiguration.
func LoadConfig(filename string) (FileConfig, error) {
	config := DefaultFileConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, errors.Mark(errors.Wrapf(err, "parsing %s", filename), cachepolicy.ErrConfiguration)
	}
	if err := config.Validate(); err != nil {
		return config, errors.Mark(errors.Wrapf(err, "invalid config %s", filename), cachepolicy.ErrConfiguration)
	}
	return config, nil
}
