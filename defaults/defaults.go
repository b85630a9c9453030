// Package defaults holds the config schema of the cache subsystem.
package defaults

import (
	"os"

	e "github.com/pkg/errors"
	"github.com/sahib/config"
)

// CurrentVersion is the current version of the config layout.
const CurrentVersion = 0

// Defaults is the default validation for the cache subsystem.
var Defaults = DefaultsV0

// OpenMigratedConfig takes the config.yml at path and loads it,
// migrating it to the newest layout if required. Callers can always
// rely on the latest config keys to be present.
func OpenMigratedConfig(path string) (*config.Config, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, e.Wrap(err, "failed to open config")
	}

	defer fd.Close()

	mgr := config.NewMigrater(CurrentVersion, config.StrictnessPanic)
	mgr.Add(0, nil, DefaultsV0)

	cfg, err := mgr.Migrate(config.NewYamlDecoder(fd))
	if err != nil {
		return nil, e.Wrap(err, "failed to migrate")
	}

	return cfg, nil
}

// MustOpenDefault returns a config with all keys at their defaults.
// It panics on schema errors and is meant for tests and tooling.
func MustOpenDefault() *config.Config {
	cfg, err := config.Open(nil, Defaults, config.StrictnessPanic)
	if err != nil {
		panic(err)
	}

	return cfg
}
