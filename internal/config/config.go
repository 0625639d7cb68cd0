// Package config resolves kiln's layered configuration: a kiln.yaml located
// by walking up from the working directory (.kiln/kiln.yaml), then the user
// config dir, then the home dotdir, with KILN_-prefixed environment
// variables overriding everything. Mirrors the teacher CLI's
// internal/config resolution of .beads/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ErrInvalidStoreConfig is returned when a store location is contradictory:
// both or neither of --dir and --path supplied.
var ErrInvalidStoreConfig = errors.New("config: exactly one of store dir or store path must be set")

// Initialize builds the viper instance every command reads from. Missing
// config files are fine; defaults below cover every knob.
func Initialize() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("kiln")
	v.SetConfigType("yaml")

	if projectDir := findProjectConfigDir(); projectDir != "" {
		v.AddConfigPath(projectDir)
	}
	if userDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(userDir, "kiln"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".kiln"))
	}

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read kiln.yaml: %w", err)
		}
	}
	return v, nil
}

// findProjectConfigDir walks up from the working directory looking for a
// .kiln directory, the project-local config root.
func findProjectConfigDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".kiln")
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store-dir", ".kiln")
	v.SetDefault("store-name", "kiln")
	v.SetDefault("versioned", true)
	v.SetDefault("project", "")
	v.SetDefault("workspace-dir", ".")
	v.SetDefault("model", "")
	v.SetDefault("max-spend-project", 0.0)
	v.SetDefault("max-spend-run", 0.0)
	v.SetDefault("prompt-pack-dir", filepath.Join(".kiln", "prompts"))
	v.SetDefault("log-file", "")
	v.SetDefault("log-max-size-mb", 20)
	v.SetDefault("log-max-backups", 5)
	v.SetDefault("log-max-age-days", 28)
}

// StoreLocation resolves the (dir, name) pair Store.Open needs from either a
// store directory (name defaults to "kiln") or an explicit database path,
// exclusively. Supplying both or neither is the configuration error from
// spec.md §7.
func StoreLocation(dir, path string) (string, string, error) {
	switch {
	case dir != "" && path != "":
		return "", "", fmt.Errorf("%w: got dir=%q and path=%q", ErrInvalidStoreConfig, dir, path)
	case dir == "" && path == "":
		return "", "", ErrInvalidStoreConfig
	case path != "":
		base := strings.TrimSuffix(filepath.Base(path), ".sqlite3")
		return filepath.Dir(path), base, nil
	default:
		return dir, "kiln", nil
	}
}
