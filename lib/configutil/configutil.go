package configutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// layers returns the files making up the config called name, lowest
// precedence first: <name>.<ext> then <name>.local.<ext>.
func layers(name string) []string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return []string{name, base + ".local" + ext}
}

// readLayer decodes a single json5 file, missing and empty files are
// skipped.
func readLayer[T any](path string, out *T) (bool, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return false, nil
	}
	err = json5.Unmarshal(content, out)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// ReadConfig reads the config file name and merges its local overrides
// over it. os.ErrNotExist is returned when none of the layers exist.
func ReadConfig[T any](name string) (T, error) {
	var out T
	found := false
	for i, path := range layers(name) {
		var layer T
		ok, err := readLayer(path, &layer)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		if i > 0 {
			slog.Debug("merging config with local overrides", "local", path)
		}
		err = Merge(&out, layer)
		if err != nil {
			return out, fmt.Errorf("merge %s: %w", path, err)
		}
		found = true
	}
	if !found {
		return out, os.ErrNotExist
	}
	return out, nil
}

// Merge applies the non-zero fields of override onto dst, this is the single
// precedence rule used for every config layer (file < local file < flags).
func Merge[T any](dst *T, override T) error {
	return mergo.Merge(dst, override, mergo.WithOverride)
}

// ReadRecursively reads the first config called name found in the working
// directory or one of its parents.
func ReadRecursively[T any](name string) (T, error) {
	var out T
	dir, err := os.Getwd()
	if err != nil {
		return out, err
	}
	for {
		cfg, err := ReadConfig[T](filepath.Join(dir, name))
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return out, os.ErrNotExist
		}
		dir = parent
	}
}
