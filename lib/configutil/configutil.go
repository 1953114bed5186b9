// Package configutil loads layered json5 configuration: a checked-in
// <name>.<ext> file merged under an optional <name>.local.<ext>
// override sitting next to it.
package configutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// localPath derives "<name>.local.<ext>" from "<name>.<ext>".
func localPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

// readLayer unmarshals one config file into a fresh T. Missing and
// empty files are reported as found=false, not as errors.
func readLayer[T any](path string) (out T, found bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return out, false, err
	}
	if len(raw) == 0 {
		return out, false, nil
	}
	err = json5.Unmarshal(raw, &out)
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

// ReadConfig reads the config file at name (file extension included)
// and merges the sibling local override on top of it when one exists.
// Returns os.ErrNotExist when neither file is present.
func ReadConfig[T any](name string) (T, error) {
	config, foundBase, err := readLayer[T](name)
	if err != nil {
		return config, err
	}

	local := localPath(name)
	override, foundLocal, err := readLayer[T](local)
	if err != nil {
		return config, err
	}
	if foundLocal {
		err = mergo.Merge(&config, override, mergo.WithOverride)
		if err != nil {
			return config, err
		}
		slog.Info("merging config with local overrides", "local", local)
	}

	if !foundBase && !foundLocal {
		return config, os.ErrNotExist
	}
	return config, nil
}

// ReadRecursively walks from the working directory up to the
// filesystem root looking for a config matching name, so tests running
// deep inside the package tree pick up the repo-level file.
func ReadRecursively[T any](name string) (T, error) {
	var zero T

	root, err := filepath.Abs("/")
	if err != nil {
		return zero, err
	}
	current, err := os.Getwd()
	if err != nil {
		return zero, err
	}

	for current != root {
		config, err := ReadConfig[T](filepath.Join(current, name))
		if os.IsNotExist(err) {
			current = filepath.Join(current, "..")
			continue
		}
		if err != nil {
			return zero, err
		}
		return config, nil
	}

	return zero, os.ErrNotExist
}
