// Package setup initializes a taskgate project directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/msageha/taskgate/internal/config"
	"github.com/msageha/taskgate/internal/judge"
	atomicyaml "github.com/msageha/taskgate/internal/yaml"
	"github.com/msageha/taskgate/templates"
)

const (
	stateDir     = ".taskgate"
	ConfigFile   = "taskgate.yaml"
	RegistryFile = "judges.yaml"
)

// Result lists the files Run wrote.
type Result struct {
	ConfigPath   string
	RegistryPath string
	StoreDir     string
}

// Run writes the default config and judge registry into projectDir. Existing
// files are kept unless force is set.
func Run(projectDir string, force bool) (*Result, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	res := &Result{
		ConfigPath:   filepath.Join(absDir, ConfigFile),
		RegistryPath: filepath.Join(absDir, stateDir, RegistryFile),
		StoreDir:     filepath.Join(absDir, stateDir, "store"),
	}

	if !force {
		for _, p := range []string{res.ConfigPath, res.RegistryPath} {
			if _, err := os.Stat(p); err == nil {
				return nil, fmt.Errorf("%s already exists (use --force to overwrite)", p)
			}
		}
	}

	if err := os.MkdirAll(res.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if err := copyTemplateFile(ConfigFile, res.ConfigPath); err != nil {
		return nil, err
	}
	if err := copyTemplateFile(RegistryFile, res.RegistryPath); err != nil {
		return nil, err
	}

	// Fail here rather than at daemon start if a template drifted from the
	// loaders.
	if _, err := config.Load(res.ConfigPath); err != nil {
		return nil, fmt.Errorf("verify %s: %w", ConfigFile, err)
	}
	if _, err := judge.LoadFile(res.RegistryPath); err != nil {
		return nil, fmt.Errorf("verify %s: %w", RegistryFile, err)
	}
	return res, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := atomicyaml.WriteFile(dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
