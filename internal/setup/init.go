// Package setup handles dispatchd directory initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/dispatchd/internal/model"
	atomicyaml "github.com/msageha/dispatchd/internal/yaml"
)

// ConfigFileName is the daemon configuration inside the base directory.
const ConfigFileName = "config.yaml"

// Options tune the generated configuration.
type Options struct {
	// Driver selects the queue store; empty means sqlite.
	Driver string
	DSN    string
	// Targets lists the enabled executors; empty means local only.
	Targets []string
}

// ConfigPath returns the configuration file of the base directory dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, ConfigFileName)
}

// Run initializes the dispatchd directory structure in dir and writes a
// config.yaml holding every default, so operators can see what to tune.
func Run(dir string, opts Options) error {
	base, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}

	if _, err := os.Stat(ConfigPath(base)); err == nil {
		return fmt.Errorf("%s already exists", ConfigPath(base))
	}

	cfg := model.DefaultConfig()
	if opts.Driver != "" {
		cfg.Store.Driver = opts.Driver
	}
	cfg.Store.DSN = opts.DSN
	switch cfg.Store.Driver {
	case model.StoreDriverSQLite:
		cfg.Store.Path = "dispatchd.db"
	case model.StoreDriverFile:
		cfg.Store.Path = "queue"
	}
	cfg.Logging.File = filepath.Join("logs", "daemon.log")
	if len(opts.Targets) > 0 {
		cfg.Targets.Enabled = opts.Targets
	} else {
		cfg.Targets.Enabled = []string{"local"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Create directory structure
	dirs := []string{"locks", "logs", "quarantine", "sandbox"}
	if cfg.Store.Driver == model.StoreDriverFile {
		dirs = append(dirs, cfg.Store.Path)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := atomicyaml.AtomicWrite(ConfigPath(base), cfg); err != nil {
		return fmt.Errorf("write %s: %w", ConfigFileName, err)
	}
	return nil
}
