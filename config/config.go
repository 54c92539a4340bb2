// Package config loads runtime settings from the environment and .env files.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/amp-labs/sigma/task"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// EnvProduction is the environment name that disables development diagnostics.
const EnvProduction = "production"

// Runtime holds engine-wide settings.
type Runtime struct {
	// Environment name, e.g. "development" or "production".
	Environment string `env:"SIGMA_ENV, default=development"`

	// TaskPoolSize bounds the shared worker pool. Zero means unbounded.
	TaskPoolSize int `env:"SIGMA_TASK_POOL_SIZE, default=0"`

	// StrictGuards fails a residency when more than one guard of a guarded
	// list matches the same event.
	StrictGuards bool `env:"SIGMA_STRICT_GUARDS, default=false"`

	// Debug forces development diagnostics on in any environment.
	Debug bool `env:"SIGMA_DEBUG, default=false"`
}

// DebugEnabled reports whether development diagnostics (such as warnings
// about signals addressed to unknown machines) should run.
func (r Runtime) DebugEnabled() bool {
	return r.Debug || r.Environment != EnvProduction
}

// Scheduler builds the task scheduler described by the settings.
func (r Runtime) Scheduler() *task.PoolScheduler {
	return task.NewPoolScheduler(r.TaskPoolSize)
}

// ErrInvalidPoolSize is returned when SIGMA_TASK_POOL_SIZE is negative.
var ErrInvalidPoolSize = errors.New("task pool size must not be negative")

// Load reads Runtime from the process environment.
func Load(ctx context.Context) (Runtime, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads Runtime using the given lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Runtime, error) {
	var rt Runtime

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &rt,
		Lookuper: lookuper,
	}); err != nil {
		return Runtime{}, fmt.Errorf("reading runtime environment: %w", err)
	}

	if rt.TaskPoolSize < 0 {
		return Runtime{}, fmt.Errorf("%w: %d", ErrInvalidPoolSize, rt.TaskPoolSize)
	}

	return rt, nil
}

// LoadEnvFiles loads .env files into the process environment. Files that do
// not exist are skipped, variables already set are never overridden. With no
// arguments ".env" is tried.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	existing := make([]string, 0, len(paths))

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return fmt.Errorf("checking env file %q: %w", path, err)
		}

		existing = append(existing, path)
	}

	if len(existing) == 0 {
		return nil
	}

	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("loading env files: %w", err)
	}

	return nil
}

// FileLookuper returns a lookuper over the variables of a .env file, falling
// back to the process environment. It leaves the process environment alone.
func FileLookuper(path string) (envconfig.Lookuper, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file %q: %w", path, err)
	}

	return envconfig.MultiLookuper(envconfig.MapLookuper(vars), envconfig.OsLookuper()), nil
}
