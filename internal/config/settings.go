package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"babelpack/internal/compiler"
)

const (
	EnvCompiler = "BABELPACK_COMPILER"
	EnvTimeout  = "BABELPACK_TIMEOUT"
	EnvParallel = "BABELPACK_PARALLEL"
	EnvIgnore   = "BABELPACK_IGNORE"
)

// DefaultTimeout bounds a single compiler run.
const DefaultTimeout = 10 * time.Minute

// Settings tune how the packager runs. None of them change what is built.
type Settings struct {
	// Compiler is the path of the compiler executable.
	Compiler string

	// Timeout bounds each compiler run. Zero disables the limit.
	Timeout time.Duration

	// Parallelism caps concurrently processed bundles. Zero means no cap.
	Parallelism int

	// Ignore is the glob of paths excluded from compilation.
	Ignore string
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings(serviceDir string) Settings {
	return Settings{
		Compiler: filepath.Join(serviceDir, "node_modules", ".bin", "babel"),
		Timeout:  DefaultTimeout,
		Ignore:   compiler.DefaultIgnore,
	}
}

// LoadSettings overlays DefaultSettings with BABELPACK_* variables taken from
// the process environment or, failing that, from <serviceDir>/.env.
func LoadSettings(serviceDir string) (Settings, error) {
	s := DefaultSettings(serviceDir)

	dotenv := map[string]string{}
	envFile := filepath.Join(serviceDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		values, err := godotenv.Read(envFile)
		if err != nil {
			return Settings{}, &Error{Source: envFile, Message: fmt.Sprintf("config parse failed (%s): %v", envFile, err), Err: err}
		}
		dotenv = values
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(dotenv[key])
	}

	if v := lookup(EnvCompiler); v != "" {
		if !filepath.IsAbs(v) && strings.ContainsRune(v, filepath.Separator) {
			v = filepath.Join(serviceDir, v)
		}
		s.Compiler = v
	}
	if v := lookup(EnvTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Settings{}, &Error{Field: EnvTimeout, Message: fmt.Sprintf("%s must be a non-negative duration (got %q)", EnvTimeout, v)}
		}
		s.Timeout = d
	}
	if v := lookup(EnvParallel); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Settings{}, &Error{Field: EnvParallel, Message: fmt.Sprintf("%s must be a non-negative integer (got %q)", EnvParallel, v)}
		}
		s.Parallelism = n
	}
	if v := lookup(EnvIgnore); v != "" {
		s.Ignore = v
	}
	return s, nil
}
