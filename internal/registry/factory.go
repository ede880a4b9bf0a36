package registry

import "fmt"

// Config selects and parameterizes the registry backend.
type Config struct {
	Type string `toml:"type" mapstructure:"type"` // "sqlite" (default), "postgres", "memory"
	Path string `toml:"path" mapstructure:"path"` // sqlite file path
	DSN  string `toml:"dsn" mapstructure:"dsn"`   // postgres DSN
}

// Builder creates a Store from a Config. Backends register themselves so the
// registry package does not import its own drivers.
type Builder func(Config) (Store, error)

var builders = map[string]Builder{
	"memory": func(Config) (Store, error) { return NewMemory(), nil },
}

// RegisterBackend makes a backend available to Open. Called from backend
// package init or from wiring code.
func RegisterBackend(name string, b Builder) { builders[name] = b }

// Open creates the configured Store. Empty type defaults to sqlite.
func Open(cfg Config) (Store, error) {
	t := cfg.Type
	if t == "" {
		t = "sqlite"
	}
	b, ok := builders[t]
	if !ok {
		return nil, fmt.Errorf("unsupported registry type %q", t)
	}
	return b(cfg)
}
