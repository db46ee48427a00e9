package remote

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// Lookup resolves remotes by id. Both Config and Watcher implement it.
type Lookup interface {
	Get(id string) (Remote, bool)
	All() []Remote
}

// Config is an immutable set of remotes.
type Config struct {
	remotes map[string]Remote
}

type configFile struct {
	Remote []Remote `toml:"remote"`
}

// NewConfig builds a Config from remote entries. Entries are validated and
// ids must be unique.
func NewConfig(remotes ...Remote) (*Config, error) {
	c := &Config{remotes: make(map[string]Remote, len(remotes))}
	for _, r := range remotes {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, exists := c.remotes[r.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate remote id %q", ErrInvalidConfig, r.ID)
		}
		c.remotes[r.ID] = r
	}
	return c, nil
}

// ParseConfig parses the TOML representation of a remote configuration:
//
//	[[remote]]
//	id = "pve-cluster"
//	type = "pve"
//	nodes = ["https://pve1.example.com:8006"]
//	authid = "root@pam!tasksync"
//	token = "..."
func ParseConfig(data []byte) (*Config, error) {
	var f configFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	return NewConfig(f.Remote...)
}

// LoadConfig reads a remote configuration file. A missing file is an empty
// configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{remotes: make(map[string]Remote)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read remote config: %w", err)
	}

	c, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Get returns the remote with the given id.
func (c *Config) Get(id string) (Remote, bool) {
	r, ok := c.remotes[id]
	return r, ok
}

// All returns all remotes sorted by id.
func (c *Config) All() []Remote {
	remotes := make([]Remote, 0, len(c.remotes))
	for _, r := range c.remotes {
		remotes = append(remotes, r)
	}
	slices.SortFunc(remotes, func(a, b Remote) int {
		return strings.Compare(a.ID, b.ID)
	})
	return remotes
}

// Len returns the number of configured remotes.
func (c *Config) Len() int {
	return len(c.remotes)
}
