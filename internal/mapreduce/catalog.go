package mapreduce

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh Job instance
type Factory func() Job

// Catalog resolves job implementations by name at startup.
type Catalog struct {
	mu   sync.RWMutex
	jobs map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{jobs: make(map[string]Factory)}
}

// Register adds a job factory. Registering the same name twice is an error.
func (c *Catalog) Register(name string, f Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.jobs[name]; exists {
		return fmt.Errorf("job already registered: %s", name)
	}
	c.jobs[name] = f
	return nil
}

// Lookup builds the named job and applies features when it is Configurable.
func (c *Catalog) Lookup(name string, features map[string]string) (Job, error) {
	c.mu.RLock()
	f, ok := c.jobs[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job not found: %s (known: %v)", name, c.Names())
	}

	job := f()
	if cfg, ok := job.(Configurable); ok {
		if err := cfg.Configure(features); err != nil {
			return nil, fmt.Errorf("failed to configure job %s: %w", name, err)
		}
	} else if len(features) > 0 {
		return nil, fmt.Errorf("job %s does not accept features", name)
	}
	return job, nil
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.jobs))
	for n := range c.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
