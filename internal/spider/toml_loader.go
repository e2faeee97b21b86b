package spider

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/crawlnode/internal/config"
)

// Definition is one [[spider]] table of a spiders file.
type Definition struct {
	Name           string   `toml:"name"`
	StartURLs      []string `toml:"start_urls"`
	AllowedDomains []string `toml:"allowed_domains"`
	FollowLinks    bool     `toml:"follow_links"`
	MaxDepth       int      `toml:"max_depth"`
	Command        []string `toml:"command"`
}

type spidersFile struct {
	Spiders []Definition `toml:"spider"`
}

// TOMLLoader serves spiders defined in a TOML file. Reloads replace the
// definitions atomically; specs already handed out keep their definition.
type TOMLLoader struct {
	path string

	mu   sync.RWMutex
	defs map[string]Definition
}

// LoadTOML parses path into a loader.
func LoadTOML(path string) (*TOMLLoader, error) {
	defs, err := ParseDefinitions(path)
	if err != nil {
		return nil, err
	}
	return &TOMLLoader{path: path, defs: defs}, nil
}

// ParseDefinitions reads and validates a spiders file.
func ParseDefinitions(path string) (map[string]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spiders file: %w", err)
	}

	var file spidersFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse spiders file: %w", err)
	}

	defs := make(map[string]Definition, len(file.Spiders))
	for _, def := range file.Spiders {
		if def.Name == "" {
			return nil, fmt.Errorf("spiders file %s: spider without name", path)
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("spiders file %s: duplicate spider %q", path, def.Name)
		}
		defs[def.Name] = def
	}
	return defs, nil
}

// Path returns the backing file.
func (l *TOMLLoader) Path() string {
	return l.path
}

// Load implements Loader.
func (l *TOMLLoader) Load(name string) (Spec, error) {
	l.mu.RLock()
	def, ok := l.defs[name]
	l.mu.RUnlock()
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Spec{
		Name: def.Name,
		New: func(args Args) (Spider, error) {
			return NewListSpider(def, args)
		},
	}, nil
}

// Definition returns the current definition for name.
func (l *TOMLLoader) Definition(name string) (Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name]
	return def, ok
}

// List implements Loader.
func (l *TOMLLoader) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Sorted(maps.Keys(l.defs))
}

// Replace swaps in a new set of definitions.
func (l *TOMLLoader) Replace(defs map[string]Definition) {
	l.mu.Lock()
	l.defs = defs
	l.mu.Unlock()
}

// Watch reloads the loader whenever its file changes. Stop the returned
// watcher to end watching.
func (l *TOMLLoader) Watch(logger *slog.Logger) (*config.Watcher[map[string]Definition], error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := config.NewConfigWatcher(l.path, ParseDefinitions, logger)
	w.OnReload(func(defs map[string]Definition) {
		l.Replace(defs)
		logger.Info("Spiders reloaded", "count", len(defs))
	})
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}
