package spider

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/smazurov/crawlnode/internal/config"
)

// Loader resolves spider names to specs.
type Loader interface {
	Load(name string) (Spec, error)
	List() []string
}

// StaticLoader holds spiders registered from code.
type StaticLoader struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// Builtin is the StaticLoader used when spider_loader is "static".
var Builtin = NewStaticLoader()

// NewStaticLoader returns an empty loader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{specs: make(map[string]Spec)}
}

// Register adds spec. Names must be unique and factories non-nil.
func (l *StaticLoader) Register(spec Spec) error {
	if spec.Name == "" || spec.New == nil {
		return fmt.Errorf("spider: invalid spec %q", spec.Name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.specs[spec.Name]; exists {
		return fmt.Errorf("spider: %q already registered", spec.Name)
	}
	l.specs[spec.Name] = spec
	return nil
}

// Load implements Loader.
func (l *StaticLoader) Load(name string) (Spec, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	spec, ok := l.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return spec, nil
}

// List implements Loader.
func (l *StaticLoader) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Sorted(maps.Keys(l.specs))
}

// NewLoader picks the loader named by the spider_loader setting.
func NewLoader(settings *config.Settings) (Loader, error) {
	switch kind := settings.GetString(config.KeySpiderLoader); kind {
	case "static":
		return Builtin, nil
	case "toml", "":
		return LoadTOML(settings.GetString(config.KeySpidersFile))
	default:
		return nil, fmt.Errorf("unknown spider loader %q", kind)
	}
}
