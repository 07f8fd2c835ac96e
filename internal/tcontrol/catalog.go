package tcontrol

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"

	"github.com/park285/cheese-arena/internal/clock"
)

//go:embed presets.yaml
var defaultFiles embed.FS

type presetEntry struct {
	InitialSec   int64  `yaml:"initial_sec"`
	IncrementSec int64  `yaml:"increment_sec"`
	Family       string `yaml:"family"`
}

// Catalog maps preset names to time controls, loaded from the embedded
// defaults plus an optional override directory. join_matchmaking resolves
// either a preset name or raw "initial+increment" seconds notation through
// it.
type Catalog struct {
	mu   sync.RWMutex
	data map[string]presetEntry
}

// New loads the embedded presets and then applies overrides from dir if
// provided.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{data: make(map[string]presetEntry)}
	raw, err := fs.ReadFile(defaultFiles, "presets.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded presets: %w", err)
	}
	if err := c.applyYAML(raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(overrideDir) != "" {
		if err := c.applyDir(overrideDir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) applyYAML(raw []byte) error {
	var entries map[string]presetEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse presets: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, e := range entries {
		if e.InitialSec <= 0 || e.IncrementSec < 0 {
			return fmt.Errorf("preset %q: invalid budget", name)
		}
		if strings.TrimSpace(e.Family) == "" {
			e.Family = name
		}
		c.data[strings.ToLower(strings.TrimSpace(name))] = e
	}
	return nil
}

func (c *Catalog) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read preset dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, ".yaml") || strings.HasSuffix(n, ".yml") {
			files = append(files, n)
		}
	}
	sort.Strings(files)
	for _, n := range files {
		raw, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return fmt.Errorf("read preset file %s: %w", n, err)
		}
		if err := c.applyYAML(raw); err != nil {
			return fmt.Errorf("apply %s: %w", n, err)
		}
	}
	return nil
}

// Names lists the known presets.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.data))
	for n := range c.data {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve turns a preset name or "initial+increment" seconds notation into
// a time control plus its matchmaking family. Ad hoc notations form their
// own family so "187+3" never pairs against blitz.
func (c *Catalog) Resolve(spec string) (clock.TimeControl, string, error) {
	key := strings.ToLower(strings.TrimSpace(spec))
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if ok {
		ctrl := clock.TimeControl{
			Name:        key,
			InitialMs:   e.InitialSec * 1000,
			IncrementMs: e.IncrementSec * 1000,
		}
		return ctrl, e.Family, nil
	}
	ctrl, err := clock.Parse(key)
	if err != nil {
		return clock.TimeControl{}, "", fmt.Errorf("unknown time control %q", spec)
	}
	return ctrl, ctrl.String(), nil
}
