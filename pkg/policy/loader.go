package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Loader loads policy documents from a directory and serves the current set.
// Reload replaces the whole set, so deleted files drop out.
type Loader struct {
	mu       sync.RWMutex
	parser   *Parser
	dir      string
	policies map[string]*Policy // id -> policy
	onReload func(p *Policy)
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, parser *Parser) *Loader {
	return &Loader{
		parser:   parser,
		dir:      dir,
		policies: make(map[string]*Policy),
	}
}

// OnReload registers a callback invoked for each policy loaded.
func (l *Loader) OnReload(fn func(p *Policy)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// LoadAll parses every .json, .yaml and .yml file in the directory. On any
// error the previously loaded set is kept.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("policy: read dir %s: %w", l.dir, err)
	}

	next := make(map[string]*Policy)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := FormatFromPath(entry.Name()); !ok {
			continue
		}
		p, err := l.parseFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("policy: load %s: %w", entry.Name(), err)
		}
		if prev, dup := next[p.ID]; dup {
			return fmt.Errorf("policy: %s redefines policy %q (version %s)", entry.Name(), p.ID, prev.Version)
		}
		next[p.ID] = p
	}

	l.mu.Lock()
	l.policies = next
	callback := l.onReload
	l.mu.Unlock()

	if callback != nil {
		for _, p := range sortedPolicies(next) {
			callback(p)
		}
	}
	return nil
}

// LoadFile parses one file and adds or replaces its policy.
func (l *Loader) LoadFile(path string) error {
	p, err := l.parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.policies[p.ID] = p
	callback := l.onReload
	l.mu.Unlock()

	if callback != nil {
		callback(p)
	}
	return nil
}

func (l *Loader) parseFile(path string) (*Policy, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return l.parser.Parse(data, format)
}

// Get returns a loaded policy by id.
func (l *Loader) Get(id string) (*Policy, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.policies[id]
	return p, ok
}

// All returns every loaded policy, ordered by id.
func (l *Loader) All() []*Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedPolicies(l.policies)
}

// Enabled returns the enabled policies, ordered by id.
func (l *Loader) Enabled() []*Policy {
	var out []*Policy
	for _, p := range l.All() {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func sortedPolicies(m map[string]*Policy) []*Policy {
	out := make([]*Policy, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
