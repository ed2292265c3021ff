package rules

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/databroker/errors"
)

//go:embed definitions/*
var builtin embed.FS

// Store serves rule sets by file type. Reload swaps the whole catalog at once,
// so a run holding a *RuleSet keeps evaluating against its snapshot.
type Store struct {
	dir    string
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	catalog map[string]*RuleSet
}

// NewStore loads the built-in definitions, then the ones in dir (if non-empty).
func NewStore(dir string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Store{dir: dir, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// RulesFor returns the ordered rule set for a file type.
func (s *Store) RulesFor(fileType string) (*RuleSet, error) {
	s.mu.RLock()
	rs, ok := s.catalog[fileType]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NewConfigurationError("no rules defined for file type %q", fileType)
	}
	return rs, nil
}

// FileTypes lists the known file types in sorted order.
func (s *Store) FileTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.catalog))
	for t := range s.catalog {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dir returns the definitions directory, empty when only built-ins are used.
func (s *Store) Dir() string {
	return s.dir
}

// Reload re-reads every definition. On error the previous catalog stays in place.
func (s *Store) Reload() error {
	catalog := make(map[string]*RuleSet)

	if err := loadFS(catalog, builtin, "definitions"); err != nil {
		return err
	}
	if s.dir != "" {
		if err := loadFS(catalog, os.DirFS(s.dir), "."); err != nil {
			return errors.Wrapf(err, "rules dir %s", s.dir)
		}
	}

	s.mu.Lock()
	s.catalog = catalog
	s.mu.Unlock()

	s.logger.Infow("Rule catalog loaded",
		"file_types", len(catalog),
		"dir", s.dir,
	)
	return nil
}

// loadFS parses every definition under root and merges it into catalog.
// When two definitions share a file type the higher version wins; on a tie
// the one loaded later wins.
func loadFS(catalog map[string]*RuleSet, fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "read rule definitions"), errors.ErrConfiguration)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, name)))
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		rs, err := Parse(name, data)
		if err != nil {
			return err
		}
		if current, ok := catalog[rs.FileType]; ok && current.Version.GreaterThan(rs.Version) {
			continue
		}
		catalog[rs.FileType] = rs
	}
	return nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml", ".yaml", ".yml":
		return true
	}
	return false
}
