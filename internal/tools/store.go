// Package tools implements the registered change-repository tools served
// through the dispatcher: change.open, change.archive, change.read,
// changes.active, and changes.list.
package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/lock"
	"pkt.systems/taskd/internal/svcfields"
)

const (
	changeFileName = "change.md"
	metaFileName   = "meta.json"
	// ArchiveDirName holds archived changes under the store root.
	ArchiveDirName = ".archive"
)

// DefaultLockTTL applies to mutations that do not request their own ttl.
const DefaultLockTTL = 60 * time.Second

// Store is the on-disk change repository.
type Store struct {
	root   string
	locks  lock.Store
	clock  clock.Clock
	logger pslog.Logger
}

// StoreConfig wires a Store.
type StoreConfig struct {
	// Root is the directory containing one subdirectory per active change.
	Root   string
	Locks  lock.Store
	Clock  clock.Clock
	Logger pslog.Logger
}

// NewStore prepares the change root and archive directories.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("tools: change root required")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("tools: lock store required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("tools: create change root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, ArchiveDirName), 0o755); err != nil {
		return nil, fmt.Errorf("tools: create archive dir: %w", err)
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{
		root:   cfg.Root,
		locks:  cfg.Locks,
		clock:  cl,
		logger: svcfields.WithSubsystem(logger, "tools.store"),
	}, nil
}

// Root returns the active-change directory.
func (s *Store) Root() string {
	return s.root
}

// ArchiveDir returns the archived-change directory.
func (s *Store) ArchiveDir() string {
	return filepath.Join(s.root, ArchiveDirName)
}

// Locks exposes the lock store shared with the pagination engine.
func (s *Store) Locks() lock.Store {
	return s.locks
}

func (s *Store) changePath(slug string) string {
	return filepath.Join(s.root, slug)
}

func (s *Store) exists(slug string) bool {
	info, err := os.Stat(s.changePath(slug))
	return err == nil && info.IsDir()
}

type changeMeta struct {
	Title     string    `json:"title"`
	Template  string    `json:"template"`
	Rationale string    `json:"rationale,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) writeMeta(slug string, meta changeMeta) error {
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("tools: marshal meta: %w", err)
	}
	return os.WriteFile(filepath.Join(s.changePath(slug), metaFileName), payload, 0o644)
}

// Title resolves the human title for the change rooted at path; used as the
// pagination engine's TitleFunc. Missing or unreadable metadata yields "".
func (s *Store) Title(path string) string {
	payload, err := os.ReadFile(filepath.Join(path, metaFileName))
	if err != nil {
		return ""
	}
	var meta changeMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return ""
	}
	return meta.Title
}

// templates maps template names to seed markdown bodies.
var templates = map[string]string{
	"feature": "## Summary\n\n## Motivation\n\n## Plan\n",
	"bugfix":  "## Symptom\n\n## Root cause\n\n## Fix\n",
	"chore":   "## Task\n\n## Notes\n",
}

// TemplateNames lists the accepted template identifiers.
func TemplateNames() []string {
	return []string{"feature", "bugfix", "chore"}
}
