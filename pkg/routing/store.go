package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvInlineJSON, when set, supplies the entire routing config inline and
// makes the store read-only. Intended for containerized deployments where
// the config is injected rather than mounted.
const EnvInlineJSON = "FLOWGATE_ROUTING_JSON"

// ErrReadOnly is returned by Save when the store is backed by the inline
// environment variable rather than a writable file.
var ErrReadOnly = errors.New("routing store is read-only (inline environment config)")

// Store loads and persists the routing config document.
//
// When EnvInlineJSON is set the store serves that document and rejects
// writes; otherwise it reads and writes the JSON file at path. File
// writes are atomic (temp file then rename) so a watcher or concurrent
// reader never observes a torn document.
type Store struct {
	path   string
	inline string
}

// NewStore returns a store for the given file path, honoring the inline
// environment override.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		inline: os.Getenv(EnvInlineJSON),
	}
}

// Path returns the backing file path. Empty meaning is retained even for
// inline stores so diagnostics can report where writes would go.
func (s *Store) Path() string { return s.path }

// ReadOnly reports whether Save will be rejected.
func (s *Store) ReadOnly() bool { return s.inline != "" }

// Load reads and validates the routing config. A missing file yields an
// empty config with defaults, not an error: a fresh install has no
// accounts yet.
func (s *Store) Load() (*Config, error) {
	var data []byte
	if s.inline != "" {
		data = []byte(s.inline)
	} else {
		b, err := os.ReadFile(s.path)
		switch {
		case err == nil:
			data = b
		case os.IsNotExist(err):
			return NewConfig(), nil
		default:
			return nil, fmt.Errorf("read routing store %q: %w", s.path, err)
		}
	}

	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse routing store: %w", err)
	}
	if cfg.Accounts == nil {
		cfg.Accounts = make(map[string]*Account)
	}
	if cfg.Keys == nil {
		cfg.Keys = make(map[string]*Route)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing store: %w", err)
	}
	return cfg, nil
}

// Save atomically writes the config to the backing file. Returns
// ErrReadOnly for inline stores; callers treat that as "keep the change
// in memory only".
func (s *Store) Save(cfg *Config) error {
	if s.inline != "" {
		return ErrReadOnly
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid routing config: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode routing config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create routing store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".routing-*.json")
	if err != nil {
		return fmt.Errorf("create temp routing store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp routing store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp routing store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp routing store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace routing store: %w", err)
	}
	return nil
}

// ModTime returns the backing file's modification time, used to decide
// whether an external edit requires a reload. Inline stores never change,
// so they report the zero time. A missing file also reports zero.
func (s *Store) ModTime() time.Time {
	if s.inline != "" {
		return time.Time{}
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// NextAccountID returns the first unused "accN" id, scanning from acc1.
func NextAccountID(existing map[string]*Account) string {
	for i := 1; ; i++ {
		id := fmt.Sprintf("acc%d", i)
		if _, ok := existing[id]; !ok {
			return id
		}
	}
}

// GenerateClientKey mints a new client token with the conventional
// "sk-flow-" prefix.
func GenerateClientKey() string {
	return "sk-flow-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SortedAccountIDs returns the account ids in lexical order, for stable
// iteration in diagnostics and the refresher.
func SortedAccountIDs(accounts map[string]*Account) []string {
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
