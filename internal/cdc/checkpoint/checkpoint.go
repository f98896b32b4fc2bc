// Package checkpoint durably persists the confirmed-flush LSN for each
// replication slot: one text file per slot, written atomically via a
// temp-file-plus-rename so a crash mid-write never leaves a torn value.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jfoltran/pgcdc/internal/cdc/lsn"
)

// Store persists one checkpoint file per slot under Dir.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir. The directory is not created here;
// the caller is expected to have provisioned it (or rely on Store.Store
// creating it lazily on first write).
func New(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) path(slot string) string {
	return filepath.Join(s.Dir, slot)
}

// Load returns the slot's last persisted LSN. A missing or empty file is
// reported as (0, false, nil), meaning no checkpoint yet; a file
// containing malformed text is a fatal error.
func (s *Store) Load(slot string) (lsn.LSN, bool, error) {
	data, err := os.ReadFile(s.path(slot))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("checkpoint: read %s: %w", slot, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, false, nil
	}
	l, err := lsn.Parse(text)
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint: %s contains invalid LSN %q: %w", slot, text, err)
	}
	return l, true, nil
}

// Store persists l as the slot's checkpoint. The write goes to a
// sibling temp file first and is renamed into place, so the file at
// path either holds the previous value or the new one, never a partial
// write — renames within a directory on the same filesystem are atomic.
func (s *Store) Store(slot string, l lsn.LSN) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", s.Dir, err)
	}
	target := s.path(slot)
	tmp := target + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, []byte(l.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", slot, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: rename into place for %s: %w", slot, err)
	}
	return nil
}

// Remove deletes the slot's checkpoint file. Removing an already-absent
// file is not an error.
func (s *Store) Remove(slot string) error {
	if err := os.Remove(s.path(slot)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: remove %s: %w", slot, err)
	}
	return nil
}
