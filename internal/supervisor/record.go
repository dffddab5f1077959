package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RecordStore persists stable-id to process-id mappings as one file per
// server, so a later program invocation can find and kill what an earlier
// one spawned. Records are advisory: the OS process table is the source of
// truth, and every reader must tolerate a record vanishing underneath it.
type RecordStore struct {
	dir string
}

// NewRecordStore creates the record directory if needed.
func NewRecordStore(dir string) (*RecordStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record dir %s: %w", dir, err)
	}
	return &RecordStore{dir: dir}, nil
}

// Path returns the record file for id, derived deterministically so any
// invocation computes the same path.
func (s *RecordStore) Path(id string) string {
	return filepath.Join(s.dir, id+".pid")
}

// Write persists pid under id with an exclusive create. A leftover record
// whose process is gone is removed and retried once; a record with a live
// process is a conflict.
func (s *RecordStore) Write(id string, pid int) error {
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(s.Path(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", pid)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			return werr
		}
		if !os.IsExist(err) || attempt > 0 {
			return fmt.Errorf("record %s: %w", id, err)
		}
		old, rerr := s.Read(id)
		if rerr == nil {
			if alive, _ := pidAlive(old); alive {
				return fmt.Errorf("record %s: already held by live pid %d", id, old)
			}
		}
		// Stale or unreadable record; clear it and retry.
		_ = s.Remove(id)
	}
}

// Read returns the pid recorded under id. A missing record surfaces as an
// fs.ErrNotExist so callers can distinguish gone from garbled.
func (s *RecordStore) Read(id string) (int, error) {
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("record %s: malformed pid %q", id, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Remove deletes the record. A record already gone is success.
func (s *RecordStore) Remove(id string) error {
	err := os.Remove(s.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the ids of records whose id matches the glob pattern. An
// empty pattern matches everything.
func (s *RecordStore) List(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, pattern+".pid"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".pid"))
	}
	return ids, nil
}
