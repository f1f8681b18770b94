package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists registry snapshots to an on-disk directory.
//
// Directory layout:
//
//	<root>/registry.json
//	<root>/<job_id>/job.json
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
}

// settings is the registry-wide part of a snapshot.
type settings struct {
	Email        string `json:"email,omitempty"`
	NotifEnabled bool   `json:"notif_enabled,omitempty"`
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) settingsPath() string {
	return filepath.Join(s.root, "registry.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// validJobID rejects IDs that would escape the root or collide with the
// settings file.
func validJobID(jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." ||
		strings.ContainsAny(jobID, `/\`) || jobID == "registry.json" {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return nil
}

func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(record.ID)
	if err := validJobID(jobID); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return writeJSONAtomic(jobDir, s.JobPath(jobID), "job.json.tmp.*", record)
}

func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

// List returns all persisted records, newest first. Unreadable entries are
// skipped.
func (s *Store) List() ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sortNewestFirst(out)
	return out, nil
}

func (s *Store) Delete(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if err := validJobID(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("delete job dir: %w", err)
	}
	return nil
}

// Restore loads the persisted registry. A missing root yields an empty one.
func (s *Store) Restore() (*State, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}

	var st settings
	b, err := os.ReadFile(s.settingsPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &st); err != nil {
			return nil, fmt.Errorf("parse registry.json: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	return FromRecords(records, st.Email, st.NotifEnabled), nil
}

// Sync persists the difference between two snapshots: records whose
// revision changed are written, records missing from next are deleted.
func (s *Store) Sync(prev, next *State) error {
	if prev == next || next == nil {
		return nil
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	var errs []error
	for id, rec := range next.jobs {
		if old, ok := prev.Job(id); ok && old.Revision == rec.Revision {
			continue
		}
		rec := rec
		if err := s.Write(&rec); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", id, err))
		}
	}
	if prev != nil {
		for id := range prev.jobs {
			if _, ok := next.jobs[id]; ok {
				continue
			}
			if err := s.Delete(id); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
			}
		}
	}

	if prev.Email() != next.Email() || prev.NotifEnabled() != next.NotifEnabled() {
		st := settings{Email: next.email, NotifEnabled: next.notifEnabled}
		if err := writeJSONAtomic(s.root, s.settingsPath(), "registry.json.tmp.*", st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeJSONAtomic writes v as indented JSON to finalPath via a temp file in
// dir and a rename.
func writeJSONAtomic(dir, finalPath, pattern string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(finalPath), err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(finalPath), err)
	}
	return nil
}
