package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Archive persists finished job records on disk.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
type Archive struct {
	root string
}

// NewArchive returns an archive rooted at root.
func NewArchive(root string) *Archive {
	return &Archive{root: strings.TrimSpace(root)}
}

// RootDir is the directory holding one subdirectory per archived job.
func (a *Archive) RootDir() string {
	return a.root
}

func (a *Archive) JobDir(id ID) string {
	return filepath.Join(a.root, string(id))
}

func (a *Archive) JobPath(id ID) string {
	return filepath.Join(a.JobDir(id), "job.json")
}

func (a *Archive) ensureRoot() error {
	if a.root == "" {
		return fmt.Errorf("job archive root dir is empty")
	}
	return os.MkdirAll(a.root, 0755)
}

// Write stores rec, replacing any earlier copy atomically.
func (a *Archive) Write(rec Record) error {
	id := ID(strings.TrimSpace(string(rec.ID)))
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if err := a.ensureRoot(); err != nil {
		return err
	}

	jobDir := a.JobDir(id)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, a.JobPath(id)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads one archived record. Missing records return ErrNotFound.
func (a *Archive) Get(id ID) (Record, error) {
	if strings.TrimSpace(string(id)) == "" {
		return Record{}, fmt.Errorf("job id is required")
	}
	b, err := os.ReadFile(a.JobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return Record{}, fmt.Errorf("job.json is empty")
	}

	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return Record{}, fmt.Errorf("parse job.json: %w", err)
	}
	return rec, nil
}

// List returns every archived record, newest first. Unreadable entries are skipped.
func (a *Archive) List() ([]Record, error) {
	if err := a.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("read archive root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := a.Get(ID(entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sortNewestFirst(out)
	return out, nil
}

// Reaper periodically moves finished jobs out of a tracker.
type Reaper struct {
	Tracker *Tracker

	// Archive receives reaped records. Nil discards them.
	Archive *Archive

	// RetainFor keeps finished jobs in the tracker at least this long.
	RetainFor time.Duration

	// Every is the reap interval.
	Every time.Duration

	Logger *zap.Logger
}

// Run reaps until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	every := r.Every
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapOnce()
		}
	}
}

// ReapOnce reaps and archives a single round. It returns the number reaped.
func (r *Reaper) ReapOnce() int {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recs := r.Tracker.Reap(r.RetainFor)
	if r.Archive == nil {
		return len(recs)
	}
	for _, rec := range recs {
		if err := r.Archive.Write(rec); err != nil {
			logger.Warn("failed to archive job", zap.String("job_id", rec.ID.String()), zap.Error(err))
		}
	}
	return len(recs)
}
