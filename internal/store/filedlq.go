package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/designscan/internal/resilience"
)

// FileDLQ is a dead letter queue kept as a JSONL file. It backs batch runs
// that have no database configured. The whole file is rewritten on every
// change, so it suits queues of a few thousand entries.
type FileDLQ struct {
	mu      sync.Mutex
	path    string
	nowFunc func() time.Time
}

// NewFileDLQ returns a queue stored at path. The file is created on the
// first write.
func NewFileDLQ(path string) *FileDLQ {
	return &FileDLQ{path: path, nowFunc: time.Now}
}

// Path returns the backing file.
func (q *FileDLQ) Path() string { return q.path }

// EnqueueDLQ inserts or replaces an entry by ID.
func (q *FileDLQ) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.read()
	if err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	replaced := false
	for i := range entries {
		if entries[i].ID == entry.ID {
			entry.CreatedAt = entries[i].CreatedAt
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return q.write(entries)
}

// DequeueDLQ returns entries due for retry, oldest due first. Entries stay
// in the file until removed.
func (q *FileDLQ) DequeueDLQ(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.read()
	if err != nil {
		return nil, err
	}
	now := q.nowFunc()
	var due []resilience.DLQEntry
	for _, e := range entries {
		if e.NextRetryAt.After(now) || !e.CanRetry() {
			continue
		}
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		due = append(due, e)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// IncrementDLQRetry records another failed retry.
func (q *FileDLQ) IncrementDLQRetry(_ context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.read()
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		entries[i].RetryCount++
		entries[i].NextRetryAt = nextRetryAt
		entries[i].Error = lastErr
		entries[i].LastFailedAt = q.nowFunc().UTC()
		return q.write(entries)
	}
	return eris.Errorf("dlq entry not found: %s", id)
}

// RemoveDLQ deletes an entry. Removing an unknown ID is not an error.
func (q *FileDLQ) RemoveDLQ(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.read()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return q.write(kept)
}

// CountDLQ returns the number of queued entries.
func (q *FileDLQ) CountDLQ(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.read()
	return len(entries), err
}

func (q *FileDLQ) read() ([]resilience.DLQEntry, error) {
	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "filedlq: open")
	}
	defer f.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e resilience.DLQEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, eris.Wrapf(err, "filedlq: decode line %d", line)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(sc.Err(), "filedlq: read")
}

// write replaces the file atomically through a temp file in the same dir.
func (q *FileDLQ) write(entries []resilience.DLQEntry) error {
	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "filedlq: create dir")
	}
	tmp, err := os.CreateTemp(dir, ".dlq-*.jsonl")
	if err != nil {
		return eris.Wrap(err, "filedlq: create temp")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			tmp.Close() //nolint:errcheck,gosec
			return eris.Wrap(err, "filedlq: encode")
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return eris.Wrap(err, "filedlq: flush")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "filedlq: close temp")
	}
	return eris.Wrap(os.Rename(tmp.Name(), q.path), "filedlq: replace")
}
