// Package retry maintains the durable per-URL failure ledger consulted
// between pipeline runs.
package retry

import (
	"fmt"
	"sync"
	"time"

	"github.com/civiclens/capitol-ingest/internal/infrastructure/journal"
)

// Entry records one URL's failure history.
type Entry struct {
	URL             string    `json:"url"`
	Attempts        int       `json:"attempts"`
	FirstFailedAt   time.Time `json:"first_failed_at"`
	LastAttemptedAt time.Time `json:"last_attempted_at"`
	LastError       string    `json:"last_error"`
}

// Report is the journal document persisted at the configured path.
type Report struct {
	Failures []Entry `json:"failures"`
}

// Journal serializes access to the retry report file. It is safe for
// concurrent use within one process; it is not safe to share the file
// across processes.
type Journal struct {
	path string

	mu  sync.Mutex
	now func() time.Time
}

// NewJournal returns a journal backed by the report file at path. The
// file does not need to exist yet.
func NewJournal(path string) *Journal {
	return &Journal{
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the report file location.
func (j *Journal) Path() string {
	return j.path
}

// Add records a failed attempt for url. A first failure creates an entry
// with attempts = 1 and both timestamps set to now; subsequent failures
// increment attempts and refresh last_attempted_at and last_error.
func (j *Journal) Add(url, errorMessage string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	report, err := j.load()
	if err != nil {
		return err
	}

	now := j.now()
	updated := false
	for i := range report.Failures {
		if report.Failures[i].URL == url {
			report.Failures[i].Attempts++
			report.Failures[i].LastAttemptedAt = now
			report.Failures[i].LastError = errorMessage
			updated = true
			break
		}
	}
	if !updated {
		report.Failures = append(report.Failures, Entry{
			URL:             url,
			Attempts:        1,
			FirstFailedAt:   now,
			LastAttemptedAt: now,
			LastError:       errorMessage,
		})
	}

	return j.write(report)
}

// Remove deletes the entry for url if one exists. Removing an absent URL
// is a no-op.
func (j *Journal) Remove(url string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	report, err := j.load()
	if err != nil {
		return err
	}

	kept := report.Failures[:0]
	removed := false
	for _, entry := range report.Failures {
		if entry.URL == url {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	if !removed {
		return nil
	}
	report.Failures = kept

	return j.write(report)
}

// Candidates returns the URLs whose attempt count is still below
// maxAttempts, in journal order.
func (j *Journal) Candidates(maxAttempts int) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	report, err := j.load()
	if err != nil {
		return nil, err
	}

	var urls []string
	for _, entry := range report.Failures {
		if entry.Attempts < maxAttempts {
			urls = append(urls, entry.URL)
		}
	}
	return urls, nil
}

// Count returns the number of journaled failures.
func (j *Journal) Count() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	report, err := j.load()
	if err != nil {
		return 0, err
	}
	return len(report.Failures), nil
}

// Snapshot returns a copy of the current report.
func (j *Journal) Snapshot() (Report, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	report, err := j.load()
	if err != nil {
		return Report{}, err
	}

	out := Report{Failures: make([]Entry, len(report.Failures))}
	copy(out.Failures, report.Failures)
	return out, nil
}

func (j *Journal) load() (Report, error) {
	var report Report
	if err := journal.SafeLoad(j.path, &report); err != nil {
		return Report{}, fmt.Errorf("loading retry report: %w", err)
	}
	return report, nil
}

func (j *Journal) write(report Report) error {
	if err := journal.Write(j.path, report); err != nil {
		return fmt.Errorf("writing retry report: %w", err)
	}
	return nil
}
