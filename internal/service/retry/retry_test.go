package retry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	return NewJournal(filepath.Join(t.TempDir(), "retry_report.json"))
}

// fakeClock returns a strictly increasing sequence of instants.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		t := current
		current = current.Add(step)
		return t
	}
}

func TestAddCreatesEntry(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Add("https://example.gov/a.zip", "HTTP 503"))

	report, err := j.Snapshot()
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)

	entry := report.Failures[0]
	assert.Equal(t, "https://example.gov/a.zip", entry.URL)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "HTTP 503", entry.LastError)
	assert.Equal(t, entry.FirstFailedAt, entry.LastAttemptedAt)
	assert.Equal(t, time.UTC, entry.FirstFailedAt.Location())
}

func TestAddIncrementsExistingEntry(t *testing.T) {
	j := newTestJournal(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	j.now = fakeClock(start, time.Minute)

	require.NoError(t, j.Add("https://example.gov/a.zip", "HTTP 503"))
	require.NoError(t, j.Add("https://example.gov/a.zip", "connection reset"))

	report, err := j.Snapshot()
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)

	entry := report.Failures[0]
	assert.Equal(t, 2, entry.Attempts)
	assert.Equal(t, "connection reset", entry.LastError)
	assert.Equal(t, start, entry.FirstFailedAt)
	assert.Equal(t, start.Add(time.Minute), entry.LastAttemptedAt)
	assert.True(t, entry.FirstFailedAt.Before(entry.LastAttemptedAt))
}

func TestRemoveDeletesEntry(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Add("https://example.gov/a.zip", "HTTP 503"))
	require.NoError(t, j.Add("https://example.gov/b.zip", "HTTP 500"))

	require.NoError(t, j.Remove("https://example.gov/a.zip"))

	report, err := j.Snapshot()
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "https://example.gov/b.zip", report.Failures[0].URL)
}

func TestRemoveAbsentURLIsNoop(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Remove("https://example.gov/never-failed.zip"))

	_, err := os.Stat(j.Path())
	assert.True(t, os.IsNotExist(err), "no-op remove should not create the report file")
}

func TestCandidatesFiltersByAttempts(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Add("https://example.gov/one.zip", "HTTP 503"))

	require.NoError(t, j.Add("https://example.gov/two.zip", "HTTP 503"))
	require.NoError(t, j.Add("https://example.gov/two.zip", "HTTP 503"))

	require.NoError(t, j.Add("https://example.gov/three.zip", "HTTP 503"))
	require.NoError(t, j.Add("https://example.gov/three.zip", "HTTP 503"))
	require.NoError(t, j.Add("https://example.gov/three.zip", "HTTP 503"))

	candidates, err := j.Candidates(3)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.gov/one.zip",
		"https://example.gov/two.zip",
	}, candidates)
}

func TestJournalPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry_report.json")

	first := NewJournal(path)
	require.NoError(t, first.Add("https://example.gov/a.zip", "HTTP 503"))

	second := NewJournal(path)
	count, err := second.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCorruptReportStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry_report.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	j := NewJournal(path)

	count, err := j.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, j.Add("https://example.gov/a.zip", "HTTP 503"))
	count, err = j.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConcurrentAddsSerialize(t *testing.T) {
	j := newTestJournal(t)

	urls := []string{
		"https://example.gov/a.zip",
		"https://example.gov/b.zip",
		"https://example.gov/c.zip",
		"https://example.gov/d.zip",
	}

	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			assert.NoError(t, j.Add(u, "HTTP 503"))
		}(u)
	}
	wg.Wait()

	count, err := j.Count()
	require.NoError(t, err)
	assert.Equal(t, len(urls), count)
}
