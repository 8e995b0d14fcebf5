// Package download fetches inventory URLs into the output tree with a
// bounded worker pool, range-based resume, and retry with exponential
// backoff. Terminal failures land in the retry journal.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	apperrors "github.com/civiclens/capitol-ingest/internal/errors"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/telemetry"
	"github.com/civiclens/capitol-ingest/internal/metrics"
	"github.com/civiclens/capitol-ingest/internal/service/retry"
)

const (
	chunkSize        = 32 * 1024
	defaultUserAgent = "capitol-ingest/1.0 (civic data pipeline)"

	backoffCap    = 60 * time.Second
	jitterCeiling = 500 * time.Millisecond
)

// Result describes the outcome for one URL. OK implies the local file
// exists and ErrorMessage is nil. BytesWritten counts every byte this run
// wrote to disk for the URL, across all attempts.
type Result struct {
	URL          string  `json:"url"`
	LocalPath    string  `json:"local_path"`
	OK           bool    `json:"ok"`
	BytesWritten int64   `json:"bytes_written"`
	ErrorMessage *string `json:"error_message"`
	HTTPStatus   *int    `json:"http_status"`
	Attempts     int     `json:"attempts"`
}

// Progress is emitted once per written chunk. TotalBytes is -1 when the
// server did not report a Content-Length.
type Progress struct {
	URL          string `json:"url"`
	BytesWritten int64  `json:"bytes_written"`
	TotalBytes   int64  `json:"total_bytes"`
}

// ProgressFunc observes download progress. It must be fast; it runs on
// the worker goroutine.
type ProgressFunc func(Progress)

// Downloader is the bounded-concurrency fetcher. Construct with
// NewDownloader; one instance serves many DownloadAll calls.
type Downloader struct {
	httpClient   *http.Client
	logger       *slog.Logger
	journal      *retry.Journal
	outputRoot   string
	concurrency  int
	maxAttempts  int
	perHostRPS   float64
	headTimeout  time.Duration
	chunkTimeout time.Duration
	baseDelay    time.Duration
	userAgent    string
	onProgress   ProgressFunc

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewDownloader wires a fetcher to the retry journal and output root.
// A nil httpClient gets a default with no overall timeout; per-request
// deadlines come from the probe timeout and the inter-chunk watchdog.
func NewDownloader(httpClient *http.Client, journal *retry.Journal, outputRoot string, cfg DownloadSettings, logger *slog.Logger) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Downloader{
		httpClient:   httpClient,
		logger:       logger,
		journal:      journal,
		outputRoot:   outputRoot,
		concurrency:  cfg.Concurrency,
		maxAttempts:  cfg.Retries,
		perHostRPS:   cfg.PerHostRPS,
		headTimeout:  cfg.HeadTimeout,
		chunkTimeout: cfg.ChunkTimeout,
		baseDelay:    time.Second,
		userAgent:    defaultUserAgent,
		limiters:     make(map[string]*rate.Limiter),
	}
	if d.concurrency <= 0 {
		d.concurrency = 4
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 1
	}
	if d.perHostRPS <= 0 {
		d.perHostRPS = 4
	}
	if d.headTimeout <= 0 {
		d.headTimeout = 20 * time.Second
	}
	if d.chunkTimeout <= 0 {
		d.chunkTimeout = 120 * time.Second
	}
	return d
}

// DownloadSettings carries the tunables the downloader needs. It mirrors
// the download section of the runtime configuration.
type DownloadSettings struct {
	Concurrency  int
	Retries      int
	PerHostRPS   float64
	HeadTimeout  time.Duration
	ChunkTimeout time.Duration
}

// OnProgress registers the progress observer. Set it before calling
// DownloadAll; it is not safe to change while a run is in flight.
func (d *Downloader) OnProgress(fn ProgressFunc) {
	d.onProgress = fn
}

// DownloadAll fetches every URL through a pool of worker goroutines and
// returns one Result per URL, in completion order. An empty input returns
// immediately with no side effects. Cancelling ctx aborts in-flight
// requests; partial files stay on disk so the next run can resume.
func (d *Downloader) DownloadAll(ctx context.Context, urls []string) []Result {
	if len(urls) == 0 {
		return nil
	}

	queue := make(chan string)
	results := make(chan Result, len(urls))

	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.WorkerStarted()
			defer metrics.WorkerFinished()
			for rawURL := range queue {
				fetchCtx, span := telemetry.StartFetchSpan(ctx, rawURL)
				res := d.downloadOne(fetchCtx, rawURL)
				span.SetAttributes(
					attribute.Int64("download.bytes_written", res.BytesWritten),
					attribute.Int("download.attempts", res.Attempts),
				)
				if !res.OK && res.ErrorMessage != nil {
					span.SetStatus(codes.Error, *res.ErrorMessage)
				}
				span.End()
				results <- res
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, rawURL := range urls {
			select {
			case queue <- rawURL:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(results)

	out := make([]Result, 0, len(urls))
	for res := range results {
		out = append(out, res)
	}
	return out
}

// downloadOne runs the full per-URL algorithm: derive the destination,
// probe, skip when already complete, then fetch with retries.
func (d *Downloader) downloadOne(ctx context.Context, rawURL string) Result {
	res := Result{URL: rawURL}

	if ctx.Err() != nil {
		return failed(res, "canceled before start")
	}

	dest, host, err := d.localPath(rawURL)
	if err != nil {
		d.logger.Warn("skipping unusable URL", "url", rawURL, "error", err)
		return d.terminal(res, nil, err.Error())
	}
	res.LocalPath = dest

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return d.terminal(res, nil, fmt.Sprintf("creating %s: %v", filepath.Dir(dest), err))
	}

	probe := d.probe(ctx, rawURL, host)

	if info, statErr := os.Stat(dest); statErr == nil && probe.contentLength >= 0 && info.Size() == probe.contentLength {
		d.logger.Debug("file already complete, skipping",
			"url", rawURL,
			"path", dest,
			"size", info.Size())
		return d.succeeded(res)
	}

	var lastStatus *int
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(d.baseDelay, attempt-1)
			d.logger.Debug("backing off before retry",
				"url", rawURL,
				"attempt", attempt,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				res.Attempts = attempt - 1
				return failed(res, "canceled during backoff")
			}
		}

		res.Attempts = attempt
		metrics.RecordDownloadAttempt()

		written, status, err := d.fetchOnce(ctx, rawURL, host, dest, probe)
		res.BytesWritten += written
		if status != 0 {
			lastStatus = &status
		}
		if err == nil {
			return d.succeeded(res)
		}
		lastErr = err

		if ctx.Err() != nil {
			return failed(res, "canceled")
		}
		if !apperrors.IsCode(err, apperrors.CodeNetworkTransient) {
			break
		}
		d.logger.Debug("attempt failed, will retry",
			"url", rawURL,
			"attempt", attempt,
			"error", err)
	}

	return d.terminal(res, lastStatus, lastErr.Error())
}

// succeeded finalizes a successful result and clears any stale journal
// entry for the URL.
func (d *Downloader) succeeded(res Result) Result {
	res.OK = true
	metrics.RecordDownloadSuccess()
	if err := d.journal.Remove(res.URL); err != nil {
		d.logger.Warn("failed to clear retry journal entry", "url", res.URL, "error", err)
	}
	return res
}

// terminal finalizes a failed result and records it in the retry journal.
func (d *Downloader) terminal(res Result, status *int, message string) Result {
	res.OK = false
	res.ErrorMessage = &message
	res.HTTPStatus = status
	metrics.RecordDownloadFailure()
	if err := d.journal.Add(res.URL, message); err != nil {
		d.logger.Warn("failed to record retry journal entry", "url", res.URL, "error", err)
	}
	d.logger.Warn("download failed",
		"url", res.URL,
		"attempts", res.Attempts,
		"error", message)
	return res
}

// failed finalizes a result for a cancellation. Cancelled URLs are not
// journaled; the next run picks them up from the inventory and resumes.
func failed(res Result, message string) Result {
	res.OK = false
	res.ErrorMessage = &message
	return res
}

// localPath derives <outroot>/<host>/<basename> for a URL.
func (d *Downloader) localPath(rawURL string) (string, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL %s: %w", rawURL, err)
	}
	if parsed.Host == "" {
		return "", "", fmt.Errorf("URL %s has no host", rawURL)
	}
	base := path.Base(parsed.Path)
	if base == "/" || base == "." || base == "" {
		base = "download"
	}
	return filepath.Join(d.outputRoot, parsed.Host, base), parsed.Host, nil
}

type probeResult struct {
	contentLength  int64
	supportsRanges bool
}

// probe HEADs the URL for Content-Length and range support. Probe
// failures are tolerated; the download proceeds without size knowledge.
func (d *Downloader) probe(ctx context.Context, rawURL, host string) probeResult {
	pr := probeResult{contentLength: -1}

	if err := d.limiterFor(host).Wait(ctx); err != nil {
		return pr
	}

	headCtx, cancel := context.WithTimeout(ctx, d.headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(headCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return pr
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Debug("HEAD probe failed", "url", rawURL, "error", err)
		return pr
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Debug("HEAD probe rejected", "url", rawURL, "status", resp.StatusCode)
		return pr
	}

	pr.contentLength = resp.ContentLength
	pr.supportsRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	return pr
}

// fetchOnce performs a single GET attempt, resuming from the current file
// size when the server supports ranges. It returns the bytes written, the
// HTTP status observed (0 when the request never got a response), and an
// error classified as transient or permanent.
func (d *Downloader) fetchOnce(ctx context.Context, rawURL, host, dest string, probe probeResult) (int64, int, error) {
	if err := d.limiterFor(host).Wait(ctx); err != nil {
		return 0, 0, apperrors.NewTransientError("rate limiter interrupted").WithCause(err)
	}

	var resumeFrom int64
	if probe.supportsRanges && probe.contentLength >= 0 {
		if info, err := os.Stat(dest); err == nil && info.Size() > 0 && info.Size() < probe.contentLength {
			resumeFrom = info.Size()
		}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, 0, apperrors.NewPermanentError(fmt.Sprintf("creating request for %s", rawURL)).WithCause(err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		d.logger.Debug("resuming partial download", "url", rawURL, "offset", resumeFrom)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, 0, apperrors.NewTransientError(fmt.Sprintf("fetching %s", rawURL)).WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent:
		// Server honored the range; append below.
	case resp.StatusCode == http.StatusOK:
		// Full body, from the start, even if we asked for a range.
		resumeFrom = 0
	case isRetryableStatus(resp.StatusCode):
		return 0, resp.StatusCode, apperrors.NewTransientError(fmt.Sprintf("HTTP %d for %s", resp.StatusCode, rawURL))
	case resp.StatusCode >= 400:
		return 0, resp.StatusCode, apperrors.NewPermanentError(fmt.Sprintf("HTTP %d for %s", resp.StatusCode, rawURL))
	default:
		return 0, resp.StatusCode, apperrors.NewTransientError(fmt.Sprintf("unexpected HTTP %d for %s", resp.StatusCode, rawURL))
	}

	var out *os.File
	if resumeFrom > 0 {
		out, err = os.OpenFile(dest, os.O_WRONLY|os.O_APPEND, 0644)
	} else {
		out, err = os.Create(dest)
	}
	if err != nil {
		return 0, resp.StatusCode, apperrors.NewDiskError(fmt.Sprintf("opening %s", dest)).WithCause(err)
	}
	defer out.Close()

	totalBytes := probe.contentLength
	if totalBytes < 0 && resp.ContentLength >= 0 && resumeFrom == 0 {
		totalBytes = resp.ContentLength
	}

	// The watchdog aborts the request when no chunk arrives within the
	// inter-chunk timeout. It is reset after every read.
	watchdog := time.AfterFunc(d.chunkTimeout, cancel)
	defer watchdog.Stop()

	var written int64
	buffer := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			watchdog.Reset(d.chunkTimeout)
			wn, writeErr := out.Write(buffer[:n])
			written += int64(wn)
			metrics.AddBytesWritten(int64(wn))
			if writeErr != nil {
				return written, resp.StatusCode, apperrors.NewDiskError(fmt.Sprintf("writing %s", dest)).WithCause(writeErr)
			}
			if d.onProgress != nil {
				d.onProgress(Progress{
					URL:          rawURL,
					BytesWritten: resumeFrom + written,
					TotalBytes:   totalBytes,
				})
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return written, resp.StatusCode, apperrors.NewTransientError("download canceled").WithCause(ctx.Err())
			}
			if reqCtx.Err() != nil {
				return written, resp.StatusCode, apperrors.NewTransientError(
					fmt.Sprintf("read stalled: no data for %s from %s", d.chunkTimeout, rawURL))
			}
			return written, resp.StatusCode, apperrors.NewTransientError(fmt.Sprintf("reading %s", rawURL)).WithCause(readErr)
		}
	}

	if err := out.Close(); err != nil {
		return written, resp.StatusCode, apperrors.NewDiskError(fmt.Sprintf("closing %s", dest)).WithCause(err)
	}

	if probe.contentLength >= 0 {
		info, statErr := os.Stat(dest)
		if statErr != nil {
			return written, resp.StatusCode, apperrors.NewDiskError(fmt.Sprintf("statting %s", dest)).WithCause(statErr)
		}
		if info.Size() != probe.contentLength {
			return written, resp.StatusCode, apperrors.NewTransientError(
				fmt.Sprintf("short download: got %d of %d bytes from %s", info.Size(), probe.contentLength, rawURL))
		}
	}

	return written, resp.StatusCode, nil
}

// limiterFor returns the politeness limiter for a host, creating it on
// first use.
func (d *Downloader) limiterFor(host string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()

	lim, ok := d.limiters[host]
	if !ok {
		burst := int(d.perHostRPS)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(d.perHostRPS), burst)
		d.limiters[host] = lim
	}
	return lim
}

// isRetryableStatus reports whether an HTTP status warrants another
// attempt. 4xx responses are terminal except the three that signal a
// transient server-side condition.
func isRetryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return false
}

// backoffDelay doubles the base delay per completed attempt, caps it, and
// adds bounded jitter so retry bursts spread out.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay + time.Duration(rand.Int63n(int64(jitterCeiling)))
}
