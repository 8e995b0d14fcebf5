// Package linkcheck filters candidate URLs by reachability before the
// download phase commits bandwidth to them.
package linkcheck

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// rangeProbeBytes is how much body the fallback GET asks for when a server
// rejects HEAD.
const rangeProbeBytes = 2048

const defaultUserAgent = "capitol-ingest/1.0 (civic data pipeline)"

// Service probes URLs with HEAD requests, falling back to a range-limited
// GET for servers that reject HEAD.
type Service struct {
	httpClient  *http.Client
	logger      *slog.Logger
	probeTimout time.Duration
	concurrency int
	userAgent   string
}

// NewService creates a reachability checker. probeTimeout bounds each
// request (default 20 s); concurrency bounds parallel probes (default 4).
func NewService(httpClient *http.Client, probeTimeout time.Duration, concurrency int, logger *slog.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if probeTimeout <= 0 {
		probeTimeout = 20 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		httpClient:  httpClient,
		logger:      logger,
		probeTimout: probeTimeout,
		concurrency: concurrency,
		userAgent:   defaultUserAgent,
	}
}

// FilterReachable returns the subset of urls that pass the reachability
// probe, preserving input order. The input slice is never modified;
// failures are logged at debug level.
func (s *Service) FilterReachable(ctx context.Context, urls []string) []string {
	if len(urls) == 0 {
		return nil
	}

	keep := make([]bool, len(urls))
	semaphore := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for i, rawURL := range urls {
		wg.Add(1)
		go func(i int, rawURL string) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if ctx.Err() != nil {
				return
			}

			if err := s.probe(ctx, rawURL); err != nil {
				s.logger.Debug("url failed reachability probe", "url", rawURL, "error", err)
				return
			}
			keep[i] = true
		}(i, rawURL)
	}

	wg.Wait()

	reachable := make([]string, 0, len(urls))
	for i, rawURL := range urls {
		if keep[i] {
			reachable = append(reachable, rawURL)
		}
	}
	return reachable
}

// probe returns nil when the URL answers < 400. Servers that reject HEAD
// with 405, or fail it at the transport level, get one ranged GET.
func (s *Service) probe(ctx context.Context, rawURL string) error {
	headCtx, cancel := context.WithTimeout(ctx, s.probeTimout)
	defer cancel()

	req, err := http.NewRequestWithContext(headCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create HEAD request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			return nil
		}
		if resp.StatusCode != http.StatusMethodNotAllowed {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
	}

	return s.rangedGet(ctx, rawURL)
}

func (s *Service) rangedGet(ctx context.Context, rawURL string) error {
	getCtx, cancel := context.WithTimeout(ctx, s.probeTimout)
	defer cancel()

	req, err := http.NewRequestWithContext(getCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create GET request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", rangeProbeBytes-1))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	io.CopyN(io.Discard, resp.Body, rangeProbeBytes)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
