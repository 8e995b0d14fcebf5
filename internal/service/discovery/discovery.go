// Package discovery assembles the URL inventory: template expansion for
// the primary bulk publisher plus HTML crawls of the publisher index, the
// secondary publisher's directory listings, and the state-data aggregator.
package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/civiclens/capitol-ingest/internal/domain/inventory"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/journal"
)

const defaultUserAgent = "capitol-ingest/1.0 (civic data pipeline)"

// maxPageBytes bounds how much of a listing page is read.
const maxPageBytes = 8 << 20

// Chambers enumerated per collection and congress when expanding templates.
var chamberCodes = []string{"hr", "house", "senate", "s"}

// collectionTemplates maps collection codes to their bulk archive URL
// patterns. Sprintf args: base, congress, chamber, congress, chamber.
var collectionTemplates = map[string]string{
	"BILLS":      "%s/BILLS/%d/%s/BILLS-%d-%s.zip",
	"BILLSTATUS": "%s/BILLSTATUS/%d/%s/BILLSTATUS-%d-%s.zip",
	"BILLSUM":    "%s/BILLSUM/%d/%s/BILLSUM-%d-%s.zip",
	"PLAW":       "%s/PLAW/%d/%s/PLAW-%d-%s.zip",
}

// Sources holds the page and base URLs discovery works from. Tests point
// these at local servers.
type Sources struct {
	GovinfoBulkBase  string
	GovinfoIndexURL  string
	GovtrackPages    []string
	OpenstatesPage   string
	OpenstatesMirror string
	LegislatorURLs   []string
}

// DefaultSources returns the production publisher endpoints.
func DefaultSources() Sources {
	return Sources{
		GovinfoBulkBase: "https://www.govinfo.gov/bulkdata",
		GovinfoIndexURL: "https://www.govinfo.gov/bulkdata",
		GovtrackPages: []string{
			"https://www.govtrack.us/data/congress/",
		},
		OpenstatesPage:   "https://open.pluralpolicy.com/data/",
		OpenstatesMirror: "https://data.openstates.org/postgres/monthly/latest-public.pgdump",
		LegislatorURLs: []string{
			"https://unitedstates.github.io/congress-legislators/legislators-current.json",
			"https://unitedstates.github.io/congress-legislators/legislators-historical.json",
		},
	}
}

// Window bounds one discovery pass.
type Window struct {
	StartCongress int
	EndCongress   int
	Collections   []string
}

// Service gathers candidate download URLs from every configured publisher.
type Service struct {
	httpClient  *http.Client
	logger      *slog.Logger
	sources     Sources
	apiKey      string
	userAgent   string
	govinfoHost string
}

// NewService creates a discovery service. A nil client gets a 60 s default;
// apiKey, when set, is sent as X-Api-Key to the primary publisher only.
func NewService(httpClient *http.Client, sources Sources, apiKey string, logger *slog.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	govinfoHost := ""
	if u, err := url.Parse(sources.GovinfoIndexURL); err == nil {
		govinfoHost = u.Host
	}

	return &Service{
		httpClient:  httpClient,
		logger:      logger,
		sources:     sources,
		apiKey:      apiKey,
		userAgent:   defaultUserAgent,
		govinfoHost: govinfoHost,
	}
}

// Discover runs every gatherer and returns the normalized inventory. A
// failed crawl logs a warning and leaves its field empty; Discover itself
// never fails.
func (s *Service) Discover(ctx context.Context, w Window) *inventory.Inventory {
	inv := &inventory.Inventory{}

	inv.GovinfoTemplatesExpanded = s.expandTemplates(w)

	urls, err := s.crawlIndex(ctx, s.sources.GovinfoIndexURL)
	if err != nil {
		s.logger.Warn("publisher index crawl failed", "url", s.sources.GovinfoIndexURL, "error", err)
	}
	inv.GovinfoIndexDiscovered = urls

	inv.Govtrack = s.crawlGovtrack(ctx)

	urls, err = s.crawlOpenstates(ctx)
	if err != nil {
		s.logger.Warn("aggregator crawl failed", "url", s.sources.OpenstatesPage, "error", err)
	}
	inv.Openstates = urls

	inv.LegislatorsReference = append([]string(nil), s.sources.LegislatorURLs...)

	inv.Normalize()

	s.logger.Info("discovery complete",
		"templates", len(inv.GovinfoTemplatesExpanded),
		"index", len(inv.GovinfoIndexDiscovered),
		"govtrack", len(inv.Govtrack),
		"openstates", len(inv.Openstates),
		"legislators", len(inv.LegislatorsReference),
		"aggregate", len(inv.AggregateURLs))

	return inv
}

// DiscoverAndSave runs Discover and writes the inventory to path through
// the journal store.
func (s *Service) DiscoverAndSave(ctx context.Context, w Window, path string) (*inventory.Inventory, error) {
	inv := s.Discover(ctx, w)
	if err := journal.Write(path, inv); err != nil {
		return nil, fmt.Errorf("writing url inventory: %w", err)
	}
	return inv, nil
}

// expandTemplates produces the canonical archive URL for every
// (collection, congress, chamber) tuple in the window.
func (s *Service) expandTemplates(w Window) []string {
	var urls []string
	for _, collection := range w.Collections {
		template, ok := collectionTemplates[collection]
		if !ok {
			s.logger.Warn("no template for collection", "collection", collection)
			continue
		}
		for congress := w.StartCongress; congress <= w.EndCongress; congress++ {
			for _, chamber := range chamberCodes {
				urls = append(urls, fmt.Sprintf(template,
					s.sources.GovinfoBulkBase, congress, chamber, congress, chamber))
			}
		}
	}
	return urls
}

func (s *Service) crawlIndex(ctx context.Context, pageURL string) ([]string, error) {
	body, err := s.fetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	var urls []string
	for _, link := range extractHrefs(body, pageURL) {
		if looksLikeBulkData(link) {
			urls = append(urls, link)
		}
	}
	return urls, nil
}

func (s *Service) crawlGovtrack(ctx context.Context) []string {
	var urls []string
	for _, page := range s.sources.GovtrackPages {
		pageURLs, err := s.crawlIndex(ctx, page)
		if err != nil {
			s.logger.Warn("directory listing crawl failed", "url", page, "error", err)
			continue
		}
		urls = append(urls, pageURLs...)
	}
	return urls
}

// crawlOpenstates extracts zip links from the aggregator download page and
// appends the fixed mirror URL.
func (s *Service) crawlOpenstates(ctx context.Context) ([]string, error) {
	body, err := s.fetchPage(ctx, s.sources.OpenstatesPage)
	if err != nil {
		return nil, err
	}

	var urls []string
	for _, link := range extractHrefs(body, s.sources.OpenstatesPage) {
		if strings.HasSuffix(strings.ToLower(link), ".zip") {
			urls = append(urls, link)
		}
	}
	urls = append(urls, s.sources.OpenstatesMirror)
	return urls, nil
}

func (s *Service) fetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	if s.apiKey != "" && req.URL.Host == s.govinfoHost {
		req.Header.Set("X-Api-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d for %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	return string(body), nil
}

var reHref = regexp.MustCompile(`(?i)href\s*=\s*["']([^"'#]+)["']`)

// extractHrefs pulls href targets out of an HTML page and resolves them
// against the page's own URL. Non-http(s) schemes are dropped.
func extractHrefs(body, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	matches := reHref.FindAllStringSubmatch(body, -1)
	var links []string
	for _, match := range matches {
		ref, err := url.Parse(strings.TrimSpace(match[1]))
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			continue
		}
		links = append(links, resolved.String())
	}
	return links
}

// looksLikeBulkData reports whether a link plausibly points at bulk data:
// an archive or XML file, or anything under a bulkdata path.
func looksLikeBulkData(link string) bool {
	lower := strings.ToLower(link)
	if u, err := url.Parse(lower); err == nil {
		lower = u.Path
	}
	for _, suffix := range []string{".xml", ".zip", ".tar.gz", ".tgz"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.Contains(lower, "/bulkdata/")
}
