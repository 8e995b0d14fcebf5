// Package pipeline sequences the ingestion phases: discovery, validation,
// download, extraction, and parse+upsert. One run at a time; phase state
// is exposed for the control server.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civiclens/capitol-ingest/internal/domain/inventory"
	"github.com/civiclens/capitol-ingest/internal/domain/record"
	apperrors "github.com/civiclens/capitol-ingest/internal/errors"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/config"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/journal"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/telemetry"
	"github.com/civiclens/capitol-ingest/internal/metrics"
	"github.com/civiclens/capitol-ingest/internal/service/discovery"
	"github.com/civiclens/capitol-ingest/internal/service/download"
	"github.com/civiclens/capitol-ingest/internal/service/extract"
	"github.com/civiclens/capitol-ingest/internal/service/parse"
	"github.com/civiclens/capitol-ingest/internal/service/retry"
)

// ErrRunInProgress is returned when a run is requested while another one
// holds the run slot.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// Mode selects which phases a run executes.
type Mode string

const (
	// ModeFull runs every configured phase starting from discovery.
	ModeFull Mode = "full"
	// ModeRetry downloads the retry-journal candidates, then runs the
	// configured ingest phases over the output tree.
	ModeRetry Mode = "retry"
)

// Phase names reported through Status.
const (
	PhaseIdle        = "idle"
	PhaseDiscovery   = "discovery"
	PhaseValidate    = "validate"
	PhaseDownload    = "download"
	PhaseExtract     = "extract"
	PhasePostprocess = "postprocess"
)

// Event types delivered to the EventSink.
const (
	EventPhase     = "phase"
	EventProgress  = "download_progress"
	EventSummary   = "run_summary"
	EventRunFailed = "run_failed"
)

// Summary totals one run by outcome kind.
type Summary struct {
	URLs       int           `json:"urls"`
	Downloaded int           `json:"downloaded"`
	Failed     int           `json:"failed"`
	Extracted  int           `json:"extracted"`
	Parsed     int           `json:"parsed"`
	Upserted   int           `json:"upserted"`
	Duration   time.Duration `json:"duration"`
}

// Status is a point-in-time snapshot of the runner for the control server.
type Status struct {
	Running               bool       `json:"running"`
	Phase                 string     `json:"phase"`
	RunID                 string     `json:"run_id,omitempty"`
	RetryFailuresCount    int        `json:"retry_failures_count"`
	LastDiscoveryURLCount int        `json:"last_discovery_url_count"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
}

// Discoverer gathers the URL inventory.
type Discoverer interface {
	Discover(ctx context.Context, w discovery.Window) *inventory.Inventory
}

// Validator filters a URL list down to the reachable subset.
type Validator interface {
	FilterReachable(ctx context.Context, urls []string) []string
}

// Fetcher downloads a URL list and reports per-URL results.
type Fetcher interface {
	DownloadAll(ctx context.Context, urls []string) []download.Result
}

// Extractor unpacks every archive under a tree.
type Extractor interface {
	ExtractTree(ctx context.Context, root string) []extract.Result
}

// Parser extracts records from every recognized file under a tree.
type Parser interface {
	ParseTree(ctx context.Context, root string) *parse.ParsedSet
}

// RecordStore persists parsed records. It is the subset of the repository
// layer the runner needs.
type RecordStore interface {
	UpsertBill(ctx context.Context, b *record.Bill) (int64, error)
	UpsertVote(ctx context.Context, v *record.Vote) (int64, error)
	UpsertLegislator(ctx context.Context, l *record.Legislator) (int64, error)
}

// EventSink receives run lifecycle events for live observers. Broadcast
// must not block.
type EventSink interface {
	Broadcast(eventType string, data any)
}

// Dependencies collects the phase implementations a Runner drives. Store
// may be nil when no database is configured; parsed records are then
// counted but not persisted. Events may be nil.
type Dependencies struct {
	Discoverer Discoverer
	Validator  Validator
	Fetcher    Fetcher
	Extractor  Extractor
	Parser     Parser
	Store      RecordStore
	Journal    *retry.Journal
	Events     EventSink
}

// Runner owns the run slot and drives the phases in order.
type Runner struct {
	cfg    *config.Config
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	running   bool
	phase     string
	runID     string
	startedAt time.Time
	lastURLs  int
}

func NewRunner(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
		phase:  PhaseIdle,
	}
}

// Run executes a full pipeline run and blocks until it finishes.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	runID, err := r.begin(ModeFull)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, ModeFull, runID)
}

// RunRetry executes a retry run over the journal candidates and blocks
// until it finishes.
func (r *Runner) RunRetry(ctx context.Context) (*Summary, error) {
	runID, err := r.begin(ModeRetry)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, ModeRetry, runID)
}

// Start launches a run in the background and returns its run id, or
// ErrRunInProgress when the slot is taken.
func (r *Runner) Start(ctx context.Context, mode Mode) (string, error) {
	runID, err := r.begin(mode)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := r.execute(ctx, mode, runID); err != nil {
			r.logger.Error("background pipeline run failed", "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

// Status reports the runner state. The retry count comes from the journal
// and reflects its current contents.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Running:               r.running,
		Phase:                 r.phase,
		RunID:                 r.runID,
		LastDiscoveryURLCount: r.lastURLs,
	}
	if !r.startedAt.IsZero() {
		started := r.startedAt
		st.StartedAt = &started
	}
	if r.deps.Journal != nil {
		if n, err := r.deps.Journal.Count(); err == nil {
			st.RetryFailuresCount = n
		}
	}
	return st
}

// begin claims the run slot and stamps a fresh run id.
func (r *Runner) begin(mode Mode) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return "", ErrRunInProgress
	}
	r.running = true
	r.runID = uuid.NewString()
	r.startedAt = r.now().UTC()
	if mode == ModeRetry {
		r.phase = PhaseDownload
	} else {
		r.phase = PhaseDiscovery
	}
	return r.runID, nil
}

func (r *Runner) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.phase = PhaseIdle
}

func (r *Runner) setPhase(name string) {
	r.mu.Lock()
	r.phase = name
	r.mu.Unlock()
}

func (r *Runner) setLastURLs(n int) {
	r.mu.Lock()
	r.lastURLs = n
	r.mu.Unlock()
}

func (r *Runner) execute(ctx context.Context, mode Mode, runID string) (*Summary, error) {
	start := r.now()
	metrics.RunStarted()
	r.logger.Info("pipeline run starting", "mode", string(mode), "run_id", runID)

	summary, err := r.runPhases(ctx, mode)

	duration := r.now().Sub(start)
	metrics.RunFinished(duration)
	r.finish()

	if err != nil {
		r.logger.Error("pipeline run failed", "error", err, "duration", duration)
		r.emit(EventRunFailed, map[string]string{"run_id": runID, "error": err.Error()})
		return nil, err
	}

	summary.Duration = duration
	r.emit(EventSummary, summary)
	r.logger.Info("pipeline run complete",
		"urls", summary.URLs,
		"downloaded", summary.Downloaded,
		"failed", summary.Failed,
		"extracted", summary.Extracted,
		"parsed", summary.Parsed,
		"upserted", summary.Upserted,
		"duration", duration,
		"log_dir", r.cfg.LogDir)
	return summary, nil
}

func (r *Runner) runPhases(ctx context.Context, mode Mode) (*Summary, error) {
	summary := &Summary{}

	urls, err := r.gatherURLs(ctx, mode)
	if err != nil {
		return nil, err
	}
	summary.URLs = len(urls)
	r.setLastURLs(len(urls))

	if mode == ModeFull && r.cfg.Phases.DryRun {
		r.logger.Info("dry run, stopping after inventory write", "urls", len(urls))
		return summary, nil
	}

	if mode == ModeFull && r.cfg.Phases.Validate {
		err := r.runPhase(ctx, PhaseValidate, func(ctx context.Context) error {
			before := len(urls)
			urls = r.deps.Validator.FilterReachable(ctx, urls)
			r.logger.Info("validation complete", "passed", len(urls), "dropped", before-len(urls))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if limit := r.cfg.Download.Limit; limit > 0 && len(urls) > limit {
		r.logger.Info("truncating inventory", "limit", limit, "had", len(urls))
		urls = urls[:limit]
	}

	runDownload := r.cfg.Phases.Download || mode == ModeRetry
	if runDownload && len(urls) > 0 {
		err := r.runPhase(ctx, PhaseDownload, func(ctx context.Context) error {
			results := r.deps.Fetcher.DownloadAll(ctx, urls)
			for _, res := range results {
				if res.OK {
					summary.Downloaded++
				} else {
					summary.Failed++
				}
			}
			r.syncRetryGauge()
			r.logger.Info("download complete", "ok", summary.Downloaded, "failed", summary.Failed)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if r.cfg.Phases.Extract {
		err := r.runPhase(ctx, PhaseExtract, func(ctx context.Context) error {
			results := r.deps.Extractor.ExtractTree(ctx, r.cfg.Output.Root)
			for _, res := range results {
				if res.OK {
					summary.Extracted++
				}
			}
			r.logger.Info("extraction complete", "archives", len(results), "ok", summary.Extracted)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if r.cfg.Phases.Postprocess {
		err := r.runPhase(ctx, PhasePostprocess, func(ctx context.Context) error {
			return r.postprocess(ctx, summary)
		})
		if err != nil {
			return nil, err
		}
	}

	return summary, nil
}

// gatherURLs produces the URL list the fetch phases work from: discovery,
// a saved inventory, or the retry journal, depending on mode and flags.
func (r *Runner) gatherURLs(ctx context.Context, mode Mode) ([]string, error) {
	if mode == ModeRetry {
		candidates, err := r.deps.Journal.Candidates(r.cfg.Download.Retries)
		if err != nil {
			return nil, fmt.Errorf("reading retry journal: %w", err)
		}
		r.logger.Info("retry candidates loaded", "count", len(candidates))
		return candidates, nil
	}

	if !r.cfg.Phases.Discovery {
		inv, err := r.loadInventory()
		if err != nil {
			return nil, err
		}
		return inv.AggregateURLs, nil
	}

	var inv *inventory.Inventory
	err := r.runPhase(ctx, PhaseDiscovery, func(ctx context.Context) error {
		window := discovery.Window{
			StartCongress: r.cfg.Congress.Start,
			EndCongress:   r.cfg.Congress.End,
			Collections:   r.cfg.Sources.Collections,
		}
		inv = r.deps.Discoverer.Discover(ctx, window)
		r.recordDiscoveryMetrics(inv)
		if err := journal.Write(r.cfg.Output.BulkJSON, inv); err != nil {
			return fmt.Errorf("writing url inventory: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv.AggregateURLs, nil
}

// loadInventory reads a previously written inventory. Running without
// discovery requires one; an unreadable or empty document is a
// configuration problem, not something the run can recover from.
func (r *Runner) loadInventory() (*inventory.Inventory, error) {
	var inv inventory.Inventory
	if err := journal.SafeLoad(r.cfg.Output.BulkJSON, &inv); err != nil {
		return nil, apperrors.NewConfigError(
			fmt.Sprintf("reading url inventory %s", r.cfg.Output.BulkJSON)).WithCause(err)
	}
	inv.Normalize()
	if inv.IsEmpty() {
		return nil, apperrors.NewConfigError(fmt.Sprintf(
			"url inventory %s is missing or empty; enable discovery to build one",
			r.cfg.Output.BulkJSON))
	}
	r.logger.Info("loaded saved inventory", "path", r.cfg.Output.BulkJSON, "urls", inv.URLCount())
	return &inv, nil
}

func (r *Runner) postprocess(ctx context.Context, summary *Summary) error {
	set := r.deps.Parser.ParseTree(ctx, r.cfg.Output.Root)
	summary.Parsed = len(set.Bills) + len(set.Votes) + len(set.Legislators)

	if r.deps.Store == nil {
		if summary.Parsed > 0 {
			r.logger.Warn("no database configured, parsed records were not persisted",
				"parsed", summary.Parsed)
		}
		return nil
	}

	for i := range set.Bills {
		if _, err := r.deps.Store.UpsertBill(ctx, &set.Bills[i]); err != nil {
			return fmt.Errorf("upserting bill %s: %w", set.Bills[i].NaturalKey(), err)
		}
		summary.Upserted++
		metrics.RecordUpsert("bill")
	}
	for i := range set.Votes {
		if _, err := r.deps.Store.UpsertVote(ctx, &set.Votes[i]); err != nil {
			return fmt.Errorf("upserting vote %s: %w", set.Votes[i].NaturalKey(), err)
		}
		summary.Upserted++
		metrics.RecordUpsert("vote")
	}
	for i := range set.Legislators {
		if _, err := r.deps.Store.UpsertLegislator(ctx, &set.Legislators[i]); err != nil {
			return fmt.Errorf("upserting legislator %s: %w", set.Legislators[i].Bioguide, err)
		}
		summary.Upserted++
		metrics.RecordUpsert("legislator")
	}

	r.logger.Info("postprocess complete", "parsed", summary.Parsed, "upserted", summary.Upserted)
	return nil
}

// runPhase runs fn under the named phase with its own span. A cancelled
// context stops the run between phases.
func (r *Runner) runPhase(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.setPhase(name)
	r.emit(EventPhase, map[string]string{"phase": name})

	phaseCtx, span := telemetry.StartPhaseSpan(ctx, name)
	defer span.End()

	if err := fn(phaseCtx); err != nil {
		telemetry.WithSpanError(span, err)
		return err
	}
	return nil
}

func (r *Runner) emit(eventType string, data any) {
	if r.deps.Events != nil {
		r.deps.Events.Broadcast(eventType, data)
	}
}

func (r *Runner) syncRetryGauge() {
	if r.deps.Journal == nil {
		return
	}
	if n, err := r.deps.Journal.Count(); err == nil {
		metrics.SetRetryCandidates(n)
	}
}

func (r *Runner) recordDiscoveryMetrics(inv *inventory.Inventory) {
	metrics.RecordURLsDiscovered("govinfo_templates", len(inv.GovinfoTemplatesExpanded))
	metrics.RecordURLsDiscovered("govinfo_index", len(inv.GovinfoIndexDiscovered))
	metrics.RecordURLsDiscovered("govtrack", len(inv.Govtrack))
	metrics.RecordURLsDiscovered("openstates", len(inv.Openstates))
	metrics.RecordURLsDiscovered("legislators_reference", len(inv.LegislatorsReference))
}
