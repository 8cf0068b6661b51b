// Package pipeline runs one digest: fetch, filter, select, enrich, send and
// record. Every started run appends exactly one delivery record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/RedditDigest/internal/collect"
	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/digest"
	"github.com/TobiSchelling/RedditDigest/internal/enrich"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
	"github.com/TobiSchelling/RedditDigest/internal/metrics"
	"github.com/TobiSchelling/RedditDigest/internal/runlock"
)

// ErrRunInProgress is returned when another run holds the lock. No record is
// appended because the run never started.
var ErrRunInProgress = errors.New("a digest run is already in progress")

// Fetcher supplies candidates and fills detail for the selected ones.
type Fetcher interface {
	Fetch(ctx context.Context) ([]database.Item, error)
	Hydrate(ctx context.Context, items []database.Item) []database.Item
}

// FetchReporter is implemented by fetchers that count what their last Fetch saw.
type FetchReporter interface {
	LastResult() collect.Result
}

// Store is the persistence the pipeline needs.
type Store interface {
	digest.ItemStore
	UpsertItems(ctx context.Context, items []database.Item, sentAt time.Time) error
	AppendDelivery(ctx context.Context, rec database.DeliveryRecord) (int64, error)
}

// Enricher adds best-effort LLM output. Neither method fails.
type Enricher interface {
	EnrichItems(ctx context.Context, items []database.Item) ([]database.Item, enrich.Result)
	EditorNote(ctx context.Context, items []database.Item) *string
}

// Deliverer renders and sends a digest, returning the editor note it used.
type Deliverer interface {
	Deliver(ctx context.Context, title string, items []database.Item, note *string) (string, error)
}

// Options are the digest settings of a pipeline.
type Options struct {
	Title      string
	Recipients []string
	MaxCount   int
	AllowAdult bool
	Policy     digest.StoreErrorPolicy
}

// Deps are the collaborators of a pipeline. Enricher, Lock, Metrics, Log and Now are optional.
type Deps struct {
	Store     Store
	Fetcher   Fetcher
	Enricher  Enricher
	Deliverer Deliverer
	Lock      runlock.Locker
	Metrics   *metrics.Metrics
	Log       logging.Logger
	Now       func() time.Time
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a pipeline run.
type Result struct {
	RunID    string
	Steps    []StepResult
	Selected []database.Item
	Record   *database.DeliveryRecord
}

// Pipeline orchestrates digest runs.
type Pipeline struct {
	opts Options
	deps Deps
}

// New creates a pipeline.
func New(opts Options, deps Deps) *Pipeline {
	if deps.Lock == nil {
		deps.Lock = runlock.NewLocal()
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{opts: opts, deps: deps}
}

// Run executes one digest run and appends its delivery record. The error is
// non-nil when the run failed or its record could not be written.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	release, err := p.deps.Lock.Acquire(ctx)
	if errors.Is(err, runlock.ErrHeld) {
		p.deps.Metrics.RunSkipped()
		p.deps.Log.Warn("Another digest run is in progress; not starting")
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	defer release()

	start := p.deps.Now()
	r := &Result{RunID: uuid.NewString()}
	rec := database.DeliveryRecord{
		RunID:      r.RunID,
		Title:      p.opts.Title,
		Recipients: p.opts.Recipients,
	}
	log := p.deps.Log.WithField("run_id", r.RunID)
	log.Info("Digest run started")

	outcome := p.execute(ctx, r, &rec)

	rec.SentAt = p.deps.Now()
	// The record is written even when the run context was cancelled.
	id, appendErr := p.deps.Store.AppendDelivery(context.WithoutCancel(ctx), rec)
	if appendErr != nil {
		log.WithError(appendErr).Error("Failed to append delivery record")
	}
	rec.ID = id
	r.Record = &rec

	elapsed := p.deps.Now().Sub(start)
	p.deps.Metrics.RunFinished(outcome, elapsed.Seconds(), rec.ItemCount, float64(rec.SentAt.Unix()))

	fields := logging.Fields{
		"outcome":  outcome,
		"items":    rec.ItemCount,
		"degraded": rec.Degraded,
		"duration": elapsed.Round(time.Millisecond).String(),
	}
	switch {
	case appendErr != nil:
		return r, fmt.Errorf("appending delivery record: %w", appendErr)
	case !rec.Success:
		log.WithFields(fields).WithField("error", *rec.ErrorDetail).Error("Digest run failed")
		return r, fmt.Errorf("digest run failed: %s", *rec.ErrorDetail)
	default:
		log.WithFields(fields).Info("Digest run finished")
		return r, nil
	}
}

// execute runs the steps, filling rec. A panic in any step is recorded as a failure.
func (p *Pipeline) execute(ctx context.Context, r *Result, rec *database.DeliveryRecord) (outcome string) {
	fail := func(step string, err error) string {
		detail := fmt.Sprintf("%s: %v", step, err)
		rec.Success = false
		rec.ErrorDetail = &detail
		r.Steps = append(r.Steps, StepResult{Name: step, Err: err})
		return "failed"
	}
	defer func() {
		if v := recover(); v != nil {
			p.deps.Log.WithField("run_id", r.RunID).WithField("panic", v).Error("Recovered from panic in digest run")
			outcome = fail("panic", fmt.Errorf("%v", v))
		}
	}()

	// Step 1: Fetch
	candidates, err := p.deps.Fetcher.Fetch(ctx)
	if err != nil {
		return fail("fetch", err)
	}
	p.deps.Metrics.Fetched(len(candidates))
	r.Steps = append(r.Steps, StepResult{Name: "Fetch", Summary: p.fetchSummary(len(candidates))})

	// Step 2: Filter
	filtered, err := digest.NewFilter(p.deps.Store, p.opts.Policy, p.deps.Log).FilterNew(ctx, candidates)
	if err != nil {
		return fail("filter", err)
	}
	if filtered.Degraded {
		rec.Degraded = true
		p.deps.Metrics.Degraded()
	}
	r.Steps = append(r.Steps, StepResult{Name: "Filter", Summary: filterSummary(filtered)})

	// Step 3: Select
	selected := digest.SelectForDigest(filtered.Items, p.opts.AllowAdult, p.opts.MaxCount)
	r.Selected = selected
	rec.ItemCount = len(selected)
	r.Steps = append(r.Steps, StepResult{Name: "Select", Summary: fmt.Sprintf("Selected %d items", len(selected))})
	if len(selected) == 0 {
		rec.Success = true
		return "empty"
	}

	// Step 4: Enrich
	selected = p.deps.Fetcher.Hydrate(ctx, selected)
	var note *string
	if p.deps.Enricher != nil {
		var er enrich.Result
		selected, er = p.deps.Enricher.EnrichItems(ctx, selected)
		p.deps.Metrics.EnrichFailed(er.Errors)
		note = p.deps.Enricher.EditorNote(ctx, selected)
		r.Steps = append(r.Steps, StepResult{
			Name:    "Enrich",
			Summary: fmt.Sprintf("%d summaries, %d comment digests, %d errors", er.Summaries, er.CommentDigests, er.Errors),
		})
	}
	r.Selected = selected

	// Step 5: Deliver
	used, err := p.deps.Deliverer.Deliver(ctx, p.opts.Title, selected, note)
	if used != "" {
		rec.EditorNote = &used
	}
	if err != nil {
		return fail("deliver", err)
	}
	r.Steps = append(r.Steps, StepResult{Name: "Deliver", Summary: fmt.Sprintf("Sent to %d recipients", len(p.opts.Recipients))})

	// Step 6: Store
	if err := p.deps.Store.UpsertItems(ctx, selected, p.deps.Now()); err != nil {
		return fail("store", fmt.Errorf("digest was sent but items were not recorded: %w", err))
	}
	r.Steps = append(r.Steps, StepResult{Name: "Store", Summary: fmt.Sprintf("Recorded %d items", len(selected))})

	rec.Success = true
	return "sent"
}

// DryRun fetches, filters and selects without enriching, sending or writing anything.
func (p *Pipeline) DryRun(ctx context.Context) (*Result, error) {
	r := &Result{RunID: uuid.NewString()}

	candidates, err := p.deps.Fetcher.Fetch(ctx)
	if err != nil {
		return r, fmt.Errorf("fetch: %w", err)
	}
	r.Steps = append(r.Steps, StepResult{Name: "Fetch", Summary: "[dry-run] " + p.fetchSummary(len(candidates))})

	filtered, err := digest.NewFilter(p.deps.Store, p.opts.Policy, p.deps.Log).FilterNew(ctx, candidates)
	if err != nil {
		return r, fmt.Errorf("filter: %w", err)
	}
	r.Steps = append(r.Steps, StepResult{Name: "Filter", Summary: "[dry-run] " + filterSummary(filtered)})

	r.Selected = digest.SelectForDigest(filtered.Items, p.opts.AllowAdult, p.opts.MaxCount)
	r.Steps = append(r.Steps, StepResult{
		Name:    "Select",
		Summary: fmt.Sprintf("[dry-run] Would send %d items to %d recipients", len(r.Selected), len(p.opts.Recipients)),
	})
	return r, nil
}

func (p *Pipeline) fetchSummary(n int) string {
	rep, ok := p.deps.Fetcher.(FetchReporter)
	if !ok {
		return fmt.Sprintf("Fetched %d candidates", n)
	}
	last := rep.LastResult()
	return fmt.Sprintf("Fetched %d candidates from %d sources (%d duplicates, %d sources failed)",
		n, len(last.Sources), last.Duplicates, last.Failed)
}

func filterSummary(f digest.FilterResult) string {
	if f.Degraded {
		return fmt.Sprintf("%d candidates kept (degraded: item store unavailable)", len(f.Items))
	}
	return fmt.Sprintf("%d new, %d already sent", len(f.Items), f.Seen)
}
