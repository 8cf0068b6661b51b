package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/TobiSchelling/RedditDigest/internal/collect"
	"github.com/TobiSchelling/RedditDigest/internal/compose"
	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/digest"
	"github.com/TobiSchelling/RedditDigest/internal/enrich"
	"github.com/TobiSchelling/RedditDigest/internal/mail"
	"github.com/TobiSchelling/RedditDigest/internal/metrics"
	"github.com/TobiSchelling/RedditDigest/internal/runlock"
)

type fakeFetcher struct {
	items    []database.Item
	err      error
	hydrated int
}

func (f *fakeFetcher) Fetch(context.Context) ([]database.Item, error) {
	return f.items, f.err
}

func (f *fakeFetcher) Hydrate(_ context.Context, items []database.Item) []database.Item {
	f.hydrated += len(items)
	return items
}

// reportingFetcher also reports collection counters.
type reportingFetcher struct {
	fakeFetcher
	last collect.Result
}

func (f *reportingFetcher) LastResult() collect.Result {
	return f.last
}

type memStore struct {
	sent      map[string]bool
	records   []database.DeliveryRecord
	existsErr error
	upsertErr error
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{sent: map[string]bool{}}
}

func (s *memStore) Exists(_ context.Context, id string) (bool, error) {
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.sent[id], nil
}

func (s *memStore) UpsertItems(_ context.Context, items []database.Item, _ time.Time) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for _, it := range items {
		s.sent[it.ID] = true
	}
	return nil
}

func (s *memStore) AppendDelivery(_ context.Context, rec database.DeliveryRecord) (int64, error) {
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	s.records = append(s.records, rec)
	return int64(len(s.records)), nil
}

type fakeEnricher struct {
	note *string
}

func (f *fakeEnricher) EnrichItems(_ context.Context, items []database.Item) ([]database.Item, enrich.Result) {
	out := make([]database.Item, len(items))
	copy(out, items)
	for i := range out {
		out[i].Enrichment = &database.Enrichment{Summary: "summary of " + out[i].ID}
	}
	return out, enrich.Result{Summaries: len(out), Errors: 1}
}

func (f *fakeEnricher) EditorNote(context.Context, []database.Item) *string {
	return f.note
}

type fakeDeliverer struct {
	err   error
	panic bool
	calls int
	got   []database.Item
}

func (d *fakeDeliverer) Deliver(_ context.Context, _ string, items []database.Item, note *string) (string, error) {
	if d.panic {
		panic("boom")
	}
	d.calls++
	d.got = items
	if note == nil {
		return compose.FallbackEditorNote, d.err
	}
	return *note, d.err
}

func item(id string, score int, adult bool) database.Item {
	return database.Item{ID: id, Title: "Post " + id, Community: "golang", Score: score, IsAdult: adult}
}

func ids(items []database.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

type fixture struct {
	fetcher   *fakeFetcher
	store     *memStore
	deliverer *fakeDeliverer
	metrics   *metrics.Metrics
	lock      *runlock.LocalLock
	opts      Options
}

func newFixture(items ...database.Item) *fixture {
	return &fixture{
		fetcher:   &fakeFetcher{items: items},
		store:     newMemStore(),
		deliverer: &fakeDeliverer{},
		metrics:   metrics.New(),
		lock:      runlock.NewLocal(),
		opts: Options{
			Title:      "Daily Digest",
			Recipients: []string{"reader@example.com"},
			MaxCount:   2,
			Policy:     digest.AssumeNew,
		},
	}
}

func (f *fixture) pipeline() *Pipeline {
	note := "Editor says hi"
	return New(f.opts, Deps{
		Store:     f.store,
		Fetcher:   f.fetcher,
		Enricher:  &fakeEnricher{note: &note},
		Deliverer: f.deliverer,
		Lock:      f.lock,
		Metrics:   f.metrics,
	})
}

func TestRunSendsAndRecords(t *testing.T) {
	f := newFixture(item("a", 10, false), item("b", 50, true), item("c", 30, false), item("d", 20, false))

	res, err := f.pipeline().Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := ids(f.deliverer.got); !reflect.DeepEqual(got, []string{"c", "d"}) {
		t.Errorf("expected [c d] delivered, got %v", got)
	}
	if f.deliverer.got[0].Enrichment == nil {
		t.Error("expected enriched items to be delivered")
	}
	if f.fetcher.hydrated != 2 {
		t.Errorf("expected only selected items hydrated, got %d", f.fetcher.hydrated)
	}
	if !f.store.sent["c"] || !f.store.sent["d"] || f.store.sent["a"] {
		t.Errorf("unexpected stored items %v", f.store.sent)
	}

	if len(f.store.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(f.store.records))
	}
	rec := f.store.records[0]
	if !rec.Success || rec.ItemCount != 2 || rec.ErrorDetail != nil {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.RunID == "" || rec.RunID != res.RunID {
		t.Errorf("expected record to carry the run id, got %q", rec.RunID)
	}
	if rec.EditorNote == nil || *rec.EditorNote != "Editor says hi" {
		t.Errorf("unexpected editor note %v", rec.EditorNote)
	}
	if rec.Title != "Daily Digest" || !reflect.DeepEqual(rec.Recipients, []string{"reader@example.com"}) {
		t.Errorf("unexpected title or recipients %+v", rec)
	}

	if got := testutil.ToFloat64(f.metrics.Runs.WithLabelValues("sent")); got != 1 {
		t.Errorf("expected 1 sent run, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.EnrichmentFailures); got != 1 {
		t.Errorf("expected enrichment failures counted, got %v", got)
	}
}

func TestRunDoesNotResendDeliveredItems(t *testing.T) {
	f := newFixture(item("a", 10, false), item("b", 20, false))
	p := f.pipeline()

	for i := 0; i < 2; i++ {
		if _, err := p.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if f.deliverer.calls != 1 {
		t.Errorf("expected a single delivery, got %d", f.deliverer.calls)
	}
	if len(f.store.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(f.store.records))
	}
	second := f.store.records[1]
	if !second.Success || second.ItemCount != 0 {
		t.Errorf("expected empty successful second run, got %+v", second)
	}
}

func TestRunNoNewItems(t *testing.T) {
	f := newFixture()

	if _, err := f.pipeline().Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.deliverer.calls != 0 {
		t.Error("expected nothing delivered")
	}
	if len(f.store.records) != 1 || !f.store.records[0].Success || f.store.records[0].ItemCount != 0 {
		t.Errorf("unexpected records %+v", f.store.records)
	}
	if got := testutil.ToFloat64(f.metrics.Runs.WithLabelValues("empty")); got != 1 {
		t.Errorf("expected 1 empty run, got %v", got)
	}
}

func TestRunFetchFailure(t *testing.T) {
	f := newFixture()
	f.fetcher.err = errors.New("reddit is down")

	_, err := f.pipeline().Run(context.Background())
	if err == nil {
		t.Fatal("expected run error")
	}
	if len(f.store.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(f.store.records))
	}
	rec := f.store.records[0]
	if rec.Success || rec.ErrorDetail == nil || !strings.HasPrefix(*rec.ErrorDetail, "fetch: reddit is down") {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestRunDeliverFailureKeepsItemsUnsent(t *testing.T) {
	f := newFixture(item("a", 10, false))
	f.deliverer.err = errors.New("smtp refused")
	p := f.pipeline()

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("expected run error")
	}
	if len(f.store.sent) != 0 {
		t.Errorf("expected no items stored after failed send, got %v", f.store.sent)
	}
	rec := f.store.records[0]
	if rec.Success || !strings.Contains(*rec.ErrorDetail, "smtp refused") || rec.ItemCount != 1 {
		t.Errorf("unexpected record %+v", rec)
	}

	// The next run retries the same item.
	f.deliverer.err = nil
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := ids(f.deliverer.got); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected [a] on retry, got %v", got)
	}
	if len(f.store.records) != 2 {
		t.Errorf("expected 2 records, got %d", len(f.store.records))
	}
}

func TestRunUpsertFailure(t *testing.T) {
	f := newFixture(item("a", 10, false))
	f.store.upsertErr = errors.New("disk full")

	if _, err := f.pipeline().Run(context.Background()); err == nil {
		t.Fatal("expected run error")
	}
	rec := f.store.records[0]
	if rec.Success || !strings.HasPrefix(*rec.ErrorDetail, "store:") || !strings.Contains(*rec.ErrorDetail, "disk full") {
		t.Errorf("unexpected record %+v", rec)
	}
	if f.deliverer.calls != 1 {
		t.Errorf("expected the digest to have been sent, got %d calls", f.deliverer.calls)
	}
}

func TestRunDegradedFilter(t *testing.T) {
	f := newFixture(item("a", 10, false), item("b", 20, false))
	f.store.existsErr = errors.New("db locked")

	if _, err := f.pipeline().Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ids(f.deliverer.got); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Errorf("expected all candidates delivered, got %v", got)
	}
	if !f.store.records[0].Degraded {
		t.Error("expected degraded record")
	}
	if got := testutil.ToFloat64(f.metrics.FilterDegraded); got != 1 {
		t.Errorf("expected degraded metric, got %v", got)
	}
}

func TestRunFailClosed(t *testing.T) {
	f := newFixture(item("a", 10, false))
	f.store.existsErr = errors.New("db locked")
	f.opts.Policy = digest.FailClosed

	if _, err := f.pipeline().Run(context.Background()); err == nil {
		t.Fatal("expected run error")
	}
	if f.deliverer.calls != 0 {
		t.Error("expected nothing delivered")
	}
	rec := f.store.records[0]
	if rec.Success || !strings.HasPrefix(*rec.ErrorDetail, "filter:") {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	f := newFixture(item("a", 10, false))
	f.deliverer.panic = true

	_, err := f.pipeline().Run(context.Background())
	if err == nil {
		t.Fatal("expected run error")
	}
	if len(f.store.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(f.store.records))
	}
	if rec := f.store.records[0]; rec.Success || *rec.ErrorDetail != "panic: boom" {
		t.Errorf("unexpected record %+v", rec)
	}
	if got := testutil.ToFloat64(f.metrics.Runs.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed run, got %v", got)
	}

	// The lock was released.
	f.deliverer.panic = false
	if _, err := f.pipeline().Run(context.Background()); err != nil {
		t.Fatalf("unexpected error after panic: %v", err)
	}
}

func TestRunLockHeld(t *testing.T) {
	f := newFixture(item("a", 10, false))
	release, err := f.lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	res, err := f.pipeline().Run(context.Background())
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if res != nil {
		t.Error("expected no result")
	}
	if len(f.store.records) != 0 {
		t.Errorf("expected no record for a run that never started, got %d", len(f.store.records))
	}
	if got := testutil.ToFloat64(f.metrics.SkippedRuns); got != 1 {
		t.Errorf("expected skipped run counted, got %v", got)
	}
}

func TestRunAppendFailure(t *testing.T) {
	f := newFixture(item("a", 10, false))
	f.store.appendErr = errors.New("read-only")

	res, err := f.pipeline().Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "read-only") {
		t.Fatalf("expected append error, got %v", err)
	}
	if res == nil || res.Record == nil || !res.Record.Success {
		t.Errorf("expected the successful send to be reported, got %+v", res)
	}
}

func TestRunCancelledContextStillRecords(t *testing.T) {
	f := newFixture()
	f.fetcher.err = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.pipeline().Run(ctx); err == nil {
		t.Fatal("expected run error")
	}
	if len(f.store.records) != 1 {
		t.Errorf("expected 1 record, got %d", len(f.store.records))
	}
}

func TestDryRun(t *testing.T) {
	f := newFixture(item("a", 10, false), item("b", 20, false), item("c", 30, false))
	f.store.sent["c"] = true

	res, err := f.pipeline().DryRun(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ids(res.Selected); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Errorf("expected [b a], got %v", got)
	}
	if len(res.Steps) != 3 {
		t.Errorf("expected 3 steps, got %d", len(res.Steps))
	}
	for _, s := range res.Steps {
		if !strings.HasPrefix(s.Summary, "[dry-run]") {
			t.Errorf("expected dry-run summary, got %q", s.Summary)
		}
	}
	if f.deliverer.calls != 0 || len(f.store.records) != 0 || f.fetcher.hydrated != 0 {
		t.Error("expected dry run to have no side effects")
	}
}

func TestRunFetchSummaryReportsCollection(t *testing.T) {
	f := newFixture()
	fetcher := &reportingFetcher{
		fakeFetcher: fakeFetcher{items: []database.Item{item("a", 10, false)}},
		last:        collect.Result{TotalFound: 3, Duplicates: 2, Failed: 1, Sources: map[string]int{"golang": 1}},
	}
	p := New(f.opts, Deps{Store: f.store, Fetcher: fetcher, Deliverer: f.deliverer})

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Fetched 1 candidates from 1 sources (2 duplicates, 1 sources failed)"
	if res.Steps[0].Name != "Fetch" || res.Steps[0].Summary != want {
		t.Errorf("expected %q, got %+v", want, res.Steps[0])
	}
}

func TestRunAgainstSQLite(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "digest.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	f := newFixture(item("a", 10, false), item("b", 20, false))
	p := New(f.opts, Deps{Store: db, Fetcher: f.fetcher, Deliverer: f.deliverer})

	const runs = 3
	for i := 0; i < runs; i++ {
		_, _ = p.Run(context.Background())
	}

	history, err := db.RecentHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != runs {
		t.Fatalf("expected %d records, got %d", runs, len(history))
	}
	oldest := history[len(history)-1]
	if oldest.ItemCount != 2 || !oldest.Success {
		t.Errorf("unexpected first record %+v", oldest)
	}
	if history[0].ItemCount != 0 {
		t.Errorf("expected later runs to be empty, got %+v", history[0])
	}
	if f.deliverer.calls != 1 {
		t.Errorf("expected a single delivery, got %d", f.deliverer.calls)
	}
}

type captureSender struct {
	msg mail.Message
	err error
}

func (c *captureSender) Send(_ context.Context, msg mail.Message) error {
	c.msg = msg
	return c.err
}

func TestMailDeliverer(t *testing.T) {
	sender := &captureSender{}
	d := NewMailDeliverer(sender, []string{"a@example.com", "b@example.com"}, "The Editor")
	d.now = func() time.Time { return time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC) }

	note, err := d.Deliver(context.Background(), "Daily Digest", []database.Item{item("x", 5, false)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if note != compose.FallbackEditorNote {
		t.Errorf("expected fallback note, got %q", note)
	}
	if sender.msg.Subject != "Daily Digest - 2026-02-06" {
		t.Errorf("unexpected subject %q", sender.msg.Subject)
	}
	if len(sender.msg.To) != 2 {
		t.Errorf("unexpected recipients %v", sender.msg.To)
	}
	if !strings.Contains(sender.msg.Text, "Post x") || !strings.Contains(sender.msg.HTML, "Post x") {
		t.Error("expected the item in both parts")
	}

	sender.err = errors.New("refused")
	custom := "Hello readers"
	note, err = d.Deliver(context.Background(), "Daily Digest", nil, &custom)
	if err == nil {
		t.Fatal("expected send error")
	}
	if note != "Hello readers" {
		t.Errorf("expected custom note, got %q", note)
	}
}
