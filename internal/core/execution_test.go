package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// flakyStore fails creates for the SKUs in fail.
type flakyStore struct {
	*MemoryProductStore

	mu   sync.Mutex
	fail map[string]bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryProductStore: NewMemoryProductStore(), fail: make(map[string]bool)}
}

func (s *flakyStore) setFailing(skus ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = make(map[string]bool, len(skus))
	for _, sku := range skus {
		s.fail[sku] = true
	}
}

func (s *flakyStore) Create(ctx context.Context, p ProductRecord) (string, error) {
	s.mu.Lock()
	fail := s.fail[p.SKU]
	s.mu.Unlock()
	if fail {
		return "", errors.New("store unavailable")
	}
	return s.MemoryProductStore.Create(ctx, p)
}

func productRecords(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = targetRecord(
			TargetName, fmt.Sprintf("Product %d", i),
			TargetSKU, sku(i),
			TargetPrice, "10.00",
		)
	}
	return out
}

func sku(i int) string { return fmt.Sprintf("SKU-%03d", i) }

func runToEnd(t *testing.T, e *Execution, start func(context.Context) error) ImportResult {
	t.Helper()
	if err := start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return res
}

func TestExecution_FailedBatchIsRetryable(t *testing.T) {
	store := newFlakyStore()
	var failing []string
	for i := 100; i < 200; i++ {
		failing = append(failing, sku(i))
	}
	store.setFailing(failing...)

	e := NewExecution(productRecords(250), store, ExecutorConfig{BatchSize: 100, Workers: 1, MaxRetryAttempts: 3})
	res := runToEnd(t, e, e.Start)

	if res.State != ImportCompleted {
		t.Errorf("State = %q, want %q", res.State, ImportCompleted)
	}
	if res.Created != 150 || res.Failed != 100 || res.PermanentlyFailed != 0 {
		t.Errorf("created/failed/permanent = %d/%d/%d, want 150/100/0", res.Created, res.Failed, res.PermanentlyFailed)
	}
	p := e.Progress()
	if p.BatchesTotal != 3 || p.BatchesDone != 3 {
		t.Errorf("batches = %d/%d, want 3/3", p.BatchesDone, p.BatchesTotal)
	}
	if p.ProcessedRecords != 250 || p.SuccessfulRecords != 150 || p.FailedRecords != 100 {
		t.Errorf("progress = %+v", p)
	}
	for _, f := range res.Errors {
		if f.RecordIndex < 100 || f.RecordIndex >= 200 {
			t.Fatalf("failure for record %d outside batch 2", f.RecordIndex)
		}
	}

	for attempt := 1; attempt <= 3; attempt++ {
		res = runToEnd(t, e, e.Retry)
		if res.TotalRecords != 100 || res.Failed != 100 {
			t.Fatalf("retry %d: total/failed = %d/%d, want 100/100", attempt, res.TotalRecords, res.Failed)
		}
		if res.Attempt != attempt+1 {
			t.Errorf("retry %d: Attempt = %d, want %d", attempt, res.Attempt, attempt+1)
		}
	}
	if res.PermanentlyFailed != 100 {
		t.Errorf("PermanentlyFailed = %d after 3 retries, want 100", res.PermanentlyFailed)
	}
	if res.State != ImportFailed {
		t.Errorf("State = %q, want %q when every retried record fails", res.State, ImportFailed)
	}
	if err := e.Retry(context.Background()); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("fourth Retry = %v, want ErrNothingToRetry", err)
	}
	if got := len(e.Results()); got != 4 {
		t.Errorf("len(Results) = %d, want 4", got)
	}
}

func TestExecution_RetrySucceedsAfterRecovery(t *testing.T) {
	store := newFlakyStore()
	store.setFailing(sku(1), sku(3))

	e := NewExecution(productRecords(5), store, ExecutorConfig{BatchSize: 2, Workers: 2, MaxRetryAttempts: 3})
	first := runToEnd(t, e, e.Start)
	if first.Created != 3 || first.Failed != 2 {
		t.Fatalf("first run created/failed = %d/%d, want 3/2", first.Created, first.Failed)
	}

	store.setFailing()
	second := runToEnd(t, e, e.Retry)
	if second.Created != 2 || second.Failed != 0 || second.State != ImportCompleted {
		t.Errorf("retry = %+v, want 2 created and completed", second)
	}
	if store.Len() != 5 {
		t.Errorf("store.Len = %d, want 5", store.Len())
	}
	if _, ok := e.ProductID(3); !ok {
		t.Error("ProductID(3) missing after successful retry")
	}
	if len(e.Failures()) != 0 {
		t.Errorf("Failures = %v, want none", e.Failures())
	}
}

func TestExecution_UpdatesExistingSKU(t *testing.T) {
	store := NewMemoryProductStore()
	id, err := store.Create(context.Background(), ProductRecord{SKU: sku(0), Name: "old"})
	if err != nil {
		t.Fatal(err)
	}

	e := NewExecution(productRecords(2), store, ExecutorConfig{})
	res := runToEnd(t, e, e.Start)

	if res.Created != 1 || res.Updated != 1 {
		t.Errorf("created/updated = %d/%d, want 1/1", res.Created, res.Updated)
	}
	if got, _ := store.Get(sku(0)); got.Name != "Product 0" {
		t.Errorf("updated name = %q, want Product 0", got.Name)
	}
	if got, _ := e.ProductID(0); got != id {
		t.Errorf("ProductID(0) = %q, want %q", got, id)
	}
}

func TestExecution_UnbuildableRecordIsPermanent(t *testing.T) {
	records := productRecords(2)
	records[1].Set(TargetPrice, StringValue("abc"))

	e := NewExecution(records, NewMemoryProductStore(), ExecutorConfig{MaxRetryAttempts: 3})
	res := runToEnd(t, e, e.Start)

	if res.Failed != 1 || res.PermanentlyFailed != 1 {
		t.Errorf("failed/permanent = %d/%d, want 1/1", res.Failed, res.PermanentlyFailed)
	}
	if err := e.Retry(context.Background()); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("Retry = %v, want ErrNothingToRetry", err)
	}
}

type slowStore struct{ *MemoryProductStore }

func (s slowStore) Create(ctx context.Context, p ProductRecord) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestExecution_WriteTimeoutIsRecordFailure(t *testing.T) {
	e := NewExecution(productRecords(2), slowStore{NewMemoryProductStore()},
		ExecutorConfig{WriteTimeout: 20 * time.Millisecond})
	res := runToEnd(t, e, e.Start)

	if res.State != ImportFailed || res.Failed != 2 {
		t.Fatalf("result = %+v, want both records failed", res)
	}
	if !strings.Contains(res.Errors[0].Message, "deadline exceeded") {
		t.Errorf("Message = %q, want a deadline error", res.Errors[0].Message)
	}
}

// gateStore blocks every create until release is closed. entered, when
// set, receives once per create.
type gateStore struct {
	*MemoryProductStore
	started chan struct{}
	once    sync.Once
	release chan struct{}
	entered chan struct{}
	calls   atomic.Int32
}

func (s *gateStore) Create(ctx context.Context, p ProductRecord) (string, error) {
	s.calls.Add(1)
	s.once.Do(func() { close(s.started) })
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	<-s.release
	return s.MemoryProductStore.Create(ctx, p)
}

func newGateStore(buffer int) *gateStore {
	s := &gateStore{
		MemoryProductStore: NewMemoryProductStore(),
		started:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	if buffer > 0 {
		s.entered = make(chan struct{}, buffer)
	}
	return s
}

func TestExecution_CancelStopsBetweenBatches(t *testing.T) {
	tests := []struct {
		name    string
		records int
		workers int
	}{
		{"single worker", 5, 1},
		{"worker pool", 8, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newGateStore(tt.records)
			e := NewExecution(productRecords(tt.records), store, ExecutorConfig{BatchSize: 1, Workers: tt.workers})

			if err := e.Cancel(); !errors.Is(err, ErrImportNotStarted) {
				t.Errorf("Cancel before Start = %v, want ErrImportNotStarted", err)
			}
			if err := e.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			// Every worker is now blocked inside the store and the
			// dispatcher is waiting for a free slot.
			for range tt.workers {
				<-store.entered
			}
			if err := e.Start(context.Background()); !errors.Is(err, ErrImportRunning) {
				t.Errorf("second Start = %v, want ErrImportRunning", err)
			}
			if err := e.Cancel(); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			close(store.release)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			res, err := e.Wait(ctx)
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if res.State != ImportCancelled {
				t.Errorf("State = %q, want %q", res.State, ImportCancelled)
			}
			if res.Created != tt.workers {
				t.Errorf("Created = %d, want %d (in-flight batches only)", res.Created, tt.workers)
			}
			if got := int(store.calls.Load()); got != tt.workers {
				t.Errorf("store creates = %d, want %d", got, tt.workers)
			}
			if got := e.Progress().ProcessedRecords; got != tt.workers {
				t.Errorf("ProcessedRecords = %d, want %d", got, tt.workers)
			}

			rest := runToEnd(t, e, e.Retry)
			if res.Created+rest.Created != tt.records {
				t.Errorf("created %d then %d, want %d in total", res.Created, rest.Created, tt.records)
			}
		})
	}
}

func TestExecution_ProgressInvariant(t *testing.T) {
	store := newFlakyStore()
	store.setFailing(sku(2), sku(7), sku(8))

	hub := NewProgressHub(64)
	updates, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	e := NewExecution(productRecords(25), store, ExecutorConfig{BatchSize: 4, Workers: 3}, WithProgressHub(hub))
	runToEnd(t, e, e.Start)

	var last ImportProgress
	seen := 0
	for p := range updates {
		seen++
		if p.SuccessfulRecords+p.FailedRecords != p.ProcessedRecords {
			t.Errorf("seq %d: %d + %d != %d", p.Seq, p.SuccessfulRecords, p.FailedRecords, p.ProcessedRecords)
		}
		if p.ProcessedRecords > p.TotalRecords {
			t.Errorf("seq %d: processed %d > total %d", p.Seq, p.ProcessedRecords, p.TotalRecords)
		}
		if p.Seq <= last.Seq {
			t.Errorf("seq %d after %d", p.Seq, last.Seq)
		}
		last = p
		if p.State.IsTerminal() {
			break
		}
	}
	if seen < 2 {
		t.Errorf("received %d snapshots, want start, batches and finish", seen)
	}
	if last.State != ImportCompleted || last.ProcessedRecords != 25 || last.FailedRecords != 3 {
		t.Errorf("final progress = %+v", last)
	}
}

type fakeChannel struct {
	name string
	err  error

	mu  sync.Mutex
	got int
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Publish(_ context.Context, products []ProductRecord) error {
	c.mu.Lock()
	c.got += len(products)
	c.mu.Unlock()
	return c.err
}

func TestExecution_SyndicatesWrittenProducts(t *testing.T) {
	store := newFlakyStore()
	store.setFailing(sku(0))
	ok := &fakeChannel{name: "shop"}
	bad := &fakeChannel{name: "marketplace", err: errors.New("503")}

	var finished []ImportResult
	e := NewExecution(productRecords(3), store, ExecutorConfig{},
		WithChannels(ok, bad),
		WithOnFinish(func(r ImportResult) { finished = append(finished, r) }))
	res := runToEnd(t, e, e.Start)

	if len(res.Syndication) != 2 {
		t.Fatalf("len(Syndication) = %d, want 2", len(res.Syndication))
	}
	if !res.Syndication[0].Success || res.Syndication[0].Products != 2 {
		t.Errorf("shop = %+v, want success with 2 products", res.Syndication[0])
	}
	if res.Syndication[1].Success || res.Syndication[1].Error == "" {
		t.Errorf("marketplace = %+v, want failure", res.Syndication[1])
	}
	if ok.got != 2 {
		t.Errorf("shop received %d products, want 2", ok.got)
	}
	if len(finished) != 1 || finished[0].ExecutionID != e.ID() {
		t.Errorf("onFinish calls = %v", finished)
	}
}
