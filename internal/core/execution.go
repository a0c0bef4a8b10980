package core

// execution.go commits validated records to the product store.
//
// An Execution owns one session's records for the lifetime of the import.
// Each run (the first start or a retry) splits its records into fixed-size
// batches and dispatches them to a bounded worker pool. Cancellation is
// checked before every dispatch; batches already handed to a worker finish.
// Per-record failures never abort a batch.

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// Execution defaults.
const (
	DefaultBatchSize         = 100
	DefaultImportWorkers     = 4
	DefaultWriteTimeout      = 30 * time.Second
	DefaultMaxRetryAttempts  = 3
	DefaultChannelTimeout    = 30 * time.Second
	DefaultMaxProgressErrors = 100
)

// ExecutorConfig tunes an Execution.
type ExecutorConfig struct {
	BatchSize int
	Workers   int

	// WriteTimeout bounds each product store call. A timeout is that
	// record's failure.
	WriteTimeout time.Duration

	// MaxRetryAttempts is how many times a failed record may be retried
	// before it is classified as permanently failed.
	MaxRetryAttempts int

	// WritesPerSecond limits product store calls. Zero means unlimited.
	WritesPerSecond float64

	ChannelTimeout    time.Duration
	MaxProgressErrors int
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultImportWorkers
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = 0
	}
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = DefaultChannelTimeout
	}
	if c.MaxProgressErrors <= 0 {
		c.MaxProgressErrors = DefaultMaxProgressErrors
	}
	return c
}

// DefaultExecutorConfig returns the defaults, including three retries.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxRetryAttempts: DefaultMaxRetryAttempts}.withDefaults()
}

// recordOutcome tracks one record across runs.
type recordOutcome struct {
	attempts  int
	written   bool
	permanent bool
	productID string
	failure   *RecordFailure
}

// Execution imports one session's records.
type Execution struct {
	id       string
	cfg      ExecutorConfig
	store    ProductStore
	locator  ProductLocator
	channels []Channel
	limiter  *rate.Limiter
	hub      *ProgressHub
	onFinish func(ImportResult)

	records []Record

	mu       sync.Mutex
	state    ImportState
	attempt  int
	outcomes []recordOutcome
	progress ImportProgress
	stop     context.CancelFunc
	done     chan struct{}
	results  []ImportResult
}

// ExecutionOption configures an Execution.
type ExecutionOption func(*Execution)

// WithChannels syndicates written products to channels after each run.
func WithChannels(channels ...Channel) ExecutionOption {
	return func(e *Execution) { e.channels = append(e.channels, channels...) }
}

// WithOnFinish registers fn to be called with each run's result.
func WithOnFinish(fn func(ImportResult)) ExecutionOption {
	return func(e *Execution) { e.onFinish = fn }
}

// WithProgressHub publishes progress to hub instead of a private one.
func WithProgressHub(hub *ProgressHub) ExecutionOption {
	return func(e *Execution) { e.hub = hub }
}

// NewExecution prepares an import of target-keyed records. If store also
// implements ProductLocator, records whose SKU already exists are updated
// instead of created.
func NewExecution(records []Record, store ProductStore, cfg ExecutorConfig, opts ...ExecutionOption) *Execution {
	cfg = cfg.withDefaults()
	e := &Execution{
		id:       uuid.NewString(),
		cfg:      cfg,
		store:    store,
		records:  records,
		state:    ImportReady,
		outcomes: make([]recordOutcome, len(records)),
	}
	if loc, ok := store.(ProductLocator); ok {
		e.locator = loc
	}
	if cfg.WritesPerSecond > 0 {
		burst := max(1, int(cfg.WritesPerSecond))
		e.limiter = rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hub == nil {
		e.hub = NewProgressHub(DefaultProgressBuffer)
	}
	e.progress = ImportProgress{
		ExecutionID:  e.id,
		State:        ImportReady,
		TotalRecords: len(records),
		BatchesTotal: batchCount(len(records), cfg.BatchSize),
	}
	return e
}

// ID returns the execution id.
func (e *Execution) ID() string { return e.id }

// Hub returns the progress hub.
func (e *Execution) Hub() *ProgressHub { return e.hub }

// State returns the current state.
func (e *Execution) State() ImportState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns the latest progress snapshot.
func (e *Execution) Progress() ImportProgress {
	if p, ok := e.hub.Current(); ok {
		return p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Result returns the result of the latest finished run.
func (e *Execution) Result() (ImportResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.results) == 0 {
		return ImportResult{}, false
	}
	return e.results[len(e.results)-1], true
}

// Results returns every finished run's result, oldest first.
func (e *Execution) Results() []ImportResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ImportResult{}, e.results...)
}

// Start runs the first attempt over all records. It returns immediately;
// use Wait or the progress hub to follow it. ctx carries the logger and
// request values only: cancelling it does not stop the import.
func (e *Execution) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case ImportRunning:
		return ErrImportRunning
	case ImportReady:
	default:
		return fmt.Errorf("%w: import already %s", ErrInvalidTransition, e.state)
	}

	all := make([]int, len(e.records))
	for i := range all {
		all[i] = i
	}
	e.launch(ctx, all)
	return nil
}

// Retry resubmits records that failed with retries left, plus any that a
// cancelled run never reached.
func (e *Execution) Retry(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case ImportRunning:
		return ErrImportRunning
	case ImportReady:
		return ErrImportNotStarted
	}

	var pending []int
	for i, o := range e.outcomes {
		if !o.written && !o.permanent {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return ErrNothingToRetry
	}
	e.launch(ctx, pending)
	return nil
}

// launch starts a run. Caller holds e.mu.
func (e *Execution) launch(ctx context.Context, indices []int) {
	e.attempt++
	e.state = ImportRunning
	e.done = make(chan struct{})

	stopCtx, stop := context.WithCancel(context.Background())
	e.stop = stop

	e.progress = ImportProgress{
		ExecutionID:  e.id,
		State:        ImportRunning,
		Attempt:      e.attempt,
		TotalRecords: len(indices),
		BatchesTotal: batchCount(len(indices), e.cfg.BatchSize),
		UpdatedAt:    time.Now(),
	}
	e.hub.Publish(e.progress)

	runCtx := context.WithoutCancel(ctx)
	go e.run(runCtx, stopCtx, e.attempt, indices, e.done)
}

// Cancel stops dispatching further batches. In-flight batches finish.
func (e *Execution) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case ImportReady:
		return ErrImportNotStarted
	case ImportRunning:
		e.stop()
		return nil
	default:
		return fmt.Errorf("%w: import already %s", ErrInvalidTransition, e.state)
	}
}

// Wait blocks until the current run finishes or ctx is done.
func (e *Execution) Wait(ctx context.Context) (ImportResult, error) {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	if done == nil {
		return ImportResult{}, ErrImportNotStarted
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ImportResult{}, ctx.Err()
	}
	res, _ := e.Result()
	return res, nil
}

type runTally struct {
	created, updated int
	written          []ProductRecord
	failures         []RecordFailure
}

func (e *Execution) run(ctx, stopCtx context.Context, attempt int, indices []int, done chan struct{}) {
	log := logging.FromContext(ctx).With("execution_id", e.id, "attempt", attempt)
	start := time.Now()
	log.Info("import run started", "records", len(indices), "batch_size", e.cfg.BatchSize)

	var (
		tallyMu   sync.Mutex
		tally     runTally
		cancelled bool
	)

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)
	for b, lo := 0, 0; lo < len(indices); b, lo = b+1, lo+e.cfg.BatchSize {
		if stopCtx.Err() != nil {
			tallyMu.Lock()
			cancelled = true
			tallyMu.Unlock()
			break
		}
		batch := indices[lo:min(lo+e.cfg.BatchSize, len(indices))]
		batchNum := b + 1
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("batch %d panicked: %v", batchNum, r)
				}
			}()
			// A batch queued behind a full pool when Cancel lands is dropped.
			if stopCtx.Err() != nil {
				tallyMu.Lock()
				cancelled = true
				tallyMu.Unlock()
				return nil
			}
			bt := e.writeBatch(ctx, batch)
			tallyMu.Lock()
			tally.created += bt.created
			tally.updated += bt.updated
			tally.written = append(tally.written, bt.written...)
			tally.failures = append(tally.failures, bt.failures...)
			tallyMu.Unlock()
			e.batchDone(len(batch), len(batch)-len(bt.failures), bt.failures, start)
			return nil
		})
	}
	runErr := g.Wait()

	e.finish(ctx, attempt, indices, start, tally, cancelled, runErr, done)
}

// writeBatch writes each record of batch and records its outcome.
func (e *Execution) writeBatch(ctx context.Context, batch []int) runTally {
	var t runTally
	for _, idx := range batch {
		p, created, err := e.writeRecord(ctx, idx)

		e.mu.Lock()
		o := &e.outcomes[idx]
		o.attempts++
		if err == nil {
			o.written = true
			o.failure = nil
			e.mu.Unlock()
			if created {
				t.created++
			} else {
				t.updated++
			}
			t.written = append(t.written, p)
			continue
		}

		// Records that cannot be built will fail the same way on retry.
		var buildErr *buildError
		o.permanent = errors.As(err, &buildErr) || o.attempts > e.cfg.MaxRetryAttempts
		f := RecordFailure{
			RecordIndex: idx,
			SKU:         p.SKU,
			Message:     err.Error(),
			Attempts:    o.attempts,
			Permanent:   o.permanent,
		}
		o.failure = &f
		e.mu.Unlock()
		t.failures = append(t.failures, f)
	}
	return t
}

type buildError struct {
	err error
}

func (b *buildError) Error() string { return b.err.Error() }
func (b *buildError) Unwrap() error { return b.err }

// writeRecord creates or updates one product. created reports which.
func (e *Execution) writeRecord(ctx context.Context, idx int) (ProductRecord, bool, error) {
	p, err := BuildProduct(e.records[idx])
	if err != nil {
		return ProductRecord{SKU: e.records[idx].Raw(TargetSKU)}, false, &buildError{err: err}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return p, false, &ExecutionFailure{RecordIndex: idx, SKU: p.SKU, Err: err}
		}
	}

	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()

	if e.locator != nil {
		id, found, err := e.locator.FindIDBySKU(wctx, p.SKU)
		if err != nil {
			return p, false, &ExecutionFailure{RecordIndex: idx, SKU: p.SKU, Err: fmt.Errorf("lookup: %w", err)}
		}
		if found {
			if err := e.store.Update(wctx, id, p); err != nil {
				return p, false, &ExecutionFailure{RecordIndex: idx, SKU: p.SKU, Err: err}
			}
			e.setProductID(idx, id)
			return p, false, nil
		}
	}

	id, err := e.store.Create(wctx, p)
	if err != nil {
		return p, false, &ExecutionFailure{RecordIndex: idx, SKU: p.SKU, Err: err}
	}
	e.setProductID(idx, id)
	return p, true, nil
}

func (e *Execution) setProductID(idx int, id string) {
	e.mu.Lock()
	e.outcomes[idx].productID = id
	e.mu.Unlock()
}

// batchDone folds one batch into the progress snapshot and publishes it.
func (e *Execution) batchDone(n, ok int, failures []RecordFailure, start time.Time) {
	e.mu.Lock()
	p := e.progress
	p.ProcessedRecords += n
	p.SuccessfulRecords += ok
	p.FailedRecords += n - ok
	p.BatchesDone++
	p.Errors = append(append([]RecordFailure{}, p.Errors...), failures...)
	if over := len(p.Errors) - e.cfg.MaxProgressErrors; over > 0 {
		p.Errors = p.Errors[over:]
	}
	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		p.ProcessingRate = float64(p.ProcessedRecords) / elapsed
	}
	if p.ProcessingRate > 0 {
		p.EstimatedTimeRemaining = float64(p.TotalRecords-p.ProcessedRecords) / p.ProcessingRate
	}
	p.UpdatedAt = time.Now()
	e.progress = p
	e.hub.Publish(p)
	e.mu.Unlock()
}

func (e *Execution) finish(ctx context.Context, attempt int, indices []int, start time.Time,
	t runTally, cancelled bool, runErr error, done chan struct{}) {
	log := logging.FromContext(ctx).With("execution_id", e.id, "attempt", attempt)

	state := ImportCompleted
	switch {
	case runErr != nil:
		state = ImportFailed
		log.Error("import run aborted", "error", runErr)
	case cancelled:
		state = ImportCancelled
	case len(indices) > 0 && len(t.failures) == len(indices):
		state = ImportFailed
	}

	syndication := Syndicate(ctx, e.channels, t.written, e.cfg.ChannelTimeout)

	permanent := 0
	for _, f := range t.failures {
		if f.Permanent {
			permanent++
		}
	}
	res := ImportResult{
		ExecutionID:       e.id,
		Attempt:           attempt,
		State:             state,
		TotalRecords:      len(indices),
		Created:           t.created,
		Updated:           t.updated,
		Failed:            len(t.failures),
		PermanentlyFailed: permanent,
		DurationMs:        time.Since(start).Milliseconds(),
		Errors:            sortFailures(t.failures),
		Syndication:       syndication,
		CompletedAt:       time.Now(),
	}

	e.mu.Lock()
	e.stop()
	e.state = state
	e.results = append(e.results, res)
	p := e.progress
	p.State = state
	p.UpdatedAt = time.Now()
	e.progress = p
	e.hub.Publish(p)
	e.mu.Unlock()

	log.Info("import run finished",
		"state", state,
		"created", res.Created,
		"updated", res.Updated,
		"failed", res.Failed,
		"permanently_failed", res.PermanentlyFailed,
		"duration_ms", res.DurationMs,
	)

	if e.onFinish != nil {
		e.onFinish(res)
	}
	close(done)
}

func sortFailures(fs []RecordFailure) []RecordFailure {
	out := append([]RecordFailure(nil), fs...)
	sort.Slice(out, func(i, j int) bool { return out[i].RecordIndex < out[j].RecordIndex })
	return out
}

// Failures returns the current failure of every record that is not
// written, in record order.
func (e *Execution) Failures() []RecordFailure {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []RecordFailure
	for _, o := range e.outcomes {
		if o.failure != nil {
			out = append(out, *o.failure)
		}
	}
	return out
}

// ProductID returns the store id of record idx once written.
func (e *Execution) ProductID(idx int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx < 0 || idx >= len(e.outcomes) || !e.outcomes[idx].written {
		return "", false
	}
	return e.outcomes[idx].productID, true
}

func batchCount(n, size int) int {
	if n == 0 {
		return 0
	}
	return (n + size - 1) / size
}
