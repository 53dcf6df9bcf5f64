package scraper

import (
	"context"
	"sync"
	"time"

	"github.com/pbaleixo/go-scrape-amazon/config"
)

// requestState models the lifecycle of a tracked request:
// pending -> (done | retrying... -> done | dropped).
type requestState int

const (
	statePending requestState = iota
	stateRetrying
	stateDone
	stateDropped
)

// requestTracker owns per-request crawl state: identity assignment, attempt
// counting, retry scheduling with capped exponential backoff, and the
// processed flag that keeps session counters idempotent. One fetch attempt
// is counted at registration, so a request sees at most maxRetries+1
// attempts before it is dropped.
type requestTracker struct {
	maxRetries int
	backoff    time.Duration
	backoffMax time.Duration
	visit      func(url string)

	mu           sync.Mutex
	requests     map[string]*crawlRequest
	aliases      map[string]string
	timers       map[string]*time.Timer
	totalRetries int
	stopped      bool
	ctx          context.Context

	// inFlight counts scheduled retries until their visit completes; the
	// timers map alone is not enough because fireRetry removes its entry
	// before issuing the visit.
	inFlight int
	pending  sync.WaitGroup
}

func newRequestTracker(cfg *config.Config, visit func(url string)) *requestTracker {
	return &requestTracker{
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		backoffMax: cfg.RetryBackoffMax,
		visit:      visit,
		requests:   make(map[string]*crawlRequest),
		aliases:    make(map[string]string),
		timers:     make(map[string]*time.Timer),
		ctx:        context.Background(),
	}
}

// Register adds a new request to the tracker. It reports false when the URL
// is already tracked, so duplicate links discovered across pages are fetched
// only once.
func (t *requestTracker) Register(req *crawlRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.requests[req.url]; ok {
		return false
	}
	req.attempts = 1
	t.requests[req.url] = req
	return true
}

// Lookup returns the tracked request for a URL, following redirect aliases.
func (t *requestTracker) Lookup(url string) (*crawlRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.requests[url]; ok {
		return req, true
	}
	if canonical, ok := t.aliases[url]; ok {
		req, ok := t.requests[canonical]
		return req, ok
	}
	return nil, false
}

// Alias maps a redirect target back to the URL the request was registered
// under, so lookups by the final URL still find the tracked request.
func (t *requestTracker) Alias(alias, canonical string) {
	if alias == "" || alias == canonical {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if target, ok := t.aliases[canonical]; ok {
		canonical = target
	}
	if _, ok := t.requests[canonical]; !ok {
		return
	}
	t.aliases[alias] = canonical
}

// ScheduleRetry re-issues a failed request after a backoff delay, unless the
// attempt budget is exhausted or the crawl is shutting down. It returns the
// attempt number being scheduled and whether a retry was scheduled; a false
// return means the caller must drop the request.
func (t *requestTracker) ScheduleRetry(url string) (int, bool) {
	if t.maxRetries == 0 {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.ctx.Err() != nil {
		return 0, false
	}
	req, ok := t.requests[url]
	if !ok || req.state == stateDropped || req.state == stateDone {
		return 0, false
	}
	if req.attempts > t.maxRetries {
		return 0, false
	}

	req.attempts++
	req.state = stateRetrying
	t.totalRetries++

	delay := t.backoffFor(req.attempts - 1)
	t.cancelTimerLocked(url)
	t.pending.Add(1)
	t.inFlight++
	t.timers[url] = time.AfterFunc(delay, func() {
		t.fireRetry(url)
	})
	return req.attempts, true
}

// Drop marks a request as terminally failed. No record is emitted for it.
func (t *requestTracker) Drop(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.requests[url]; ok {
		req.state = stateDropped
	}
}

// MarkProcessed flags a request as successfully processed and reports whether
// this was the first time. Re-processing (for instance a retried response)
// returns false so counters are never incremented twice.
func (t *requestTracker) MarkProcessed(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.requests[url]
	if !ok || req.processed {
		return false
	}
	req.processed = true
	req.state = stateDone
	return true
}

// MarkDone finalizes a request without emitting anything, used when a valid
// response produced an invalid record.
func (t *requestTracker) MarkDone(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.requests[url]; ok {
		req.state = stateDone
	}
}

// Attempts reports how many fetch attempts a URL has consumed.
func (t *requestTracker) Attempts(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.requests[url]; ok {
		return req.attempts
	}
	return 0
}

// State reports the current lifecycle state of a URL.
func (t *requestTracker) State(url string) (requestState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.requests[url]; ok {
		return req.state, true
	}
	return statePending, false
}

// TotalRetries reports the number of retry attempts scheduled so far.
func (t *requestTracker) TotalRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalRetries
}

// Drain blocks until all scheduled retries have fired (including their
// visit) or been cancelled. It reports whether any retries were pending, so
// callers can loop until the fetch queue is genuinely empty.
func (t *requestTracker) Drain() bool {
	t.mu.Lock()
	pending := t.inFlight
	t.mu.Unlock()
	if pending == 0 {
		return false
	}
	t.pending.Wait()
	return true
}

// Stop cancels all pending retry timers. In-flight requests are abandoned
// without retry.
func (t *requestTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	for url, timer := range t.timers {
		if timer.Stop() {
			t.inFlight--
			t.pending.Done()
		}
		delete(t.timers, url)
	}
}

// SetContext installs the crawl context; a cancelled context suppresses
// further retry scheduling.
func (t *requestTracker) SetContext(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx = ctx
}

func (t *requestTracker) backoffFor(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := t.backoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base * time.Duration(1<<(attempt-1))
	if t.backoffMax > 0 && delay > t.backoffMax {
		delay = t.backoffMax
	}
	return delay
}

func (t *requestTracker) cancelTimerLocked(url string) {
	if timer, ok := t.timers[url]; ok {
		if timer.Stop() {
			t.inFlight--
			t.pending.Done()
		}
		delete(t.timers, url)
	}
}

func (t *requestTracker) fireRetry(url string) {
	defer func() {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()
		t.pending.Done()
	}()

	t.mu.Lock()
	if _, ok := t.timers[url]; !ok {
		// Cancelled by Stop while this callback was queued.
		t.mu.Unlock()
		return
	}
	delete(t.timers, url)
	stopped := t.stopped || t.ctx.Err() != nil
	t.mu.Unlock()

	if stopped {
		return
	}
	t.visit(url)
}
