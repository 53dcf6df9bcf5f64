// Package scraper implements the two-stage crawl: search result pages are
// followed for product links and pagination, product pages are parsed into
// records and streamed to the pipeline. Fetching is delegated to a colly
// collector; this package owns request identity, retry policy, and session
// accounting.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/pbaleixo/go-scrape-amazon/config"
	"github.com/pbaleixo/go-scrape-amazon/models"
	"github.com/pbaleixo/go-scrape-amazon/parser"
	"github.com/pbaleixo/go-scrape-amazon/pipeline"
)

// Scraper wraps the colly collector and drives the crawl.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	builder   *requestBuilder
	tracker   *requestTracker
	session   *Session
	Metrics   *Metrics

	// visit hands a URL to the fetch engine; indirect so tests can
	// intercept dispatch order.
	visit func(url string)

	requestCount int64
	errorCount   int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int

	handlersOnce sync.Once
}

// NewScraper builds a scraper instance configured from cfg. An empty user
// agent pool or an unparseable base URL is a configuration error; the crawl
// never starts.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	builder, err := newRequestBuilder(cfg.UserAgents, cfg.Proxies)
	if err != nil {
		return nil, err
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(parsed.Host),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt

	s := &Scraper{
		cfg:          cfg,
		collector:    collector,
		builder:      builder,
		session:      NewSession(),
		errorsByType: make(map[string]int),
		Metrics:      NewMetrics(),
	}
	s.visit = s.visitURL
	s.tracker = newRequestTracker(cfg, func(target string) { s.visit(target) })

	// Redirect hops report the final URL in callbacks; alias it back to the
	// registered URL so the pinned identity survives and responses stay
	// attributable.
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return http.ErrUseLastResponse
		}
		s.tracker.Alias(req.URL.String(), via[0].URL.String())
		return nil
	})

	collector.WithTransport(&http.Transport{
		Proxy: s.proxyFor,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	return s, nil
}

// Session exposes the crawl session counters.
func (s *Scraper) Session() *Session {
	return s.session
}

// Run starts the crawl at the keyword search URL and blocks until all
// requests, including scheduled retries, have settled. Cancelling ctx
// abandons in-flight requests without retry; records already emitted
// remain valid.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.CrawlResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.tracker.SetContext(ctx)
	s.configureHandlers(ctx, p)

	s.session.Start()

	startURL := canonicalURL(s.cfg.SearchURL())
	s.tracker.Register(s.builder.build(startURL, kindListing, 1))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.tracker.Stop()
			s.collector.Wait()
		case <-done:
		}
	}()

	slog.Info("crawl started",
		slog.String("keyword", s.cfg.Keyword),
		slog.String("url", startURL),
	)

	if err := s.collector.Visit(startURL); err != nil {
		return nil, fmt.Errorf("initial visit: %w", err)
	}

	s.collector.Wait()
	for s.tracker.Drain() {
		s.collector.Wait()
	}
	s.tracker.Stop()

	summary := s.session.Finish()
	slog.Info("crawl finished",
		slog.Duration("duration", summary.Duration),
		slog.Int64("items", summary.Items),
		slog.Int64("pages", summary.Pages),
	)

	return &models.CrawlResult{
		StartTime:    summary.StartTime,
		EndTime:      summary.EndTime,
		ItemCount:    int(summary.Items),
		PageCount:    int(summary.Pages),
		ErrorCount:   int(atomic.LoadInt64(&s.errorCount)),
		FailedURLs:   s.snapshotFailedURLs(),
		ErrorsByType: s.snapshotErrors(),
		RetryCount:   s.tracker.TotalRetries(),
		RequestCount: int(atomic.LoadInt64(&s.requestCount)),
	}, nil
}

func (s *Scraper) configureHandlers(ctx context.Context, p *pipeline.Pipeline) {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put("start", time.Now())
			kind := "unknown"
			if cr, ok := s.tracker.Lookup(r.URL.String()); ok {
				r.Headers.Set("User-Agent", cr.userAgent)
				r.Ctx.Put("request", cr)
				kind = cr.kind.String()
			}
			current := atomic.AddInt64(&s.requestCount, 1)
			s.Metrics.IncRequest(kind)
			if current%50 == 0 {
				slog.Debug("crawl progress",
					slog.Int64("requests", current),
					slog.Int64("pages", s.session.Pages()),
					slog.Int64("items", s.session.Items()),
				)
			}
		})

		s.collector.OnResponse(func(r *colly.Response) {
			if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
				s.Metrics.ObserveDuration(time.Since(start))
			}
			cr := s.requestFor(r.Request)
			if cr == nil {
				slog.Debug("untracked response", slog.String("url", r.Request.URL.String()))
				return
			}
			switch cr.kind {
			case kindListing:
				s.handleListing(ctx, r, cr)
			case kindDetail:
				s.handleDetail(r, cr, p)
			}
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			s.handleFailure(r, err)
		})
	})
}

// handleListing processes a search results page: product links first, in
// document order, then the next page if the page limit allows.
func (s *Scraper) handleListing(ctx context.Context, r *colly.Response, cr *crawlRequest) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		s.handleFailure(r, fmt.Errorf("parse listing page: %w", err))
		return
	}
	if !s.tracker.MarkProcessed(cr.url) {
		return
	}

	listing := parser.ParseListing(doc)
	s.session.RecordPage()
	s.Metrics.IncPages()
	slog.Info("listing page processed",
		slog.String("url", cr.url),
		slog.Int("page", cr.depth),
		slog.Int("products", len(listing.ProductLinks)),
		slog.Bool("has_next", listing.NextPage != ""),
	)

	for _, link := range listing.ProductLinks {
		if ctx.Err() != nil {
			return
		}
		if abs := r.Request.AbsoluteURL(link); abs != "" {
			s.enqueue(abs, kindDetail, 0)
		}
	}

	if listing.NextPage == "" || ctx.Err() != nil {
		return
	}
	nextDepth := cr.depth + 1
	if !s.withinPageLimit(nextDepth) {
		slog.Debug("page limit reached", slog.Int("page", cr.depth), slog.Int("limit", s.cfg.MaxPages))
		return
	}
	if abs := r.Request.AbsoluteURL(listing.NextPage); abs != "" {
		s.enqueue(abs, kindListing, nextDepth)
	}
}

// handleDetail parses a product page and emits the record when it carries a
// resolvable ASIN. Records without one are logged and dropped, never
// retried: the response was valid, the page simply has no identity.
func (s *Scraper) handleDetail(r *colly.Response, cr *crawlRequest, p *pipeline.Pipeline) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		s.handleFailure(r, fmt.Errorf("parse product page: %w", err))
		return
	}

	pageURL := r.Request.URL.String()
	product := parser.ParseProduct(doc, pageURL)
	if err := parser.ValidateProduct(product); err != nil {
		s.tracker.MarkDone(cr.url)
		s.Metrics.IncInvalidRecords()
		slog.Warn("record dropped", slog.String("url", pageURL), slog.Any("error", err))
		return
	}
	if !s.tracker.MarkProcessed(cr.url) {
		return
	}

	s.session.RecordItem()
	s.Metrics.IncProducts()
	if err := p.Process(product); err != nil && !errors.Is(err, pipeline.ErrPipelineClosed) {
		slog.Error("pipeline process error", slog.Any("error", err))
	}
	slog.Debug("product scraped",
		slog.String("asin", product.ASIN),
		slog.String("price", product.Price),
		slog.String("url", pageURL),
	)
}

// handleFailure classifies a failed fetch and either schedules a retry with
// the same identity assignment or drops the request after the attempt
// budget is spent.
func (s *Scraper) handleFailure(r *colly.Response, err error) {
	atomic.AddInt64(&s.errorCount, 1)

	statusCode := 0
	targetURL := ""
	if r != nil {
		statusCode = r.StatusCode
		if cr := s.requestFor(r.Request); cr != nil {
			targetURL = cr.url
		} else if r.Request != nil && r.Request.URL != nil {
			targetURL = r.Request.URL.String()
		}
	}

	classified := classifyError(err, statusCode)
	category := errorTypeLabel(classified)

	s.mu.Lock()
	s.errorsByType[category]++
	s.mu.Unlock()
	s.Metrics.IncError(category)

	if targetURL == "" {
		slog.Error("request failed without a target url",
			slog.String("category", category),
			slog.Any("error", err),
		)
		return
	}

	if attempt, ok := s.tracker.ScheduleRetry(targetURL); ok {
		s.Metrics.IncRetries()
		slog.Warn("retrying request",
			slog.String("url", targetURL),
			slog.String("category", category),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		return
	}

	s.tracker.Drop(targetURL)
	s.Metrics.IncDropped()
	s.mu.Lock()
	s.failedURLs = append(s.failedURLs, targetURL)
	s.mu.Unlock()
	slog.Error("request dropped",
		slog.String("url", targetURL),
		slog.String("category", category),
		slog.Any("error", err),
	)
}

// enqueue registers a newly discovered link and hands it to the fetch
// engine. Already-tracked URLs are skipped.
func (s *Scraper) enqueue(target string, kind pageKind, depth int) {
	req := s.builder.build(canonicalURL(target), kind, depth)
	if !s.tracker.Register(req) {
		return
	}
	s.visit(req.url)
}

// requestFor recovers the tracked request stashed at request time. Redirects
// rewrite the reported URL, so the context copy is authoritative and the
// URL-keyed lookup (which follows aliases) is only a fallback.
func (s *Scraper) requestFor(r *colly.Request) *crawlRequest {
	if r == nil {
		return nil
	}
	if r.Ctx != nil {
		if cr, ok := r.Ctx.GetAny("request").(*crawlRequest); ok {
			return cr
		}
	}
	if r.URL != nil {
		if cr, ok := s.tracker.Lookup(r.URL.String()); ok {
			return cr
		}
	}
	return nil
}

func (s *Scraper) visitURL(target string) {
	if err := s.collector.Visit(target); err != nil {
		slog.Debug("visit rejected", slog.String("url", target), slog.Any("error", err))
	}
}

func (s *Scraper) withinPageLimit(page int) bool {
	return s.cfg.MaxPages == 0 || page <= s.cfg.MaxPages
}

// proxyFor returns the proxy pinned to a request at registration time, so
// retries reuse the same endpoint.
func (s *Scraper) proxyFor(req *http.Request) (*url.URL, error) {
	if cr, ok := s.tracker.Lookup(req.URL.String()); ok && cr.proxy != nil {
		return cr.proxy, nil
	}
	return http.ProxyFromEnvironment(req)
}

func (s *Scraper) snapshotFailedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failedURLs))
	copy(out, s.failedURLs)
	return out
}

func (s *Scraper) snapshotErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}

// canonicalURL re-renders a URL through net/url so tracker keys match the
// form the collector reports back in callbacks.
func canonicalURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return parsed.String()
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case statusCode == http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case statusCode == http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case statusCode >= http.StatusInternalServerError:
			return ErrServer{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}
