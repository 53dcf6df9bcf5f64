package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"

	"github.com/pbaleixo/go-scrape-amazon/config"
	"github.com/pbaleixo/go-scrape-amazon/models"
	"github.com/pbaleixo/go-scrape-amazon/pipeline"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.Keyword = "widgets"
	cfg.Parallelism = 2
	cfg.Delay = 0
	cfg.RandomDelay = 0
	cfg.MaxRetries = 0
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 10 * time.Millisecond
	cfg.PipelineBufferSize = 64
	cfg.BatchSize = 1
	return cfg
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: nil, statusCode: http.StatusBadGateway, expected: "server_error"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

// fakeResponse fabricates the colly callback value for handler-level tests.
func fakeResponse(t *testing.T, rawURL, body string) *colly.Response {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return &colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(body),
		Request:    &colly.Request{URL: parsed, Ctx: colly.NewContext()},
	}
}

func TestListingEmitsDetailsBeforePagination(t *testing.T) {
	cfg := testConfig()
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	var mu sync.Mutex
	var visits []string
	s.visit = func(target string) {
		mu.Lock()
		visits = append(visits, target)
		mu.Unlock()
	}

	listingURL := canonicalURL(cfg.SearchURL())
	cr := s.builder.build(listingURL, kindListing, 1)
	s.tracker.Register(cr)

	body := `<html><body>
<div data-component-type="s-search-result"><h2><a href="/One/dp/B000000001/ref=sr_1">One</a></h2></div>
<div data-component-type="s-search-result"><h2><a href="/Two/dp/B000000002/ref=sr_2">Two</a></h2></div>
<ul class="a-pagination"><li class="a-last"><a href="/s?k=widgets&amp;page=2">Next</a></li></ul>
</body></html>`

	s.handleListing(context.Background(), fakeResponse(t, listingURL, body), cr)

	want := []string{
		"http://example.test/One/dp/B000000001/ref=sr_1",
		"http://example.test/Two/dp/B000000002/ref=sr_2",
		"http://example.test/s?k=widgets&page=2",
	}
	mu.Lock()
	got := append([]string(nil), visits...)
	mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("visits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("visit[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if pages := s.session.Pages(); pages != 1 {
		t.Fatalf("pages = %d, want 1", pages)
	}

	// Re-processing the same response must not double-count or re-emit.
	s.handleListing(context.Background(), fakeResponse(t, listingURL, body), cr)
	mu.Lock()
	after := len(visits)
	mu.Unlock()
	if after != len(want) {
		t.Fatalf("re-processing emitted %d extra visits", after-len(want))
	}
	if pages := s.session.Pages(); pages != 1 {
		t.Fatalf("pages after re-processing = %d, want 1", pages)
	}
}

func TestListingStopsAtPageLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	var mu sync.Mutex
	var visits []string
	s.visit = func(target string) {
		mu.Lock()
		visits = append(visits, target)
		mu.Unlock()
	}

	listingURL := canonicalURL(cfg.SearchURL())
	cr := s.builder.build(listingURL, kindListing, 1)
	s.tracker.Register(cr)

	body := `<html><body>
<div data-component-type="s-search-result"><h2><a href="/One/dp/B000000001">One</a></h2></div>
<ul class="a-pagination"><li class="a-last"><a href="/s?k=widgets&amp;page=2">Next</a></li></ul>
</body></html>`
	s.handleListing(context.Background(), fakeResponse(t, listingURL, body), cr)

	mu.Lock()
	defer mu.Unlock()
	if len(visits) != 1 || !strings.Contains(visits[0], "/dp/B000000001") {
		t.Fatalf("visits = %v, want only the detail link", visits)
	}
}

func TestDetailWithoutASINIsDropped(t *testing.T) {
	cfg := testConfig()
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	writer := &collectingWriter{}
	p, err := pipeline.NewPipeline(context.Background(), writer, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	detailURL := "http://example.test/gp/product/mystery"
	cr := s.builder.build(detailURL, kindDetail, 0)
	s.tracker.Register(cr)

	s.handleDetail(fakeResponse(t, detailURL, "<html><body><p>no identity</p></body></html>"), cr, p)

	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	if got := writer.Count(); got != 0 {
		t.Fatalf("records written = %d, want 0", got)
	}
	if items := s.session.Items(); items != 0 {
		t.Fatalf("items = %d, want 0", items)
	}
	if state, _ := s.tracker.State(detailURL); state != stateDone {
		t.Fatalf("state = %v, want done (no retry for invalid records)", state)
	}
}

func TestDetailWithoutPriceIsStillEmitted(t *testing.T) {
	cfg := testConfig()
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	writer := &collectingWriter{}
	p, err := pipeline.NewPipeline(context.Background(), writer, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	detailURL := "http://example.test/Widget/dp/B08N5WRWNW/ref=sr_1_1"
	cr := s.builder.build(canonicalURL(detailURL), kindDetail, 0)
	s.tracker.Register(cr)

	s.handleDetail(fakeResponse(t, detailURL, "<html><body><span id='productTitle'>Widget</span></body></html>"), cr, p)

	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	products := writer.All()
	if len(products) != 1 {
		t.Fatalf("records written = %d, want 1", len(products))
	}
	if products[0].ASIN != "B08N5WRWNW" {
		t.Fatalf("asin = %q, want B08N5WRWNW", products[0].ASIN)
	}
	if products[0].Price != "" {
		t.Fatalf("price = %q, want empty", products[0].Price)
	}
	if items := s.session.Items(); items != 1 {
		t.Fatalf("items = %d, want 1", items)
	}
}

func TestScraperHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
		{status: http.StatusServiceUnavailable, expected: "server_error"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cfg := testConfig()

			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", cfg.SearchURL(), httpmock.NewStringResponder(tt.status, ""))

			s, err := NewScraper(cfg)
			if err != nil {
				t.Fatalf("new scraper: %v", err)
			}
			s.collector.WithTransport(transport)

			writer := &collectingWriter{}
			p, err := pipeline.NewPipeline(context.Background(), writer, cfg)
			if err != nil {
				t.Fatalf("new pipeline: %v", err)
			}
			p.Start(1)

			result, err := s.Run(context.Background(), p)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if err := p.Close(); err != nil {
				t.Fatalf("close pipeline: %v", err)
			}

			if got := result.ErrorsByType[tt.expected]; got == 0 {
				t.Fatalf("expected %q classification for status %d, got %v", tt.expected, tt.status, result.ErrorsByType)
			}
		})
	}
}

func TestRequestDroppedAfterRetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cfg.SearchURL(), httpmock.NewStringResponder(http.StatusInternalServerError, ""))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p, err := pipeline.NewPipeline(context.Background(), writer, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	// 1 initial attempt + 2 retries, then dropped.
	if result.RequestCount != 3 {
		t.Fatalf("requests = %d, want 3", result.RequestCount)
	}
	if result.RetryCount != 2 {
		t.Fatalf("retries = %d, want 2", result.RetryCount)
	}
	if len(result.FailedURLs) != 1 {
		t.Fatalf("failed urls = %v, want one entry", result.FailedURLs)
	}
	if result.ItemCount != 0 || result.PageCount != 0 {
		t.Fatalf("items/pages = %d/%d, want 0/0", result.ItemCount, result.PageCount)
	}

	searchURL := canonicalURL(cfg.SearchURL())
	if state, ok := s.tracker.State(searchURL); !ok || state != stateDropped {
		t.Fatalf("state = (%v, %v), want dropped", state, ok)
	}
	if attempts := s.tracker.Attempts(searchURL); attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRedirectedDetailPageEmitsRecord(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1

	base := cfg.BaseURL
	listing := buildListingPage([]string{"B000000001"}, "")
	canonical := base + "/canonical/dp/B000000001"

	redirect := httpmock.NewStringResponse(http.StatusMovedPermanently, "")
	redirect.Header.Set("Location", canonical)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cfg.SearchURL(), htmlResponder(listing))
	transport.RegisterResponder("GET", detailURL(base, "B000000001"), httpmock.ResponderFromResponse(redirect))
	transport.RegisterResponder("GET", canonical, htmlResponder(buildDetailPage("Widget One", "$10.00")))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p, err := pipeline.NewPipeline(context.Background(), writer, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	// The response comes back under the redirect target, not the URL the
	// link was registered as; the record must still be attributed and
	// emitted.
	if result.ItemCount != 1 {
		t.Fatalf("items = %d, want 1 (errors=%d failed=%v)", result.ItemCount, result.ErrorCount, result.FailedURLs)
	}
	if result.ErrorCount != 0 {
		t.Fatalf("errors = %d, want 0", result.ErrorCount)
	}
	if len(result.FailedURLs) != 0 {
		t.Fatalf("failed urls = %v, want none", result.FailedURLs)
	}
	if got := writer.Count(); got != 1 {
		t.Fatalf("records written = %d, want 1", got)
	}

	registered := canonicalURL(detailURL(base, "B000000001"))
	if state, ok := s.tracker.State(registered); !ok || state != stateDone {
		t.Fatalf("state = (%v, %v), want done for the registered URL", state, ok)
	}
}

func TestFailureWithoutTargetURLIsNotRecorded(t *testing.T) {
	cfg := testConfig()
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	s.handleFailure(nil, errors.New("dial failed before a request existed"))

	s.mu.Lock()
	failed := append([]string(nil), s.failedURLs...)
	other := s.errorsByType["other"]
	s.mu.Unlock()

	if len(failed) != 0 {
		t.Fatalf("failed urls = %v, want none for a failure without a URL", failed)
	}
	if other != 1 {
		t.Fatalf("other errors = %d, want 1", other)
	}
}

func TestScraperIntegration(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 2
	cfg.Parallelism = 4

	base := cfg.BaseURL
	page1 := buildListingPage([]string{"B000000001", "B000000002"}, "/s?k=widgets&page=2")
	page2 := buildListingPage([]string{"B000000003", "B000000001"}, "/s?k=widgets&page=3")

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cfg.SearchURL(), htmlResponder(page1))
	transport.RegisterResponder("GET", base+"/s?k=widgets&page=2", htmlResponder(page2))
	transport.RegisterResponder("GET", detailURL(base, "B000000001"), htmlResponder(buildDetailPage("Widget One", "$10.00")))
	transport.RegisterResponder("GET", detailURL(base, "B000000002"), htmlResponder(buildDetailPage("Widget Two", "")))
	transport.RegisterResponder("GET", detailURL(base, "B000000003"), htmlResponder(buildDetailPage("Widget Three", "$30.00")))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p, err := pipeline.NewPipeline(context.Background(), writer, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(2)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	// The duplicate link to B000000001 on page 2 is fetched only once, and
	// page 3 is never requested because of the page limit.
	if result.PageCount != 2 {
		t.Fatalf("pages = %d, want 2 (requests=%d errors=%d failed=%v)", result.PageCount, result.RequestCount, result.ErrorCount, result.FailedURLs)
	}
	if result.ItemCount != 3 {
		t.Fatalf("items = %d, want 3", result.ItemCount)
	}
	if result.RequestCount != 5 {
		t.Fatalf("requests = %d, want 5", result.RequestCount)
	}
	if got := writer.Count(); got != 3 {
		t.Fatalf("records written = %d, want 3", got)
	}

	var missingPrice *models.Product
	for _, product := range writer.All() {
		if product.ASIN == "B000000002" {
			missingPrice = product
		}
	}
	if missingPrice == nil {
		t.Fatalf("expected record for B000000002")
	}
	if missingPrice.Price != "" {
		t.Fatalf("price = %q, want empty", missingPrice.Price)
	}
	if missingPrice.Title != "Widget Two" {
		t.Fatalf("title = %q, want Widget Two", missingPrice.Title)
	}
}

type collectingWriter struct {
	mu       sync.Mutex
	products []*models.Product
}

func (cw *collectingWriter) Write(products []*models.Product) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.products = append(cw.products, products...)
	return nil
}

func (cw *collectingWriter) Close() error {
	return nil
}

func (cw *collectingWriter) Validate() error {
	return nil
}

func (cw *collectingWriter) Count() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.products)
}

func (cw *collectingWriter) All() []*models.Product {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]*models.Product, len(cw.products))
	copy(out, cw.products)
	return out
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func detailURL(base, asin string) string {
	return fmt.Sprintf("%s/Widget-%s/dp/%s/ref=sr_1", base, asin, asin)
}

func buildListingPage(asins []string, next string) string {
	var builder strings.Builder
	builder.WriteString("<html><body>")
	for _, asin := range asins {
		fmt.Fprintf(&builder, `<div data-component-type="s-search-result"><h2><a href="/Widget-%s/dp/%s/ref=sr_1">%s</a></h2></div>`, asin, asin, asin)
	}
	if next != "" {
		fmt.Fprintf(&builder, `<ul class="a-pagination"><li class="a-last"><a href="%s">Next</a></li></ul>`, strings.ReplaceAll(next, "&", "&amp;"))
	}
	builder.WriteString("</body></html>")
	return builder.String()
}

func buildDetailPage(title, price string) string {
	var builder strings.Builder
	builder.WriteString("<html><body>")
	fmt.Fprintf(&builder, `<span id="productTitle">%s</span>`, title)
	if price != "" {
		fmt.Fprintf(&builder, `<span id="priceblock_ourprice">%s</span>`, price)
	}
	builder.WriteString(`<span data-hook="rating-out-of-text">4.0 out of 5 stars</span>`)
	builder.WriteString(`<span id="acrCustomerReviewText">10 ratings</span>`)
	builder.WriteString(`<div id="feature-bullets"><ul><li><span class="a-list-item">Sturdy</span></li></ul></div>`)
	builder.WriteString("</body></html>")
	return builder.String()
}
