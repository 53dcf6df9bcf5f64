package scraper

import (
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"
)

// pageKind tags a crawl request as a search results page or a product page.
type pageKind int

const (
	kindListing pageKind = iota
	kindDetail
)

func (k pageKind) String() string {
	switch k {
	case kindListing:
		return "listing"
	case kindDetail:
		return "detail"
	default:
		return "unknown"
	}
}

// crawlRequest is the tracked state of one outbound fetch intent. The url,
// kind, depth, userAgent, and proxy fields are fixed at registration; the
// tracker owns attempts, state, and processed.
type crawlRequest struct {
	url       string
	kind      pageKind
	depth     int // 1-based listing page number; 0 for detail pages
	userAgent string
	proxy     *url.URL

	attempts  int
	state     requestState
	processed bool
}

// requestBuilder assigns an identity and optional proxy to new requests,
// drawing uniformly at random with replacement from the configured pools.
// Each call is independent; rotation never happens on retry because the
// assignment is pinned in the tracker.
type requestBuilder struct {
	mu      sync.Mutex
	rnd     *rand.Rand
	agents  []string
	proxies []*url.URL
}

func newRequestBuilder(agents, proxies []string) (*requestBuilder, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("user agent pool is empty")
	}
	parsed := make([]*url.URL, 0, len(proxies))
	for _, proxy := range proxies {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
		}
		parsed = append(parsed, u)
	}
	return &requestBuilder{
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		agents:  agents,
		proxies: parsed,
	}, nil
}

func (b *requestBuilder) build(target string, kind pageKind, depth int) *crawlRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	req := &crawlRequest{
		url:       target,
		kind:      kind,
		depth:     depth,
		userAgent: b.agents[b.rnd.Intn(len(b.agents))],
		state:     statePending,
	}
	if len(b.proxies) > 0 {
		req.proxy = b.proxies[b.rnd.Intn(len(b.proxies))]
	}
	return req
}
