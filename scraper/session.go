package scraper

import (
	"sync/atomic"
	"time"
)

// Session tracks process-wide crawl counters with an explicit start/finish
// lifecycle. Counters are incremented atomically under concurrent response
// handling and are read only when the crawl finishes.
type Session struct {
	startTime time.Time
	items     int64
	pages     int64
}

// SessionSummary is the finalized view of a crawl run.
type SessionSummary struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Items     int64
	Pages     int64
}

// NewSession returns an unstarted session.
func NewSession() *Session {
	return &Session{}
}

// Start records the crawl start timestamp.
func (s *Session) Start() {
	s.startTime = time.Now()
}

// RecordItem counts one emitted product record.
func (s *Session) RecordItem() {
	atomic.AddInt64(&s.items, 1)
}

// RecordPage counts one successfully processed listing page.
func (s *Session) RecordPage() {
	atomic.AddInt64(&s.pages, 1)
}

// Items returns the number of product records emitted so far.
func (s *Session) Items() int64 {
	return atomic.LoadInt64(&s.items)
}

// Pages returns the number of listing pages processed so far.
func (s *Session) Pages() int64 {
	return atomic.LoadInt64(&s.pages)
}

// Finish computes the elapsed duration and final counts.
func (s *Session) Finish() SessionSummary {
	end := time.Now()
	return SessionSummary{
		StartTime: s.startTime,
		EndTime:   end,
		Duration:  end.Sub(s.startTime),
		Items:     s.Items(),
		Pages:     s.Pages(),
	}
}
