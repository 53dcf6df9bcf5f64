// Package models defines data structures for the scraper.
package models

import "time"

// Product represents a single product extracted from a detail page.
//
// ASIN is the only required field; every other field defaults to its empty
// value so downstream consumers never deal with nils. Features and Images
// are nil-safe ordered slices.
type Product struct {
	ASIN        string    `csv:"asin" json:"asin"`
	Title       string    `csv:"title" json:"title"`
	Price       string    `csv:"price" json:"price"`
	Rating      string    `csv:"rating" json:"rating"`
	ReviewCount string    `csv:"review_count" json:"review_count"`
	Features    []string  `csv:"features" json:"features"`
	Description string    `csv:"description" json:"description"`
	Images      []string  `csv:"images" json:"images"`
	URL         string    `csv:"url" json:"url"`
	ScrapedAt   time.Time `csv:"scraped_at" json:"scraped_at"`
}

// CrawlResult holds the overall result of a crawl run.
type CrawlResult struct {
	StartTime    time.Time
	EndTime      time.Time
	ItemCount    int
	PageCount    int
	ErrorCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
	RetryCount   int
	RequestCount int
}
