// Package parser extracts product fields from Amazon result and detail
// pages. Every extraction rule is independent and fault tolerant: missing
// markup yields the field's empty value, never an error. The only hard
// requirement is the ASIN, enforced by ValidateProduct.
package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pbaleixo/go-scrape-amazon/models"
)

var asinPattern = regexp.MustCompile(`/dp/([A-Z0-9]{10})`)

// priceSelectors lists known price block variants in preference order.
// The first selector with non-empty text wins.
var priceSelectors = []string{
	"#priceblock_ourprice",
	"#priceblock_dealprice",
	"#priceblock_saleprice",
	"#corePrice_feature_div span.a-offscreen",
	"span.a-price span.a-offscreen",
}

// ParseProduct assembles a Product from a detail page document. Individual
// field rules never fail; the caller decides validity via ValidateProduct.
func ParseProduct(doc *goquery.Document, pageURL string) *models.Product {
	return &models.Product{
		ASIN:        ExtractASIN(doc, pageURL),
		Title:       ExtractTitle(doc),
		Price:       ExtractPrice(doc),
		Rating:      ExtractRating(doc),
		ReviewCount: ExtractReviewCount(doc),
		Features:    ExtractFeatures(doc),
		Description: ExtractDescription(doc),
		Images:      ExtractImages(doc),
		URL:         pageURL,
		ScrapedAt:   time.Now(),
	}
}

// ValidateProduct enforces the ASIN-required invariant. A product without a
// resolvable ASIN is never emitted.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if strings.TrimSpace(p.ASIN) == "" {
		return fmt.Errorf("product missing asin for %s", p.URL)
	}
	return nil
}

// ExtractASIN resolves the ASIN from the URL path, falling back to the
// product details table and the detail-bullets block.
func ExtractASIN(doc *goquery.Document, pageURL string) string {
	if m := asinPattern.FindStringSubmatch(pageURL); m != nil {
		return m[1]
	}

	asin := ""
	doc.Find("th").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != "ASIN" {
			return true
		}
		asin = strings.TrimSpace(s.Parent().Find("td").First().Text())
		return asin == ""
	})
	if asin != "" {
		return asin
	}

	doc.Find("#detailBullets_feature_div li").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		label := strings.TrimSpace(s.Find("span.a-text-bold").First().Text())
		if !strings.HasPrefix(label, "ASIN") {
			return true
		}
		// The bold span is the label; the value is a sibling span. Without
		// it, Last() would hand back the label text itself.
		asin = strings.TrimSpace(s.Find("span.a-list-item span").Not(".a-text-bold").Last().Text())
		return asin == ""
	})
	return asin
}

// ExtractTitle returns the trimmed product title.
func ExtractTitle(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("#productTitle").First().Text())
}

// ExtractPrice tries each known price block variant in order.
func ExtractPrice(doc *goquery.Document) string {
	for _, selector := range priceSelectors {
		if price := strings.TrimSpace(doc.Find(selector).First().Text()); price != "" {
			return price
		}
	}
	return ""
}

// ExtractRating returns the "x out of 5 stars" text when present.
func ExtractRating(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find(`span[data-hook="rating-out-of-text"]`).First().Text())
}

// ExtractReviewCount returns the customer review count text when present.
func ExtractReviewCount(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("#acrCustomerReviewText").First().Text())
}

// ExtractFeatures collects the feature bullet lines in document order,
// dropping entries that are empty after trimming.
func ExtractFeatures(doc *goquery.Document) []string {
	var features []string
	doc.Find("#feature-bullets .a-list-item").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			features = append(features, text)
		}
	})
	return features
}

// ExtractDescription joins the description paragraphs, if any.
func ExtractDescription(doc *goquery.Document) string {
	var paragraphs []string
	doc.Find("#productDescription p").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	return strings.Join(paragraphs, "\n")
}
