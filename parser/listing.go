package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Listing holds the links discovered on one search results page. Product
// links keep document order; NextPage is empty on the last page.
type Listing struct {
	ProductLinks []string
	NextPage     string
}

// ParseListing extracts product detail links and the next-page link from a
// search results document. Links are returned as found, possibly relative.
func ParseListing(doc *goquery.Document) Listing {
	var listing Listing
	doc.Find(`div[data-component-type="s-search-result"]`).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Find("h2 a").First().Attr("href")
		if !ok {
			return
		}
		if href = strings.TrimSpace(href); href != "" {
			listing.ProductLinks = append(listing.ProductLinks, href)
		}
	})

	if href, ok := doc.Find("ul.a-pagination li.a-last a").First().Attr("href"); ok {
		listing.NextPage = strings.TrimSpace(href)
	}
	return listing
}
