package parser

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const imageBlockMarker = "ImageBlockATF"

// colorImages mirrors the shape of the embedded image data block. Unknown
// keys are ignored; the block is untrusted input.
type colorImages struct {
	Initial []struct {
		Large string `json:"large"`
		HiRes string `json:"hiRes"`
	} `json:"initial"`
}

// ExtractImages reads the ordered image URL set from the script block tagged
// with the image marker. A missing or malformed block yields an empty slice.
// Duplicate URLs are dropped, keeping first occurrence order.
func ExtractImages(doc *goquery.Document) []string {
	var payload string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if !strings.Contains(text, imageBlockMarker) {
			return true
		}
		payload = colorImagesPayload(text)
		return payload == ""
	})
	if payload == "" {
		return nil
	}

	var block colorImages
	if err := json.Unmarshal([]byte(payload), &block); err != nil {
		return nil
	}

	seen := make(map[string]struct{}, len(block.Initial))
	var images []string
	for _, entry := range block.Initial {
		url := entry.Large
		if url == "" {
			url = entry.HiRes
		}
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		images = append(images, url)
	}
	return images
}

// colorImagesPayload locates the colorImages object inside the script source
// and returns it as a raw JSON string, or "" when absent.
func colorImagesPayload(script string) string {
	idx := strings.Index(script, `"colorImages"`)
	if idx < 0 {
		return ""
	}
	rest := script[idx+len(`"colorImages"`):]
	rest = strings.TrimLeft(rest, " \t\r\n")
	if !strings.HasPrefix(rest, ":") {
		return ""
	}
	rest = strings.TrimLeft(rest[1:], " \t\r\n")
	if !strings.HasPrefix(rest, "{") {
		return ""
	}
	return balancedObject(rest)
}

// balancedObject returns the prefix of s spanning one complete JSON object,
// tracking brace depth outside of string literals.
func balancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
