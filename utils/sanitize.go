package utils

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var sanitizer = bluemonday.StrictPolicy()

// CleanText strips every HTML tag from user supplied plain text and trims surrounding space.
// Entities escaped by the policy are decoded again since the API serves JSON, not HTML.
func CleanText(input string) string {
	return strings.TrimSpace(html.UnescapeString(sanitizer.Sanitize(input)))
}
