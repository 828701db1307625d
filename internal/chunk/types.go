package chunk

import "strings"

// DefaultMaxChunkTokens bounds a chunk when no limit is configured.
const DefaultMaxChunkTokens = 256

// Chunk is a retrievable unit of document content.
type Chunk struct {
	Position     int      // 0-based position within the document, strictly increasing
	Breadcrumb   []string // Ancestor heading titles, outermost first
	Content      string   // Breadcrumb-prefixed body text
	TokenCount   int      // Token count of Content
	HeadingLevel int      // Level of the nearest enclosing heading (0 = preamble)
}

// BreadcrumbPrefix renders a breadcrumb as the prefix attached to chunk
// content: "Intro > Setup | ". Empty breadcrumbs render as "".
func BreadcrumbPrefix(breadcrumb []string) string {
	if len(breadcrumb) == 0 {
		return ""
	}
	return strings.Join(breadcrumb, " > ") + " | "
}

// BreadcrumbString renders a breadcrumb without the content separator,
// for display purposes.
func BreadcrumbString(breadcrumb []string) string {
	return strings.Join(breadcrumb, " > ")
}
