package browser

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Content is what an extractor reads from a tab.
type Content struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Text  string `json:"text"`
}

// ContentExtractor turns a tab into readable text. Smarter heuristics plug
// in here; the Executor only formats what it gets back.
type ContentExtractor interface {
	Extract(ctx context.Context, b Browser, tabID int) (Content, error)
}

// ContentExtractorFunc adapts a function to ContentExtractor.
type ContentExtractorFunc func(ctx context.Context, b Browser, tabID int) (Content, error)

func (f ContentExtractorFunc) Extract(ctx context.Context, b Browser, tabID int) (Content, error) {
	return f(ctx, b, tabID)
}

// InnerTextExtractor reads the document title, location and body innerText.
type InnerTextExtractor struct{}

func (InnerTextExtractor) Extract(ctx context.Context, b Browser, tabID int) (Content, error) {
	var c Content
	if err := b.Evaluate(ctx, tabID, contentScript, &c); err != nil {
		return Content{}, fmt.Errorf("extract content: %w", err)
	}
	return c, nil
}

const truncatedMarker = "\n\n[Content truncated]"

// formatContent renders c with its Title/URL header. The body text is cut
// to limit bytes on a rune boundary; limit <= 0 disables the limit.
func formatContent(c Content, limit int) string {
	text := strings.TrimSpace(c.Text)
	truncated := false
	if limit > 0 && len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\nURL: %s\n\n%s", c.Title, c.URL, text)
	if truncated {
		sb.WriteString(truncatedMarker)
	}
	return sb.String()
}
