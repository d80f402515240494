package export

import (
	"bytes"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// markdownInstance is initialized once and reused. The configuration never
// changes and the goldmark instance is safe to share across calls.
var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
			),
		)
	})
	return markdownInstance
}

// MarkdownToHTML converts note markdown to HTML for the handout template.
func MarkdownToHTML(input string) (string, error) {
	if input == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := getMarkdown().Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
