package sender

import (
	"fmt"
	"strings"

	"rss_relay/internal/fetcher"
)

// maxDescriptionLen keeps a message well inside Telegram's 4096 char limit.
const maxDescriptionLen = 3000

// FormatArticle renders a payload as plain message text.
func FormatArticle(p Payload) string {
	var b strings.Builder
	if p.FeedTitle != "" {
		fmt.Fprintf(&b, "[%s]\n\n", p.FeedTitle)
	}
	b.WriteString(p.Article.Title)
	if p.Article.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(fetcher.Truncate(p.Article.Description, maxDescriptionLen))
	}
	if p.Article.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(p.Article.Link)
	}
	return strings.TrimSpace(b.String())
}
