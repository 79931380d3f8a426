// Package fetcher handles feed downloading and parsing into articles.
package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"rss_relay/internal/model"
)

const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RequestError is a transport-level failure: the request never produced a response.
type RequestError struct {
	URL string
	Err error
}

func (e *RequestError) Error() string { return fmt.Sprintf("request %s: %v", e.URL, e.Err) }
func (e *RequestError) Unwrap() error { return e.Err }

// StatusError is returned when the server answers with a non-200 status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("request %s: unexpected status %d", e.URL, e.Code) }

// ParseError is returned when a body cannot be parsed as a feed.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse feed: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Response is a fetched feed body.
type Response struct {
	Body   []byte
	Hash   string
	Status int
}

// Parsed is the normalized result of parsing a feed body.
type Parsed struct {
	Title    string
	Articles []model.Article
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client    HTTPClient
	userAgent string
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: "RSSRelay/1.0",
	}
}

// Fetch downloads the feed at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RequestError{URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &RequestError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &RequestError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	h := sha256.Sum256(body)
	return &Response{
		Body:   body,
		Hash:   fmt.Sprintf("%x", h[:]),
		Status: resp.StatusCode,
	}, nil
}

// Parse converts a feed body into articles.
func (f *Fetcher) Parse(body []byte) (*Parsed, error) {
	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	out := &Parsed{Title: feed.Title, Articles: make([]model.Article, 0, len(feed.Items))}
	for _, item := range feed.Items {
		out.Articles = append(out.Articles, ToArticle(item))
	}
	return out, nil
}

// ToArticle normalizes a gofeed item.
func ToArticle(item *gofeed.Item) model.Article {
	a := model.Article{
		GUID:        strings.TrimSpace(item.GUID),
		Title:       strings.TrimSpace(item.Title),
		Description: item.Description,
		Link:        item.Link,
		Categories:  item.Categories,
	}
	if a.Description == "" {
		a.Description = item.Content
	}
	if item.Author != nil {
		a.Author = item.Author.Name
	}
	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		a.Published = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		a.Published = &t
	}
	return a
}

// Truncate shortens s to at most n bytes on a rune boundary, appending "...".
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
