package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"rss_relay/internal/model"
)

// maxResponseDetail bounds how much of a webhook response is kept.
const maxResponseDetail = 4 << 10

// HTTPClient is the subset of *http.Client used by Webhook.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type webhookBody struct {
	FeedID    int64      `json:"feed_id"`
	ArticleID string     `json:"article_id"`
	Text      string     `json:"text"`
	Title     string     `json:"title"`
	Link      string     `json:"link,omitempty"`
	Author    string     `json:"author,omitempty"`
	Published *time.Time `json:"published,omitempty"`
}

// Webhook posts articles as JSON to webhook URLs.
type Webhook struct {
	client  HTTPClient
	limiter *rate.Limiter
}

// NewWebhook creates a Webhook sender paced at ratePerSec requests.
func NewWebhook(client HTTPClient, ratePerSec int) *Webhook {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	return &Webhook{client: client, limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)}
}

// Send implements Sender.
func (w *Webhook) Send(ctx context.Context, p Payload, dest model.Destination) (Result, error) {
	if dest.Kind != model.DestinationWebhook || dest.Webhook == nil {
		return Result{}, fmt.Errorf("destination %s: %w", dest.ID, ErrUnsupportedDestination)
	}

	body, err := json.Marshal(webhookBody{
		FeedID:    p.FeedID,
		ArticleID: p.ArticleID,
		Text:      FormatArticle(p),
		Title:     p.Article.Title,
		Link:      p.Article.Link,
		Author:    p.Article.Author,
		Published: p.Article.Published,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode webhook body: %w", err)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("wait send slot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "RSSRelay/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	detail, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseDetail))
	if err != nil {
		return Result{Status: resp.StatusCode}, nil
	}
	return Result{Status: resp.StatusCode, Body: string(detail)}, nil
}
