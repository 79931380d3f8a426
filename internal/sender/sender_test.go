package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"rss_relay/internal/model"
)

type sentMsg struct {
	ChatID  int64
	Text    string
	ReplyTo int
}

type mockAPI struct {
	mu     sync.Mutex
	sent   []sentMsg
	nextID int
	err    error
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return tgbotapi.Message{}, m.err
	}
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	m.nextID++
	m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text, ReplyTo: msg.ReplyToMessageID})
	return tgbotapi.Message{MessageID: m.nextID}, nil
}

var testPayload = Payload{
	FeedID:    1,
	FeedTitle: "DevOps Weekly",
	ArticleID: "item-1",
	Article: model.Article{
		Title:       "Kubernetes 1.32 Released",
		Description: "New features.",
		Link:        "https://example.com/k8s",
	},
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatArticle(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
		want string
	}{
		{
			name: "full",
			p:    testPayload,
			want: "[DevOps Weekly]\n\nKubernetes 1.32 Released\n\nNew features.\n\nhttps://example.com/k8s",
		},
		{
			name: "title only",
			p:    Payload{Article: model.Article{Title: "Just a title"}},
			want: "Just a title",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FormatArticle(tt.p)); diff != "" {
				t.Errorf("FormatArticle mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTelegramSend(t *testing.T) {
	api := &mockAPI{}
	tg := newTelegram(api, 1000, discardLog())
	dest := model.Destination{ID: "d", Kind: model.DestinationTelegram, Telegram: &model.TelegramTarget{ChatID: 42}}

	res, err := tg.Send(context.Background(), testPayload, dest)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.OK() {
		t.Errorf("expected OK result, got %+v", res)
	}
	want := []sentMsg{{ChatID: 42, Text: FormatArticle(testPayload)}}
	if diff := cmp.Diff(want, api.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestTelegramSendThread(t *testing.T) {
	api := &mockAPI{}
	tg := newTelegram(api, 1000, discardLog())
	dest := model.Destination{
		ID:       "d",
		Kind:     model.DestinationTelegram,
		Telegram: &model.TelegramTarget{ChatID: 42, ThreadTitle: "Daily digest"},
	}

	if _, err := tg.Send(context.Background(), testPayload, dest); err != nil {
		t.Fatalf("send: %v", err)
	}
	want := []sentMsg{
		{ChatID: 42, Text: "Daily digest"},
		{ChatID: 42, Text: FormatArticle(testPayload), ReplyTo: 1},
	}
	if diff := cmp.Diff(want, api.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestTelegramSendErrors(t *testing.T) {
	dest := model.Destination{ID: "d", Kind: model.DestinationTelegram, Telegram: &model.TelegramTarget{ChatID: 42}}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantErr    bool
	}{
		{name: "forbidden", err: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, wantStatus: 403},
		{name: "chat not found", err: &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, wantStatus: 404},
		{name: "bad request", err: &tgbotapi.Error{Code: 400, Message: "Bad Request: message is too long"}, wantStatus: 400},
		{name: "transport", err: errors.New("connection reset"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTelegram(&mockAPI{err: tt.err}, 1000, discardLog())
			res, err := tg.Send(context.Background(), testPayload, dest)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.wantStatus, res.Status); diff != "" {
				t.Errorf("status mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type mockHTTPClient struct {
	status int
	body   string
	err    error
	req    *http.Request
	sent   []byte
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.req = req
	if req.Body != nil {
		m.sent, _ = io.ReadAll(req.Body)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.status,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func TestWebhookSend(t *testing.T) {
	client := &mockHTTPClient{status: 204}
	wh := NewWebhook(client, 1000)
	dest := model.Destination{ID: "w", Kind: model.DestinationWebhook, Webhook: &model.WebhookTarget{URL: "https://hooks.example.com/x"}}

	res, err := wh.Send(context.Background(), testPayload, dest)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.OK() {
		t.Errorf("expected OK, got %+v", res)
	}
	if diff := cmp.Diff("https://hooks.example.com/x", client.req.URL.String()); diff != "" {
		t.Errorf("url mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("application/json", client.req.Header.Get("Content-Type")); diff != "" {
		t.Errorf("content type mismatch (-want +got):\n%s", diff)
	}

	var got webhookBody
	if err := json.Unmarshal(client.sent, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := webhookBody{
		FeedID:    1,
		ArticleID: "item-1",
		Text:      FormatArticle(testPayload),
		Title:     "Kubernetes 1.32 Released",
		Link:      "https://example.com/k8s",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestWebhookSendStatus(t *testing.T) {
	client := &mockHTTPClient{status: 404, body: "Unknown Webhook"}
	wh := NewWebhook(client, 1000)
	dest := model.Destination{ID: "w", Kind: model.DestinationWebhook, Webhook: &model.WebhookTarget{URL: "https://hooks.example.com/x"}}

	res, err := wh.Send(context.Background(), testPayload, dest)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if diff := cmp.Diff(Result{Status: 404, Body: "Unknown Webhook"}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	client.err = errors.New("dial tcp: timeout")
	if _, err := wh.Send(context.Background(), testPayload, dest); err == nil || !strings.Contains(err.Error(), "post webhook") {
		t.Errorf("expected transport error, got %v", err)
	}
}

func TestMuxSend(t *testing.T) {
	api := &mockAPI{}
	client := &mockHTTPClient{status: 200}
	mux := NewMux(newTelegram(api, 1000, discardLog()), NewWebhook(client, 1000))
	ctx := context.Background()

	if _, err := mux.Send(ctx, testPayload, model.Destination{
		Kind: model.DestinationTelegram, Telegram: &model.TelegramTarget{ChatID: 1},
	}); err != nil {
		t.Fatalf("telegram via mux: %v", err)
	}
	if _, err := mux.Send(ctx, testPayload, model.Destination{
		Kind: model.DestinationWebhook, Webhook: &model.WebhookTarget{URL: "https://h"},
	}); err != nil {
		t.Fatalf("webhook via mux: %v", err)
	}
	if len(api.sent) != 1 || client.req == nil {
		t.Errorf("expected one send per medium, got telegram=%d webhook=%v", len(api.sent), client.req != nil)
	}

	_, err := mux.Send(ctx, testPayload, model.Destination{Kind: "carrier-pigeon"})
	if !errors.Is(err, ErrUnsupportedDestination) {
		t.Errorf("expected ErrUnsupportedDestination, got %v", err)
	}

	_, err = NewMux(nil, nil).Send(ctx, testPayload, model.Destination{Kind: model.DestinationWebhook})
	if !errors.Is(err, ErrUnsupportedDestination) {
		t.Errorf("expected ErrUnsupportedDestination for unconfigured kind, got %v", err)
	}
}
