package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"rss_relay/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts articles to Telegram chats.
type Telegram struct {
	api     telegramAPI
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewTelegram creates a Telegram sender paced at ratePerSec messages.
func NewTelegram(token string, ratePerSec int, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newTelegram(api, ratePerSec, log), nil
}

func newTelegram(api telegramAPI, ratePerSec int, log *slog.Logger) *Telegram {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	return &Telegram{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     log,
	}
}

// Send implements Sender. With a thread title the header message is posted
// first and the article is sent as a reply to it.
func (t *Telegram) Send(ctx context.Context, p Payload, dest model.Destination) (Result, error) {
	if dest.Kind != model.DestinationTelegram || dest.Telegram == nil {
		return Result{}, fmt.Errorf("destination %s: %w", dest.ID, ErrUnsupportedDestination)
	}
	chatID := dest.Telegram.ChatID

	msg := tgbotapi.NewMessage(chatID, FormatArticle(p))
	msg.DisableWebPagePreview = true

	if title := strings.TrimSpace(dest.Telegram.ThreadTitle); title != "" {
		header, res, err := t.send(ctx, tgbotapi.NewMessage(chatID, title))
		if err != nil || !res.OK() {
			return res, err
		}
		msg.ReplyToMessageID = header.MessageID
	}

	_, res, err := t.send(ctx, msg)
	if err == nil && !res.OK() {
		t.log.Debug("telegram rejected message", "chat_id", chatID, "status", res.Status, "detail", res.Body)
	}
	return res, err
}

func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, Result, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return tgbotapi.Message{}, Result{}, fmt.Errorf("wait send slot: %w", err)
	}

	m, err := t.api.Send(c)
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return m, Result{Status: telegramStatus(apiErr), Body: apiErr.Message}, nil
	}
	if err != nil {
		return m, Result{}, fmt.Errorf("send telegram message: %w", err)
	}
	return m, Result{Status: http.StatusOK}, nil
}

// telegramStatus maps a Bot API error to a status. A missing chat is
// reported as 404 so it classifies like a deleted webhook.
func telegramStatus(e *tgbotapi.Error) int {
	if e.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Message), "chat not found") {
		return http.StatusNotFound
	}
	if e.Code == 0 {
		return http.StatusInternalServerError
	}
	return e.Code
}
