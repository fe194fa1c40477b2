// Package telegram implements the Notifier capability on Telegram.
// Destinations are chat ids; the adapter authenticates with a bot token and
// ignores the per-user access token.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"slated/internal/backoff"
	"slated/internal/transport"
	logx "slated/pkg/logx"
)

const textLimit = 4096

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{bot: b, log: log}, nil
}

// Send delivers one reminder message to a chat id.
// The per-user token is unused: the bot token is the credential here.
func (a *Adapter) Send(ctx context.Context, _ string, destination, title, message string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(destination), 10, 64)
	if err != nil {
		return backoff.NoRetry(fmt.Errorf("telegram destination %q is not a chat id: %w", destination, err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	text := title
	if message != "" {
		text = title + "\n" + message
	}
	if len(text) > textLimit {
		text = text[:textLimit]
	}

	_, err = a.bot.Send(&tele.Chat{ID: chatID}, text)
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify maps telebot failures onto the executor's retry vocabulary.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		wrapped := err
		if flood.RetryAfter > 0 {
			wrapped = backoff.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
		}
		return backoff.RateLimited(wrapped)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return backoff.NoRetry(fmt.Errorf("%w: %v", transport.ErrUnauthorized, err))
		case 400, 404:
			return backoff.NoRetry(err)
		case 429:
			return backoff.RateLimited(err)
		}
	}

	// Network-level failures and 5xx responses are transient.
	return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
}

// Check verifies the bot credential is still accepted.
func (a *Adapter) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.bot.Me == nil {
		return transport.ErrUnauthorized
	}
	return nil
}
