// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package notify delivers alert messages to operators.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"grimm.is/fleetwall/internal/errors"
)

// Notifier delivers one message. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Telegram sends HTML-formatted messages through the Bot API.
type Telegram struct {
	http   *resty.Client
	chatID string
}

// NewTelegram builds a notifier for one bot token and chat.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		http: resty.New().
			SetBaseURL("https://api.telegram.org/bot" + token).
			SetTimeout(10 * time.Second),
		chatID: chatID,
	}
}

// Send posts one message. Telegram's API answers 200 with ok=false on
// some failures, so both are checked.
func (t *Telegram) Send(ctx context.Context, text string) error {
	var body struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		SetResult(&body).
		Post("/sendMessage")
	if err != nil {
		return errors.Wrap(err, errors.KindConnectionRefused, "telegram unreachable")
	}
	if resp.StatusCode() != 200 || !body.OK {
		return errors.Errorf(errors.KindUnknown, "telegram rejected message (status %d): %s",
			resp.StatusCode(), body.Description)
	}
	return nil
}

// Noop discards messages; used when no notifier is configured.
type Noop struct{}

func (Noop) Send(context.Context, string) error { return nil }

// Escape sanitizes dynamic text for HTML parse mode.
func Escape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			out = append(out, "&lt;"...)
		case '>':
			out = append(out, "&gt;"...)
		case '&':
			out = append(out, "&amp;"...)
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
