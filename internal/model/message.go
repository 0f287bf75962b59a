package model

import (
	"errors"
	"strings"
	"unicode/utf8"

	"time"
)

const (
	MessageMaxContentLength = 4096

	DefaultHistoryLimit = 1
	MaxHistoryLimit     = 500
)

var ErrMessageContentEmpty = errors.New("message content must not be empty")
var ErrMessageContentTooLong = errors.New("message content exceeds the maximum length")

// Message is a persisted text-channel message. Content holds either the
// AEAD-sealed ciphertext (base64, "enc:" prefixed) or, in development mode,
// raw UTF-8 plaintext — readers distinguish by the prefix.
type Message struct {
	ID             int64      `json:"id"`
	ChannelID      int64      `json:"channel_id"`
	SenderID       int64      `json:"sender_id"`
	SenderUsername string     `json:"sender_username"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	CreatedAtTicks int64      `json:"-"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// SanitizeContent strips control characters below U+0020 except tab, CR,
// and LF, then trims surrounding whitespace. Returns ErrMessageContentEmpty
// if nothing survives trimming, and ErrMessageContentTooLong if the result
// is longer than MessageMaxContentLength code points.
func SanitizeContent(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r < 0x20 && r != '\t' && r != '\r' && r != '\n' {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" {
		return "", ErrMessageContentEmpty
	}
	if utf8.RuneCountInString(cleaned) > MessageMaxContentLength {
		return "", ErrMessageContentTooLong
	}
	return cleaned, nil
}

// ClampHistoryLimit normalizes a client-supplied history page size into
// [1, 500].
func ClampHistoryLimit(limit int) int {
	if limit < DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// HistoryFilter selects a page of message history for one channel, forward
// (Since) or reverse (Before) paging.
type HistoryFilter struct {
	ChannelID int64
	Since     *time.Time
	Before    *time.Time
	Limit     int
}
