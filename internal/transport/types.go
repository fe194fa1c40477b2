// Package transport declares the external capabilities the core consumes.
// Providers (calendar, notification, extraction, token exchange) live behind
// these interfaces; the core owns no wire format.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnavailable signals the provider could not be reached at all.
	ErrUnavailable = errors.New("capability unavailable")

	// ErrUnauthorized signals the provider rejected the credential.
	// Not auto-retried; surfaces as a re-authentication requirement.
	ErrUnauthorized = errors.New("unauthorized")
)

// BusyInterval is a half-open interval [Start, End) during which the user's
// calendar is occupied.
type BusyInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether the busy interval intersects [start, end].
func (b BusyInterval) Overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && b.End.After(start)
}

// EventSpec describes a calendar event to create or update.
// Key is a stable idempotency key (the deliverable id) so repeated calls
// update rather than duplicate.
type EventSpec struct {
	Key   string    `json:"key"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Kind  string    `json:"kind,omitempty"`
}

// Calendar is the availability/event capability of the external provider.
//
// Implementations classify provider failures with the backoff package's
// markers: rate limiting via backoff.RateLimited, permanent rejections via
// backoff.NoRetry; anything else is treated as transient.
type Calendar interface {
	CheckAvailability(ctx context.Context, token, userID string, start, end time.Time) ([]BusyInterval, error)
	CreateOrUpdateEvent(ctx context.Context, token, userID string, ev EventSpec) (externalID string, err error)
}

// Notifier delivers one reminder message. Adapters that authenticate with
// their own credential (e.g. a bot token) may ignore the per-user token.
type Notifier interface {
	Send(ctx context.Context, token, destination, title, message string) error
}

// Extractor turns one chunk of normalized text into loosely-typed candidate
// records. The core validates them; the extractor guesses.
type Extractor interface {
	Extract(ctx context.Context, chunk string) ([]json.RawMessage, error)
}

// RefreshedToken is the result of a refresh exchange.
type RefreshedToken struct {
	AccessToken string
	ExpiresAt   time.Time
	// RefreshToken rotates on some providers; empty means keep the old one.
	RefreshToken string
}

// TokenSource performs the OAuth-style refresh exchange.
// A rejected refresh token surfaces as ErrUnauthorized.
type TokenSource interface {
	Refresh(ctx context.Context, userID, refreshToken string) (RefreshedToken, error)
}
