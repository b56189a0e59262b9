// Package sender defines the contract every platform implementation honors.
package sender

import (
	"context"

	"channelcast/internal/model"
)

// Sender delivers one rendered body to an ordered batch of channels on its
// platform and returns one outcome per channel it attempted, preserving
// input order.
//
// A non-nil error means a platform-wide failure (session gone, bot not
// configured): the whole batch was rejected and no outcomes were produced.
// Problems with a single recipient are never an error; they are a failed
// outcome. Callers must not assume any response-time bound: batches are
// paced internally to respect platform rate limits.
type Sender interface {
	Platform() model.Platform
	Send(ctx context.Context, body string, batch []model.Channel) ([]model.DeliveryOutcome, error)
}

// Discovered is one channel tuple reported by a platform's discovery
// mechanism, before it is upserted into the registry.
type Discovered struct {
	Name    string
	ChatID  string
	IsAdmin bool
}
