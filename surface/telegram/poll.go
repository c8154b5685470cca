package telegram

import (
	"context"
	"log/slog"
	"time"
)

const (
	pollTimeoutSec = 30
	pollRetryDelay = 3 * time.Second
)

// Poller long-polls getUpdates and hands each update to a callback.
type Poller struct {
	client *Client
	logger *slog.Logger
}

// NewPoller creates a Poller over the given client.
func NewPoller(client *Client, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Poller{client: client, logger: logger}
}

// Run polls until ctx is cancelled, invoking handle for every update in
// arrival order. Poll errors are logged and retried after a short
// delay.
func (p *Poller) Run(ctx context.Context, handle func(ctx context.Context, u *Update)) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := p.client.GetUpdates(ctx, offset, pollTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("telegram: poll error", "error", err)
			select {
			case <-time.After(pollRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for i := range updates {
			u := &updates[i]
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			handle(ctx, u)
		}
	}
}
