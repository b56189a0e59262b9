// Package dispatch fans one message out across platform senders and merges
// the per-channel outcomes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"channelcast/internal/model"
	"channelcast/internal/sender"
	logx "channelcast/pkg/logx"
)

// ErrNoValidChannels is returned when none of a message's channel references
// resolve to an enabled channel. It is the one condition that fails the whole
// message instead of producing outcomes.
var ErrNoValidChannels = errors.New("dispatch: no valid channels resolved")

// Resolver is the registry slice the coordinator needs.
type Resolver interface {
	Resolve(ctx context.Context, refs []string) ([]model.Channel, error)
}

// Coordinator is a pure orchestration component: it resolves, partitions,
// invokes the senders and merges outcomes. Persisting the result is the
// caller's job, which keeps Dispatch testable with fake senders.
type Coordinator struct {
	resolver Resolver
	senders  map[model.Platform]sender.Sender
	log      logx.Logger

	// sendTimeout bounds each sender invocation so one stuck platform
	// cannot stall a whole scheduler tick. 0 disables the bound.
	sendTimeout time.Duration
}

type Option func(*Coordinator)

// WithSendTimeout bounds every sender call.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.sendTimeout = d }
}

func New(resolver Resolver, senders []sender.Sender, log logx.Logger, opts ...Option) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	byPlatform := make(map[model.Platform]sender.Sender, len(senders))
	for _, s := range senders {
		byPlatform[s.Platform()] = s
	}
	c := &Coordinator{
		resolver:    resolver,
		senders:     byPlatform,
		log:         log,
		sendTimeout: 5 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dispatch attempts delivery of msg to every channel it references.
//
// Channel references that do not resolve are dropped (the registry logs
// them); zero survivors is ErrNoValidChannels. Each platform partition is
// sent concurrently and failure-isolated: a sender that rejects its whole
// batch, panics, or times out yields one synthetic failed outcome per
// channel of that partition, and the other platform proceeds untouched.
// Outcomes are concatenated in fixed platform order, batch order within.
func (c *Coordinator) Dispatch(ctx context.Context, msg *model.Message) ([]model.DeliveryOutcome, error) {
	channels, err := c.resolver.Resolve(ctx, msg.Channels)
	if err != nil {
		return nil, fmt.Errorf("resolve channels: %w", err)
	}
	if len(channels) == 0 {
		return nil, ErrNoValidChannels
	}

	parts := partition(channels)

	results := make(map[model.Platform][]model.DeliveryOutcome, len(parts))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range model.Platforms() {
		batch := parts[p]
		if len(batch) == 0 {
			continue
		}
		wg.Add(1)
		go func(p model.Platform, batch []model.Channel) {
			defer wg.Done()
			out := c.sendPartition(ctx, p, msg.Body(p), batch)
			mu.Lock()
			results[p] = out
			mu.Unlock()
		}(p, batch)
	}
	wg.Wait()

	merged := make([]model.DeliveryOutcome, 0, len(channels))
	for _, p := range model.Platforms() {
		merged = append(merged, results[p]...)
	}
	return merged, nil
}

// sendPartition never lets a platform failure escape: every exit path
// produces exactly one outcome per channel in the batch.
func (c *Coordinator) sendPartition(ctx context.Context, p model.Platform, body string, batch []model.Channel) (out []model.DeliveryOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("sender panicked", logx.String("platform", string(p)), logx.Any("panic", r))
			out = syntheticFailures(p, batch, fmt.Sprintf("sender panic: %v", r))
		}
	}()

	snd, ok := c.senders[p]
	if !ok {
		return syntheticFailures(p, batch, "no sender registered for platform")
	}

	sctx := ctx
	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}

	c.log.Info("sending batch",
		logx.String("platform", string(p)), logx.Int("channels", len(batch)))

	outcomes, err := snd.Send(sctx, body, batch)
	if err != nil {
		c.log.Error("platform-wide send failure",
			logx.String("platform", string(p)), logx.Err(err))
		return syntheticFailures(p, batch, err.Error())
	}
	return outcomes
}

// partition splits channels by platform, preserving batch order.
func partition(channels []model.Channel) map[model.Platform][]model.Channel {
	parts := make(map[model.Platform][]model.Channel, 2)
	for _, ch := range channels {
		parts[ch.Platform] = append(parts[ch.Platform], ch)
	}
	return parts
}

func syntheticFailures(p model.Platform, batch []model.Channel, errText string) []model.DeliveryOutcome {
	now := time.Now().UTC()
	out := make([]model.DeliveryOutcome, 0, len(batch))
	for _, ch := range batch {
		out = append(out, model.DeliveryOutcome{
			Channel:   ch.Name,
			Platform:  p,
			Status:    model.OutcomeFailed,
			Error:     errText,
			Timestamp: now,
		})
	}
	return out
}
