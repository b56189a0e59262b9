// Package registry maps logical channel identities to routing data.
package registry

import (
	"context"

	"channelcast/internal/model"
	"channelcast/internal/storage"
	logx "channelcast/pkg/logx"
)

// Registry is the durable channel directory. Resolution enforces the enabled
// flag only; platform-specific eligibility (admin-only posting and the like)
// belongs to the senders because its meaning differs per platform.
type Registry struct {
	store *storage.Store
	log   logx.Logger
}

func New(store *storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log}
}

// Resolve looks up each channel reference in order. References that do not
// resolve, and channels that are disabled, are dropped with a warning; the
// caller proceeds with the surviving subset. See the dispatch docs for why
// dropped references produce no outcome.
func (r *Registry) Resolve(ctx context.Context, refs []string) ([]model.Channel, error) {
	out := make([]model.Channel, 0, len(refs))
	for _, ref := range refs {
		ch, err := r.store.ChannelByID(ctx, ref)
		if err == storage.ErrNotFound {
			r.log.Warn("channel reference did not resolve", logx.String("ref", ref))
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ch.Enabled {
			r.log.Warn("skipping disabled channel",
				logx.String("channel", ch.Name), logx.String("platform", string(ch.Platform)))
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

// UpsertFromDiscovery is the idempotent create-or-update used by both
// discovery paths. chatID may be empty (whatsapp); a non-empty value
// refreshes the stored address.
func (r *Registry) UpsertFromDiscovery(ctx context.Context, name string, platform model.Platform, isAdmin bool, chatID string) (model.Channel, error) {
	ch, err := r.store.UpsertChannel(ctx, name, platform, isAdmin, chatID)
	if err != nil {
		return model.Channel{}, err
	}
	r.log.Debug("channel upserted",
		logx.String("channel", ch.Name),
		logx.String("platform", string(ch.Platform)),
		logx.Bool("is_admin", ch.IsAdmin),
	)
	return ch, nil
}

// List returns every known channel ordered by (platform, name).
func (r *Registry) List(ctx context.Context) ([]model.Channel, error) {
	return r.store.ListChannels(ctx)
}

// SetEnabled flips a channel's eligibility without deleting it.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ch, err := r.store.ChannelByID(ctx, id)
	if err != nil {
		return err
	}
	ch.Enabled = enabled
	return r.store.SaveChannel(ctx, ch)
}
