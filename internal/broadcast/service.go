// Package broadcast is the operator-facing entry point: it accepts message
// submissions, persists them, and either dispatches immediately or leaves
// them for the polling loop.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"channelcast/internal/model"
	"channelcast/internal/registry"
	"channelcast/internal/render"
	"channelcast/internal/sender"
	logx "channelcast/pkg/logx"
)

var (
	ErrEmptyContent = errors.New("broadcast: content is empty")
	ErrNoChannels   = errors.New("broadcast: no target channels")
)

// Store is the slice of the message store the service needs.
type Store interface {
	CreateMessage(ctx context.Context, m *model.Message) error
	Claim(ctx context.Context, id string) (bool, error)
	Finish(ctx context.Context, id string, status model.Status, outcomes []model.DeliveryOutcome) error
	Message(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, limit int) ([]*model.Message, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg *model.Message) ([]model.DeliveryOutcome, error)
}

// Discoverer lists channels visible to an external platform session.
type Discoverer interface {
	ListChannels(ctx context.Context) ([]sender.Discovered, error)
}

type Service struct {
	store Store
	disp  Dispatcher
	reg   *registry.Registry
	log   logx.Logger
}

func New(store Store, disp Dispatcher, reg *registry.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, disp: disp, reg: reg, log: log}
}

type SubmitRequest struct {
	Content  string
	Channels []string
	// ScheduledAt defers dispatch to the polling loop. Nil or past means
	// send now, in the caller's request.
	ScheduledAt *time.Time
}

// Submit validates, renders and persists a message. Immediate messages are
// claimed and dispatched before Submit returns, so the returned message is
// already terminal; scheduled ones come back pending.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	refs := make([]string, 0, len(req.Channels))
	for _, ref := range req.Channels {
		if ref = strings.TrimSpace(ref); ref != "" {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil, ErrNoChannels
	}

	msg := &model.Message{
		Content:     content,
		Rendered:    render.Message(content),
		Channels:    refs,
		ScheduledAt: req.ScheduledAt,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	if req.ScheduledAt != nil && req.ScheduledAt.After(time.Now()) {
		s.log.Info("message scheduled", logx.String("message", msg.ID),
			logx.Time("at", *req.ScheduledAt), logx.Int("channels", len(refs)))
		return msg, nil
	}
	return s.sendNow(ctx, msg)
}

func (s *Service) sendNow(ctx context.Context, msg *model.Message) (*model.Message, error) {
	claimed, err := s.store.Claim(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	if !claimed {
		// A tick raced us between create and claim. The loop owns the
		// message now; report the stored state.
		return s.store.Message(ctx, msg.ID)
	}

	outcomes, err := s.disp.Dispatch(ctx, msg)
	if err != nil {
		if ferr := s.store.Finish(ctx, msg.ID, model.StatusFailed, nil); ferr != nil {
			s.log.Error("failed-state write failed",
				logx.String("message", msg.ID), logx.Err(ferr))
		}
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if err := s.store.Finish(ctx, msg.ID, model.StatusCompleted, outcomes); err != nil {
		return nil, fmt.Errorf("persist results: %w", err)
	}
	s.log.Info("message dispatched", logx.String("message", msg.ID),
		logx.Int("outcomes", len(outcomes)))
	return s.store.Message(ctx, msg.ID)
}

func (s *Service) Get(ctx context.Context, id string) (*model.Message, error) {
	return s.store.Message(ctx, id)
}

// History returns recent messages, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListMessages(ctx, limit)
}

// RefreshWhatsAppChannels syncs the registry with the channels the agent
// session can currently see. Discovery failures are returned, not fatal;
// the registry keeps its last known state.
func (s *Service) RefreshWhatsAppChannels(ctx context.Context, disc Discoverer) (int, error) {
	found, err := disc.ListChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list channels: %w", err)
	}
	for _, d := range found {
		if _, err := s.reg.UpsertFromDiscovery(ctx, d.Name, model.PlatformWhatsApp, d.IsAdmin, d.ChatID); err != nil {
			return 0, fmt.Errorf("upsert %q: %w", d.Name, err)
		}
	}
	if len(found) > 0 {
		s.log.Info("whatsapp channels refreshed", logx.Int("count", len(found)))
	}
	return len(found), nil
}
