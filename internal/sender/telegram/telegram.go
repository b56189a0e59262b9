// Package telegram sends broadcasts through the Telegram Bot API and feeds
// channel discovery from bot updates.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"channelcast/internal/model"
	"channelcast/internal/registry"
	"channelcast/internal/sender"
	logx "channelcast/pkg/logx"
)

// ErrNotConfigured is the platform-wide failure for a missing bot token.
var ErrNotConfigured = errors.New("telegram: bot is not configured")

type Config struct {
	Token       string
	PollTimeout time.Duration
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// Sender owns the bot session as a process-scoped resource. The dispatch
// core only ever sees the Send contract; session state never leaks out.
type Sender struct {
	cfg   Config
	log   logx.Logger
	reg   *registry.Registry
	pacer *sender.Pacer

	bot *tele.Bot
	// sendText is the transport seam; tests replace it.
	sendText func(chatID int64, text string) error

	runMu   sync.Mutex
	running bool
}

// New builds the sender. An empty token is not an error: the sender starts
// unconfigured and rejects whole batches until a token is supplied, which
// the coordinator converts into per-channel failure outcomes.
func New(cfg Config, reg *registry.Registry, log logx.Logger) (*Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{
		cfg: cfg,
		log: log,
		reg: reg,
		pacer: sender.NewPacer(
			defaultDur(cfg.MinDelay, time.Second),
			defaultDur(cfg.MaxDelay, 3*time.Second),
		),
	}

	if strings.TrimSpace(cfg.Token) == "" {
		log.Warn("no bot token; telegram sends will fail until one is configured")
		return s, nil
	}

	timeout := defaultDur(cfg.PollTimeout, 10*time.Second)
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	s.bot = b
	s.sendText = func(chatID int64, text string) error {
		_, err := b.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
			ParseMode:             tele.ModeMarkdown,
			DisableWebPagePreview: true,
		})
		return err
	}
	s.registerHandlers()
	return s, nil
}

func (s *Sender) Platform() model.Platform { return model.PlatformTelegram }

func (s *Sender) Configured() bool { return s.sendText != nil }

// Start begins long-polling for discovery updates. Send works without it.
func (s *Sender) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.bot == nil || s.running {
		return
	}
	s.running = true

	go func() {
		<-ctx.Done()
		s.bot.Stop()
	}()
	go func() {
		s.log.Info("polling started")
		s.bot.Start() // blocks until Stop()
		s.log.Info("polling stopped")
	}()
}

func (s *Sender) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.bot != nil {
		s.bot.Stop()
	}
}

// Send delivers body to each channel in order, one outcome per channel.
// Missing chat IDs fail that channel only; an unconfigured bot rejects the
// whole batch.
func (s *Sender) Send(ctx context.Context, body string, batch []model.Channel) ([]model.DeliveryOutcome, error) {
	if s.sendText == nil {
		return nil, ErrNotConfigured
	}

	out := make([]model.DeliveryOutcome, 0, len(batch))
	for i, ch := range batch {
		if i > 0 {
			if err := s.pacer.Wait(ctx); err != nil {
				// Batch cut short (shutdown or tick timeout): the remaining
				// channels get explicit failures instead of vanishing.
				for _, rest := range batch[i:] {
					out = append(out, failure(rest.Name, err.Error()))
				}
				return out, nil
			}
		}

		chatID, err := strconv.ParseInt(strings.TrimSpace(ch.ChatID), 10, 64)
		if err != nil || ch.ChatID == "" {
			out = append(out, failure(ch.Name, "missing or invalid chat id"))
			continue
		}

		if err := s.sendText(chatID, body); err != nil {
			s.log.Warn("send failed", logx.String("channel", ch.Name), logx.Err(err))
			out = append(out, failure(ch.Name, err.Error()))
			continue
		}

		s.log.Debug("message sent", logx.String("channel", ch.Name), logx.Int64("chat_id", chatID))
		out = append(out, model.DeliveryOutcome{
			Channel:   ch.Name,
			Platform:  model.PlatformTelegram,
			Status:    model.OutcomeSuccess,
			Timestamp: time.Now().UTC(),
		})
	}
	return out, nil
}

// registerHandlers feeds the registry from bot updates: channel posts
// register the channel (the bot only sees them as an admin), private
// messages register the subscriber so operators can target them.
func (s *Sender) registerHandlers() {
	s.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.Chat.Title == "" {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.reg.UpsertFromDiscovery(ctx, m.Chat.Title, model.PlatformTelegram, true,
			strconv.FormatInt(m.Chat.ID, 10))
		if err != nil {
			s.log.Warn("channel discovery upsert failed", logx.String("title", m.Chat.Title), logx.Err(err))
		}
		return nil
	})

	s.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.Chat.Type != tele.ChatPrivate || m.Sender == nil {
			return nil
		}
		name := m.Sender.Username
		if name == "" {
			name = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
		}
		if name == "" {
			name = strconv.FormatInt(m.Chat.ID, 10)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.reg.UpsertFromDiscovery(ctx, name, model.PlatformTelegram, false,
			strconv.FormatInt(m.Chat.ID, 10))
		if err != nil {
			s.log.Warn("subscriber upsert failed", logx.String("user", name), logx.Err(err))
		}
		return nil
	})
}

func failure(channel, errText string) model.DeliveryOutcome {
	return model.DeliveryOutcome{
		Channel:   channel,
		Platform:  model.PlatformTelegram,
		Status:    model.OutcomeFailed,
		Error:     errText,
		Timestamp: time.Now().UTC(),
	}
}

func defaultDur(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
