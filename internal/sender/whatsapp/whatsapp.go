// Package whatsapp sends broadcasts through the out-of-process web-automation
// agent that owns the WhatsApp Web session.
//
// The agent exposes a small local HTTP surface:
//
//	GET  /status   -> {"connected": bool, "state": string}
//	GET  /channels -> [{"name": string, "isAdmin": bool}]
//	POST /send     -> {"status": "success"|"failed", "error": string}
//
// Everything session-shaped (QR login, DOM selectors, reconnects) lives in
// the agent; this package only speaks the Send contract.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"channelcast/internal/model"
	"channelcast/internal/sender"
	logx "channelcast/pkg/logx"
)

var (
	// ErrNotConfigured is the platform-wide failure for a missing agent URL.
	ErrNotConfigured = errors.New("whatsapp: agent is not configured")
	// ErrNotConnected is the platform-wide failure for a logged-out session.
	ErrNotConnected = errors.New("whatsapp: agent session is not connected")
)

type Config struct {
	AgentURL       string
	RequestTimeout time.Duration
	MinDelay       time.Duration
	MaxDelay       time.Duration
}

type Status struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
}

type Sender struct {
	cfg   Config
	log   logx.Logger
	http  *http.Client
	pacer *sender.Pacer
	base  string
}

func New(cfg Config, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: timeout},
		pacer: sender.NewPacer(
			defaultDur(cfg.MinDelay, 3*time.Second),
			defaultDur(cfg.MaxDelay, 10*time.Second),
		),
		base: strings.TrimRight(strings.TrimSpace(cfg.AgentURL), "/"),
	}
}

func (s *Sender) Platform() model.Platform { return model.PlatformWhatsApp }

func (s *Sender) Configured() bool { return s.base != "" }

// Status asks the agent about its session.
func (s *Sender) Status(ctx context.Context) (Status, error) {
	if s.base == "" {
		return Status{}, ErrNotConfigured
	}
	var st Status
	if err := s.getJSON(ctx, "/status", &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// ListChannels scrapes the agent's channel list for discovery.
func (s *Sender) ListChannels(ctx context.Context) ([]sender.Discovered, error) {
	if s.base == "" {
		return nil, ErrNotConfigured
	}
	var raw []struct {
		Name    string `json:"name"`
		IsAdmin bool   `json:"isAdmin"`
	}
	if err := s.getJSON(ctx, "/channels", &raw); err != nil {
		return nil, err
	}
	out := make([]sender.Discovered, 0, len(raw))
	for _, c := range raw {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		out = append(out, sender.Discovered{Name: c.Name, IsAdmin: c.IsAdmin})
	}
	return out, nil
}

// Send delivers body to each channel in order. A disconnected session
// rejects the whole batch; per-channel agent errors fail that channel only.
// Channels the account does not administrate are failed without bothering
// the agent (posting to a WhatsApp channel requires admin).
func (s *Sender) Send(ctx context.Context, body string, batch []model.Channel) ([]model.DeliveryOutcome, error) {
	if s.base == "" {
		return nil, ErrNotConfigured
	}
	st, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Connected {
		return nil, fmt.Errorf("%w (state=%s)", ErrNotConnected, st.State)
	}

	out := make([]model.DeliveryOutcome, 0, len(batch))
	for i, ch := range batch {
		if i > 0 {
			if err := s.pacer.Wait(ctx); err != nil {
				for _, rest := range batch[i:] {
					out = append(out, failure(rest.Name, err.Error()))
				}
				return out, nil
			}
		}

		if !ch.IsAdmin {
			out = append(out, failure(ch.Name, "not an admin in this channel"))
			continue
		}

		if err := s.postSend(ctx, ch.Name, body); err != nil {
			s.log.Warn("send failed", logx.String("channel", ch.Name), logx.Err(err))
			out = append(out, failure(ch.Name, err.Error()))
			continue
		}

		s.log.Debug("message sent", logx.String("channel", ch.Name))
		out = append(out, model.DeliveryOutcome{
			Channel:   ch.Name,
			Platform:  model.PlatformWhatsApp,
			Status:    model.OutcomeSuccess,
			Timestamp: time.Now().UTC(),
		})
	}
	return out, nil
}

func (s *Sender) postSend(ctx context.Context, channel, message string) error {
	payload, err := json.Marshal(map[string]string{
		"channel": channel,
		"message": message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("agent response: %w", err)
	}
	if resp.StatusCode/100 != 2 || body.Status != "success" {
		if body.Error != "" {
			return errors.New(body.Error)
		}
		return fmt.Errorf("agent send failed: http=%d", resp.StatusCode)
	}
	return nil
}

func (s *Sender) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("agent %s: http=%d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func failure(channel, errText string) model.DeliveryOutcome {
	return model.DeliveryOutcome{
		Channel:   channel,
		Platform:  model.PlatformWhatsApp,
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
