package dispatch

import (
	"context"
	"errors"
	"testing"

	"channelcast/internal/model"
	"channelcast/internal/sender"
	logx "channelcast/pkg/logx"
)

type fakeResolver struct {
	channels []model.Channel
	err      error
}

func (f fakeResolver) Resolve(_ context.Context, _ []string) ([]model.Channel, error) {
	return f.channels, f.err
}

type fakeSender struct {
	platform model.Platform
	err      error
	panics   bool
	calls    int
}

func (f *fakeSender) Platform() model.Platform { return f.platform }

func (f *fakeSender) Send(_ context.Context, _ string, batch []model.Channel) ([]model.DeliveryOutcome, error) {
	f.calls++
	if f.panics {
		panic("sender exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.DeliveryOutcome, 0, len(batch))
	for _, ch := range batch {
		out = append(out, model.DeliveryOutcome{
			Channel: ch.Name, Platform: f.platform, Status: model.OutcomeSuccess,
		})
	}
	return out, nil
}

func wa(name string) model.Channel {
	return model.Channel{ID: name, Name: name, Platform: model.PlatformWhatsApp, Enabled: true}
}

func tg(name string) model.Channel {
	return model.Channel{ID: name, Name: name, Platform: model.PlatformTelegram, Enabled: true}
}

func msgFor(channels []model.Channel) *model.Message {
	refs := make([]string, 0, len(channels))
	for _, ch := range channels {
		refs = append(refs, ch.ID)
	}
	return &model.Message{ID: "m1", Content: "hi", Channels: refs}
}

func TestDispatchOneOutcomePerChannel(t *testing.T) {
	channels := []model.Channel{wa("a"), tg("b"), wa("c")}
	c := New(
		fakeResolver{channels: channels},
		[]sender.Sender{
			&fakeSender{platform: model.PlatformWhatsApp},
			&fakeSender{platform: model.PlatformTelegram},
		},
		logx.Nop(),
	)

	out, err := c.Dispatch(context.Background(), msgFor(channels))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(out) != len(channels) {
		t.Fatalf("len(outcomes) = %d, want %d", len(out), len(channels))
	}

	// Fixed platform order: whatsapp first, batch order within.
	want := []string{"a", "c", "b"}
	for i, o := range out {
		if o.Channel != want[i] {
			t.Fatalf("outcome[%d].Channel = %q, want %q", i, o.Channel, want[i])
		}
		if o.Status != model.OutcomeSuccess {
			t.Fatalf("outcome[%d] failed: %s", i, o.Error)
		}
	}
}

func TestDispatchNoValidChannels(t *testing.T) {
	c := New(fakeResolver{}, []sender.Sender{&fakeSender{platform: model.PlatformTelegram}}, logx.Nop())

	_, err := c.Dispatch(context.Background(), &model.Message{ID: "m1", Channels: []string{"ghost"}})
	if !errors.Is(err, ErrNoValidChannels) {
		t.Fatalf("err = %v, want ErrNoValidChannels", err)
	}
}

func TestDispatchResolverError(t *testing.T) {
	boom := errors.New("db gone")
	c := New(fakeResolver{err: boom}, nil, logx.Nop())

	_, err := c.Dispatch(context.Background(), &model.Message{ID: "m1", Channels: []string{"a"}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped resolver error", err)
	}
}

func TestDispatchPlatformFailureIsolated(t *testing.T) {
	channels := []model.Channel{wa("a"), wa("b"), tg("c")}
	waSender := &fakeSender{platform: model.PlatformWhatsApp, err: errors.New("session disconnected")}
	tgSender := &fakeSender{platform: model.PlatformTelegram}
	c := New(fakeResolver{channels: channels}, []sender.Sender{waSender, tgSender}, logx.Nop())

	out, err := c.Dispatch(context.Background(), msgFor(channels))
	if err != nil {
		t.Fatalf("a platform failure must not fail dispatch: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(out))
	}

	for _, o := range out[:2] {
		if o.Status != model.OutcomeFailed {
			t.Fatalf("whatsapp outcome should be failed, got %+v", o)
		}
		if o.Error != "session disconnected" {
			t.Fatalf("synthetic outcome error = %q", o.Error)
		}
	}
	if out[2].Channel != "c" || out[2].Status != model.OutcomeSuccess {
		t.Fatalf("telegram partition should be unaffected: %+v", out[2])
	}
	if tgSender.calls != 1 {
		t.Fatalf("telegram sender calls = %d, want 1", tgSender.calls)
	}
}

func TestDispatchSenderPanicIsolated(t *testing.T) {
	channels := []model.Channel{tg("c"), wa("a")}
	c := New(
		fakeResolver{channels: channels},
		[]sender.Sender{
			&fakeSender{platform: model.PlatformWhatsApp, panics: true},
			&fakeSender{platform: model.PlatformTelegram},
		},
		logx.Nop(),
	)

	out, err := c.Dispatch(context.Background(), msgFor(channels))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(out))
	}
	if out[0].Platform != model.PlatformWhatsApp || out[0].Status != model.OutcomeFailed {
		t.Fatalf("panicking partition should yield a failed outcome: %+v", out[0])
	}
	if out[1].Platform != model.PlatformTelegram || out[1].Status != model.OutcomeSuccess {
		t.Fatalf("healthy partition should succeed: %+v", out[1])
	}
}

func TestDispatchMissingSender(t *testing.T) {
	channels := []model.Channel{wa("a"), tg("b")}
	c := New(fakeResolver{channels: channels},
		[]sender.Sender{&fakeSender{platform: model.PlatformTelegram}}, logx.Nop())

	out, err := c.Dispatch(context.Background(), msgFor(channels))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(out))
	}
	if out[0].Status != model.OutcomeFailed {
		t.Fatalf("channel without a sender should fail: %+v", out[0])
	}
	if out[1].Status != model.OutcomeSuccess {
		t.Fatalf("telegram partition should still send: %+v", out[1])
	}
}
