package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"channelcast/internal/model"
	"channelcast/internal/storage"
	logx "channelcast/pkg/logx"
)

type fakeDispatcher struct {
	err      error
	panicOn  string
	sent     []string
	outcomes func(msg *model.Message) []model.DeliveryOutcome
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg *model.Message) ([]model.DeliveryOutcome, error) {
	if msg.ID == f.panicOn {
		panic("dispatcher exploded")
	}
	f.sent = append(f.sent, msg.ID)
	if f.err != nil {
		return nil, f.err
	}
	if f.outcomes != nil {
		return f.outcomes(msg), nil
	}
	out := make([]model.DeliveryOutcome, 0, len(msg.Channels))
	for _, ref := range msg.Channels {
		out = append(out, model.DeliveryOutcome{
			Channel: ref, Platform: model.PlatformTelegram, Status: model.OutcomeSuccess,
		})
	}
	return out, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createMessage(t *testing.T, s *storage.Store, content string, at *time.Time) *model.Message {
	t.Helper()
	m := &model.Message{Content: content, Channels: []string{"news"}, ScheduledAt: at}
	if err := s.CreateMessage(context.Background(), m); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return m
}

func TestCheckDueDispatchesAndCompletes(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	due := createMessage(t, store, "due", &past)
	later := createMessage(t, store, "later", &future)

	disp := &fakeDispatcher{}
	svc := New(Config{Enabled: true}, store, disp, logx.Nop())
	svc.CheckDue(ctx)

	if len(disp.sent) != 1 || disp.sent[0] != due.ID {
		t.Fatalf("dispatched %v, want only %s", disp.sent, due.ID)
	}

	got, err := store.Message(ctx, due.ID)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("due message status = %q, want completed", got.Status)
	}
	if len(got.Results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(got.Results))
	}

	got, err = store.Message(ctx, later.ID)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Fatalf("future message status = %q, want pending", got.Status)
	}
}

func TestCheckDueMarksFailedOnDispatchError(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	past := time.Now().UTC().Add(-time.Minute)
	m := createMessage(t, store, "doomed", &past)

	disp := &fakeDispatcher{err: errors.New("resolve channels: db gone")}
	svc := New(Config{Enabled: true}, store, disp, logx.Nop())
	svc.CheckDue(ctx)

	got, err := store.Message(ctx, m.ID)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
}

func TestCheckDueOneBadMessageDoesNotStopBatch(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	older := time.Now().UTC().Add(-2 * time.Minute)
	newer := time.Now().UTC().Add(-time.Minute)

	bad := createMessage(t, store, "bad", &older)
	good := createMessage(t, store, "good", &newer)

	disp := &fakeDispatcher{panicOn: bad.ID}
	svc := New(Config{Enabled: true}, store, disp, logx.Nop())
	svc.CheckDue(ctx)

	got, err := store.Message(ctx, good.ID)
	if err != nil {
		t.Fatalf("Message(good): %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("good message status = %q, want completed", got.Status)
	}

	got, err = store.Message(ctx, bad.ID)
	if err != nil {
		t.Fatalf("Message(bad): %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Fatalf("panicking message status = %q, want failed", got.Status)
	}
}

func TestCheckDueSkipsAlreadyClaimed(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	past := time.Now().UTC().Add(-time.Minute)
	m := createMessage(t, store, "raced", &past)

	// Another worker claims before the tick gets to the message.
	if ok, err := store.Claim(ctx, m.ID); err != nil || !ok {
		t.Fatalf("pre-claim: ok=%v err=%v", ok, err)
	}

	disp := &fakeDispatcher{}
	svc := New(Config{Enabled: true}, store, disp, logx.Nop())
	svc.CheckDue(ctx)

	if len(disp.sent) != 0 {
		t.Fatalf("claimed message must not be dispatched again: %v", disp.sent)
	}
}

func TestCheckDueReclaimsAbandoned(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	past := time.Now().UTC().Add(-time.Minute)
	m := createMessage(t, store, "abandoned", &past)
	if ok, err := store.Claim(ctx, m.ID); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}

	// A nanosecond grace makes the fresh claim count as expired, standing
	// in for a claim left behind by a crash.
	disp := &fakeDispatcher{}
	svc := New(Config{Enabled: true, ClaimGrace: time.Nanosecond}, store, disp, logx.Nop())
	time.Sleep(5 * time.Millisecond)
	svc.CheckDue(ctx)

	got, err := store.Message(ctx, m.ID)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Fatalf("abandoned message status = %q, want failed", got.Status)
	}
}

func TestStartStopDisabled(t *testing.T) {
	store := openTestStore(t)
	svc := New(Config{Enabled: false}, store, &fakeDispatcher{}, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop()
}
