// Package autopost plans recurring daily posts anchored to the local prayer
// timetable: a morning post at sunrise and an evening post at sunset. Each
// planned post goes through the normal submission path as a scheduled
// message, so claiming, delivery and outcome recording stay the polling
// loop's business.
package autopost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"channelcast/internal/broadcast"
	"channelcast/internal/model"
	"channelcast/internal/storage"
	logx "channelcast/pkg/logx"
)

type Config struct {
	// City/Country select the timetable.
	City    string
	Country string
	// Timezone is the IANA zone the timing strings are interpreted in.
	// Defaults to Africa/Cairo.
	Timezone string
	// Channels receive the posts; passed through to submission untouched.
	Channels []string
	// Morning/Evening are the post texts. An empty text skips that slot.
	Morning string
	Evening string

	// BaseURL overrides the public timetable API endpoint.
	BaseURL        string
	RequestTimeout time.Duration
	// PlanInterval between planning passes. The pass is idempotent, so a
	// short interval only costs a cache lookup.
	PlanInterval time.Duration
}

// Store is the timetable-cache slice of the message store.
type Store interface {
	SavePrayerTimes(ctx context.Context, date string, timings map[string]string) error
	PrayerTimes(ctx context.Context, date string) (map[string]string, error)
}

// Submitter accepts message submissions.
type Submitter interface {
	Submit(ctx context.Context, req broadcast.SubmitRequest) (*model.Message, error)
}

// Timetable fetches the day's prayer timings.
type Timetable interface {
	Timings(ctx context.Context, city, country, timezone string) (map[string]string, error)
}

// Planner turns the day's timetable into scheduled messages. It remembers
// what it already planned, so running it on a tight cadence is safe.
type Planner struct {
	cfg    Config
	store  Store
	submit Submitter
	table  Timetable
	log    logx.Logger
	loc    *time.Location
	now    func() time.Time

	mu      sync.Mutex
	planned map[string]struct{} // "date/slot"
}

func New(cfg Config, store Store, submit Submitter, log logx.Logger) (*Planner, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = "Africa/Cairo"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("autopost: timezone %q: %w", tz, err)
	}
	cfg.Timezone = tz
	return &Planner{
		cfg:     cfg,
		store:   store,
		submit:  submit,
		table:   NewClient(cfg.BaseURL, cfg.RequestTimeout),
		log:     log,
		loc:     loc,
		now:     time.Now,
		planned: make(map[string]struct{}),
	}, nil
}

// Plan schedules today's remaining slots. A slot is planned at most once per
// day, and a slot whose time already passed is skipped rather than posted
// late.
func (p *Planner) Plan(ctx context.Context) error {
	now := p.now().In(p.loc)
	date := now.Format("2006-01-02")
	p.forgetOtherDays(date)

	timings, err := p.timetableFor(ctx, date)
	if err != nil {
		return err
	}

	slots := []struct {
		name   string
		anchor string
		text   string
	}{
		{"morning", "Sunrise", p.cfg.Morning},
		{"evening", "Sunset", p.cfg.Evening},
	}
	for _, slot := range slots {
		if strings.TrimSpace(slot.text) == "" {
			continue
		}
		at, err := slotTime(now, timings[slot.anchor], p.loc)
		if err != nil {
			p.log.Warn("unusable timing",
				logx.String("slot", slot.name), logx.Err(err))
			continue
		}
		if !at.After(now) {
			continue
		}
		key := date + "/" + slot.name
		if p.alreadyPlanned(key) {
			continue
		}

		msg, err := p.submit.Submit(ctx, broadcast.SubmitRequest{
			Content:     slot.text,
			Channels:    p.cfg.Channels,
			ScheduledAt: &at,
		})
		if err != nil {
			p.log.Error("slot submission failed",
				logx.String("slot", slot.name), logx.Err(err))
			continue
		}
		p.markPlanned(key)
		p.log.Info("slot planned", logx.String("slot", slot.name),
			logx.String("message", msg.ID), logx.Time("at", at))
	}
	return nil
}

// timetableFor serves the day's timings from the store cache, fetching at
// most once per day.
func (p *Planner) timetableFor(ctx context.Context, date string) (map[string]string, error) {
	timings, err := p.store.PrayerTimes(ctx, date)
	if err == nil {
		return timings, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	timings, err = p.table.Timings(ctx, p.cfg.City, p.cfg.Country, p.cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("fetch prayer times: %w", err)
	}
	if err := p.store.SavePrayerTimes(ctx, date, timings); err != nil {
		p.log.Warn("timetable cache write failed", logx.Err(err))
	}
	return timings, nil
}

func (p *Planner) alreadyPlanned(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.planned[key]
	return ok
}

func (p *Planner) markPlanned(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.planned[key] = struct{}{}
}

func (p *Planner) forgetOtherDays(date string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.planned {
		if !strings.HasPrefix(k, date+"/") {
			delete(p.planned, k)
		}
	}
}

// slotTime turns an "HH:MM" timing into an instant on day's date. The API
// may append a zone suffix like "05:12 (EET)"; everything past the first
// field is ignored.
func slotTime(day time.Time, raw string, loc *time.Location) (time.Time, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 {
		return time.Time{}, errors.New("empty timing")
	}
	t, err := time.Parse("15:04", fields[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("timing %q: %w", raw, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}
