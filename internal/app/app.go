// Package app wires configuration, storage, senders, dispatch and the
// polling loop into one runnable unit.
package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"channelcast/internal/autopost"
	"channelcast/internal/broadcast"
	"channelcast/internal/config"
	"channelcast/internal/dispatch"
	"channelcast/internal/registry"
	"channelcast/internal/scheduler"
	"channelcast/internal/sender"
	"channelcast/internal/sender/telegram"
	"channelcast/internal/sender/whatsapp"
	"channelcast/internal/storage"
	logx "channelcast/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store *storage.Store
	reg   *registry.Registry
	tg    *telegram.Sender
	wa    *whatsapp.Sender
	coord *dispatch.Coordinator
	sched *scheduler.Service
	bcast *broadcast.Service

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	// The log service needs config, so failures before it exists go to a
	// plain console logger.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "app"))

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		bootLog.Error("config load failed", logx.String("path", cfgPath), logx.Err(err))
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	reg := registry.New(store, log.With(logx.String("comp", "registry")))

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	tg, err := telegram.New(tcfg, reg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		store.Close()
		return nil, err
	}

	wcfg, err := mapWhatsAppConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	wa := whatsapp.New(wcfg, log.With(logx.String("comp", "whatsapp")))

	sendTimeout, err := mapDispatchConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	coord := dispatch.New(reg, []sender.Sender{wa, tg},
		log.With(logx.String("comp", "dispatch")),
		dispatch.WithSendTimeout(sendTimeout))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, coord, log.With(logx.String("comp", "scheduler")))

	bcast := broadcast.New(store, coord, reg, log.With(logx.String("comp", "broadcast")))

	refresh, err := config.ParseDurationField("discovery.refresh_interval", cfg.Discovery.RefreshInterval)
	if err != nil {
		store.Close()
		return nil, err
	}
	if refresh > 0 && wa.Configured() {
		sched.AddJob("whatsapp.discovery", refresh, func(ctx context.Context) {
			if _, err := bcast.RefreshWhatsAppChannels(ctx, wa); err != nil {
				log.Warn("whatsapp discovery failed", logx.Err(err))
			}
		})
	}

	apCfg, err := mapAutopostConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.Autopost.Enabled {
		planner, err := autopost.New(apCfg, store, bcast, log.With(logx.String("comp", "autopost")))
		if err != nil {
			store.Close()
			return nil, err
		}
		sched.AddJob("autopost.plan", apCfg.PlanInterval, func(ctx context.Context) {
			if err := planner.Plan(ctx); err != nil {
				log.Warn("autopost planning failed", logx.Err(err))
			}
		})
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		reg:     reg,
		tg:      tg,
		wa:      wa,
		coord:   coord,
		sched:   sched,
		bcast:   bcast,
	}, nil
}

func (a *App) Broadcast() *broadcast.Service { return a.bcast }
func (a *App) Registry() *registry.Registry  { return a.reg }

func (a *App) Start(ctx context.Context) error {
	a.runCtx, a.cancel = context.WithCancel(ctx)

	// Reject bad hot-reloads before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWhatsAppConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAutopostConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("discovery.refresh_interval", cfg.Discovery.RefreshInterval); err != nil {
			return err
		}
		return nil
	})

	a.tg.Start(a.runCtx)
	if err := a.sched.Start(a.runCtx); err != nil {
		return err
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-a.runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(a.runCtx); err != nil && a.runCtx.Err() == nil {
			a.log.Error("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Storage, sender endpoints and dispatch limits are bound at startup.
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(a.runCtx, schedCfg); err != nil {
		a.log.Warn("scheduler reconfigure failed", logx.Err(err))
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.log.Info("stopping")
	a.cancel()

	a.sched.Stop()
	a.tg.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop deadline reached before background loops exited")
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}

	a.log.Info("stopped")
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	minDelay, maxDelay, err := mapDelayPair("telegram", cfg.Telegram.MinDelay, cfg.Telegram.MaxDelay, time.Second, 3*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: poll,
		MinDelay:    minDelay,
		MaxDelay:    maxDelay,
	}, nil
}

func mapWhatsAppConfig(cfg *config.Config) (whatsapp.Config, error) {
	base := strings.TrimSpace(cfg.WhatsApp.AgentURL)
	if base != "" {
		if _, err := url.Parse(base); err != nil {
			return whatsapp.Config{}, fmt.Errorf("whatsapp.agent_url: %w", err)
		}
	}
	timeout, err := config.ParseDurationOrDefault("whatsapp.request_timeout", cfg.WhatsApp.RequestTimeout, 30*time.Second)
	if err != nil {
		return whatsapp.Config{}, err
	}
	minDelay, maxDelay, err := mapDelayPair("whatsapp", cfg.WhatsApp.MinDelay, cfg.WhatsApp.MaxDelay, 3*time.Second, 10*time.Second)
	if err != nil {
		return whatsapp.Config{}, err
	}
	return whatsapp.Config{
		AgentURL:       base,
		RequestTimeout: timeout,
		MinDelay:       minDelay,
		MaxDelay:       maxDelay,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	interval, err := config.ParseDurationOrDefault("scheduler.interval", cfg.Scheduler.Interval, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	// "0s" is a valid value (disables re-claim); only an absent field gets
	// the default.
	grace := 10 * time.Minute
	if strings.TrimSpace(cfg.Scheduler.ClaimGrace) != "" {
		grace, err = config.ParseDurationField("scheduler.claim_grace", cfg.Scheduler.ClaimGrace)
		if err != nil {
			return scheduler.Config{}, err
		}
	}
	return scheduler.Config{
		Enabled:    cfg.Scheduler.Enabled,
		Interval:   interval,
		ClaimGrace: grace,
	}, nil
}

func mapAutopostConfig(cfg *config.Config) (autopost.Config, error) {
	ap := cfg.Autopost
	interval, err := config.ParseDurationOrDefault("autopost.plan_interval", ap.PlanInterval, time.Hour)
	if err != nil {
		return autopost.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("autopost.request_timeout", ap.RequestTimeout, 30*time.Second)
	if err != nil {
		return autopost.Config{}, err
	}
	out := autopost.Config{
		City:           strings.TrimSpace(ap.City),
		Country:        strings.TrimSpace(ap.Country),
		Timezone:       strings.TrimSpace(ap.Timezone),
		Channels:       ap.Channels,
		Morning:        ap.Morning,
		Evening:        ap.Evening,
		BaseURL:        strings.TrimSpace(ap.BaseURL),
		RequestTimeout: timeout,
		PlanInterval:   interval,
	}
	if !ap.Enabled {
		return out, nil
	}
	if out.City == "" || out.Country == "" {
		return autopost.Config{}, fmt.Errorf("autopost: city and country are required when enabled")
	}
	if len(out.Channels) == 0 {
		return autopost.Config{}, fmt.Errorf("autopost: channels are required when enabled")
	}
	if strings.TrimSpace(out.Morning) == "" && strings.TrimSpace(out.Evening) == "" {
		return autopost.Config{}, fmt.Errorf("autopost: at least one of morning/evening text is required when enabled")
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (time.Duration, error) {
	// "0s" is a valid value (unbounded batches); only an absent field
	// gets the default.
	timeout := 5 * time.Minute
	if strings.TrimSpace(cfg.Dispatch.SendTimeout) != "" {
		var err error
		timeout, err = config.ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
		if err != nil {
			return 0, err
		}
	}
	return timeout, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./channelcast.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapDelayPair(section, minRaw, maxRaw string, minDef, maxDef time.Duration) (time.Duration, time.Duration, error) {
	minDelay, err := config.ParseDurationOrDefault(section+".min_delay", minRaw, minDef)
	if err != nil {
		return 0, 0, err
	}
	maxDelay, err := config.ParseDurationOrDefault(section+".max_delay", maxRaw, maxDef)
	if err != nil {
		return 0, 0, err
	}
	if maxDelay < minDelay {
		return 0, 0, fmt.Errorf("%s.max_delay must be >= %s.min_delay", section, section)
	}
	return minDelay, maxDelay, nil
}
