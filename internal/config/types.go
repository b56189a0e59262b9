package config

// Config is the on-disk configuration (JSON or YAML).
//
// All duration-shaped fields are Go duration strings (e.g. "500ms", "30s").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Discovery DiscoveryConfig `json:"discovery,omitempty"`
	Autopost  AutopostConfig  `json:"autopost,omitempty"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	// Token may be left empty here and supplied via TELEGRAM_BOT_TOKEN.
	Token string `json:"token,omitempty"`
	// PollTimeout is the long-poll timeout for discovery updates.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// MinDelay/MaxDelay bound the randomized pause between consecutive
	// sends in one batch. Defaults: 1s / 3s.
	MinDelay string `json:"min_delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}

type WhatsAppConfig struct {
	// AgentURL is the base URL of the web-automation agent that owns the
	// WhatsApp session. May be supplied via WHATSAPP_AGENT_URL.
	AgentURL string `json:"agent_url,omitempty"`
	// RequestTimeout bounds every agent HTTP call. Default: 30s.
	RequestTimeout string `json:"request_timeout,omitempty"`
	// MinDelay/MaxDelay bound the randomized pause between consecutive
	// sends in one batch. Defaults: 3s / 10s.
	MinDelay string `json:"min_delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the due-message polling loop.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Interval between due-message checks. Default: 30s. Shorter intervals
	// reduce delivery latency at the cost of store load.
	Interval string `json:"interval,omitempty"`
	// ClaimGrace is how long a message may stay in "sending" before a tick
	// fails it as abandoned (crash recovery). "0s" disables re-claim.
	// Default: 10m.
	ClaimGrace string `json:"claim_grace,omitempty"`
}

// DispatchConfig tunes message fan-out.
type DispatchConfig struct {
	// SendTimeout bounds one platform batch. Size it to the channel
	// count: pacing alone can spend up to max_delay per channel.
	// "0s" removes the bound. Default: 5m.
	SendTimeout string `json:"send_timeout,omitempty"`
}

// DiscoveryConfig controls periodic WhatsApp channel refresh.
// Telegram discovery is push-based (bot updates) and always on when the
// bot token is configured.
type DiscoveryConfig struct {
	// RefreshInterval between agent channel scrapes. "0s" disables the
	// periodic refresh; on-demand refresh stays available.
	RefreshInterval string `json:"refresh_interval,omitempty"`
}

// AutopostConfig drives the recurring daily posts anchored to the prayer
// timetable: a morning post at sunrise, an evening post at sunset.
type AutopostConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// City/Country select the timetable. Required when enabled.
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
	// Timezone is the IANA zone the timetable is interpreted in.
	// Default: Africa/Cairo.
	Timezone string `json:"timezone,omitempty"`
	// Channels receiving the posts (channel ids). Required when enabled.
	Channels []string `json:"channels,omitempty"`
	// Morning/Evening are the post texts. An empty text skips that slot;
	// at least one is required when enabled.
	Morning string `json:"morning,omitempty"`
	Evening string `json:"evening,omitempty"`
	// PlanInterval between planning passes. Default: 1h.
	PlanInterval string `json:"plan_interval,omitempty"`
	// RequestTimeout bounds the timetable API call. Default: 30s.
	RequestTimeout string `json:"request_timeout,omitempty"`
	// BaseURL overrides the public timetable API endpoint.
	BaseURL string `json:"base_url,omitempty"`
}

type StorageConfig struct {
	// Path of the SQLite database file.
	Path string `json:"path"`
	// BusyTimeout for SQLite lock contention. Default: 5s.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
