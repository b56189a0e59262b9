package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"channelcast/internal/model"
	logx "channelcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Timestamps are compared as TEXT in SQL, so the layout must be fixed
// width. RFC3339Nano trims trailing zeros, and a whole-second value then
// sorts after a fractional one in the same second ('Z' > '.').
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the durable home of channels and messages. Messages are owned by
// the store once persisted; the scheduler and dispatcher are transient
// mutators that go through Claim/Finish.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Channels ----

// UpsertChannel is the idempotent create-or-update keyed by (name, platform)
// used by discovery. It always refreshes is_admin, chat_id and last_updated;
// enabled and description survive re-discovery.
func (s *Store) UpsertChannel(ctx context.Context, name string, platform model.Platform, isAdmin bool, chatID string) (model.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Channel{}, errors.New("storage: channel name is required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(id, name, platform, chat_id, is_admin, enabled, last_updated)
		 VALUES(?,?,?,?,?,1,?)
		 ON CONFLICT(name, platform) DO UPDATE SET
		   is_admin = excluded.is_admin,
		   chat_id = CASE WHEN excluded.chat_id <> '' THEN excluded.chat_id ELSE channels.chat_id END,
		   last_updated = excluded.last_updated`,
		uuid.NewString(), name, string(platform), chatID, boolInt(isAdmin), now.Format(timeLayout),
	)
	if err != nil {
		return model.Channel{}, err
	}
	return s.ChannelByName(ctx, name, platform)
}

// SaveChannel writes operator-editable fields (enabled, description, chat_id).
func (s *Store) SaveChannel(ctx context.Context, ch model.Channel) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET chat_id=?, is_admin=?, enabled=?, description=?, last_updated=? WHERE id=?`,
		ch.ChatID, boolInt(ch.IsAdmin), boolInt(ch.Enabled), ch.Description,
		time.Now().UTC().Format(timeLayout), ch.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ChannelByID(ctx context.Context, id string) (model.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, platform, chat_id, is_admin, enabled, description, last_updated
		 FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

func (s *Store) ChannelByName(ctx context.Context, name string, platform model.Platform) (model.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, platform, chat_id, is_admin, enabled, description, last_updated
		 FROM channels WHERE name = ? AND platform = ?`, name, string(platform))
	return scanChannel(row)
}

func (s *Store) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, platform, chat_id, is_admin, enabled, description, last_updated
		 FROM channels ORDER BY platform, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (model.Channel, error) {
	var (
		ch               model.Channel
		platform         string
		isAdmin, enabled int
		lastUpdated      string
	)
	err := r.Scan(&ch.ID, &ch.Name, &platform, &ch.ChatID, &isAdmin, &enabled, &ch.Description, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, ErrNotFound
	}
	if err != nil {
		return model.Channel{}, err
	}
	ch.Platform = model.Platform(platform)
	ch.IsAdmin = isAdmin != 0
	ch.Enabled = enabled != 0
	ch.LastUpdated, _ = time.Parse(timeLayout, lastUpdated)
	return ch, nil
}

// ---- Messages ----

// CreateMessage persists a new message in pending state. A missing ID and
// CreatedAt are filled in.
func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	if m == nil {
		return errors.New("storage: nil message")
	}
	if strings.TrimSpace(m.Content) == "" {
		return errors.New("storage: message content is required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Status = model.StatusPending

	refs, err := json.Marshal(m.Channels)
	if err != nil {
		return err
	}

	var scheduled any
	if m.ScheduledAt != nil {
		scheduled = m.ScheduledAt.UTC().Format(timeLayout)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(id, content, body_whatsapp, body_telegram, channel_refs, scheduled_at, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		m.ID, m.Content,
		m.Rendered[model.PlatformWhatsApp], m.Rendered[model.PlatformTelegram],
		string(refs), scheduled, string(m.Status), m.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// Claim atomically transitions a message from pending to sending. It reports
// whether this caller won the claim; a false result means another path (or an
// earlier tick) already owns the message.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status=?, claimed_at=? WHERE id=? AND status=?`,
		string(model.StatusSending), time.Now().UTC().Format(timeLayout), id, string(model.StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finish moves a claimed message to a terminal state, stamps sent_at and
// appends the outcomes, all in one transaction.
func (s *Store) Finish(ctx context.Context, id string, status model.Status, outcomes []model.DeliveryOutcome) error {
	if !status.Terminal() {
		return ErrNotTerminal
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET status=?, sent_at=? WHERE id=? AND status=?`,
		string(status), now.Format(timeLayout), id, string(model.StatusSending),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM outcomes WHERE message_id = ?`, id).Scan(&seq); err != nil {
		return err
	}
	for i, o := range outcomes {
		at := o.Timestamp
		if at.IsZero() {
			at = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outcomes(message_id, seq, channel, platform, status, error, at)
			 VALUES(?,?,?,?,?,?,?)`,
			id, seq+i, o.Channel, string(o.Platform), string(o.Status),
			nullStr(o.Error), at.UTC().Format(timeLayout),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DueMessages returns pending messages whose scheduled time has arrived.
// A NULL scheduled_at counts as due: it only survives in pending state when
// an immediate send crashed between create and claim.
func (s *Store) DueMessages(ctx context.Context, now time.Time) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, body_whatsapp, body_telegram, channel_refs, scheduled_at, status, created_at, sent_at
		 FROM messages
		 WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
		 ORDER BY created_at`,
		string(model.StatusPending), now.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ReclaimStale fails messages stuck in sending longer than the grace window
// (crash recovery). Returns the number of messages failed.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status=?, sent_at=?
		 WHERE status=? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		string(model.StatusFailed), time.Now().UTC().Format(timeLayout),
		string(model.StatusSending), olderThan.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Message(ctx context.Context, id string) (*model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, body_whatsapp, body_telegram, channel_refs, scheduled_at, status, created_at, sent_at
		 FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	m := msgs[0]
	if err := s.loadOutcomes(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SavePrayerTimes caches the timing table fetched for one calendar day.
// date is the local day in "2006-01-02" form.
func (s *Store) SavePrayerTimes(ctx context.Context, date string, timings map[string]string) error {
	if strings.TrimSpace(date) == "" {
		return errors.New("storage: prayer times date is required")
	}
	raw, err := json.Marshal(timings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prayer_times(date, timings, fetched) VALUES(?,?,?)
		 ON CONFLICT(date) DO UPDATE SET
		   timings = excluded.timings,
		   fetched = excluded.fetched`,
		date, string(raw), time.Now().UTC().Format(timeLayout),
	)
	return err
}

// PrayerTimes returns the cached timing table for date, or ErrNotFound.
func (s *Store) PrayerTimes(ctx context.Context, date string) (map[string]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT timings FROM prayer_times WHERE date = ?`, date).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	timings := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &timings); err != nil {
		return nil, fmt.Errorf("decode prayer times: %w", err)
	}
	return timings, nil
}

// ListMessages returns up to limit messages, newest first, with outcomes.
func (s *Store) ListMessages(ctx context.Context, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, body_whatsapp, body_telegram, channel_refs, scheduled_at, status, created_at, sent_at
		 FROM messages ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := s.loadOutcomes(ctx, m); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (s *Store) loadOutcomes(ctx context.Context, m *model.Message) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, platform, status, error, at
		 FROM outcomes WHERE message_id = ? ORDER BY seq`, m.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			o        model.DeliveryOutcome
			platform string
			status   string
			errText  sql.NullString
			at       string
		)
		if err := rows.Scan(&o.Channel, &platform, &status, &errText, &at); err != nil {
			return err
		}
		o.Platform = model.Platform(platform)
		o.Status = model.OutcomeStatus(status)
		o.Error = errText.String
		o.Timestamp, _ = time.Parse(timeLayout, at)
		m.Results = append(m.Results, o)
	}
	return rows.Err()
}

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	var out []*model.Message
	for rows.Next() {
		var (
			m                 model.Message
			bodyWA, bodyTG    string
			refs, status      string
			scheduled, sentAt sql.NullString
			createdAt         string
		)
		if err := rows.Scan(&m.ID, &m.Content, &bodyWA, &bodyTG, &refs, &scheduled, &status, &createdAt, &sentAt); err != nil {
			return nil, err
		}
		m.Status = model.Status(status)
		m.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if scheduled.Valid {
			if t, err := time.Parse(timeLayout, scheduled.String); err == nil {
				m.ScheduledAt = &t
			}
		}
		if sentAt.Valid {
			if t, err := time.Parse(timeLayout, sentAt.String); err == nil {
				m.SentAt = &t
			}
		}
		if bodyWA != "" || bodyTG != "" {
			m.Rendered = map[model.Platform]string{}
			if bodyWA != "" {
				m.Rendered[model.PlatformWhatsApp] = bodyWA
			}
			if bodyTG != "" {
				m.Rendered[model.PlatformTelegram] = bodyTG
			}
		}
		if err := json.Unmarshal([]byte(refs), &m.Channels); err != nil {
			return nil, fmt.Errorf("storage: decode channel refs for %s: %w", m.ID, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
