package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"nhboptions/core/events"
	"nhboptions/native/options"
)

// Storage persists the optionsd event journal and the oracle sample history.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("optionsd storage path must be configured")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("optionsd storage: not found")
)

// Open initialises the backing store using sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSample persists an oracle observation fetched from source.
func (s *Storage) RecordSample(ctx context.Context, source string, sample options.PriceSample, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(feed_id, source, price, expo, publish_time, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, feedKey(sample.FeedID), strings.ToLower(strings.TrimSpace(source)), sample.Price, sample.Expo, sample.PublishTime, recorded.UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// LatestSample returns the most recently published sample for the feed.
func (s *Storage) LatestSample(ctx context.Context, feedID [32]byte) (options.PriceSample, error) {
	sample := options.PriceSample{FeedID: feedID}
	if s == nil {
		return sample, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT price, expo, publish_time
        FROM oracle_samples
        WHERE feed_id = ?
        ORDER BY publish_time DESC, id DESC
        LIMIT 1
    `, feedKey(feedID))
	if err := row.Scan(&sample.Price, &sample.Expo, &sample.PublishTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sample, ErrNotFound
		}
		return sample, fmt.Errorf("query sample: %w", err)
	}
	return sample, nil
}

// PruneSamples drops samples recorded before cutoff.
func (s *Storage) PruneSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM oracle_samples WHERE recorded_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return res.RowsAffected()
}

// JournalEntry is one committed engine event as stored in the journal.
type JournalEntry struct {
	Seq        int64             `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	EscrowID   string            `json:"escrowId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// AppendEvent stores evt in the journal and returns the stored entry.
func (s *Storage) AppendEvent(ctx context.Context, evt events.Event, recorded time.Time) (JournalEntry, error) {
	entry := JournalEntry{}
	if s == nil {
		return entry, fmt.Errorf("storage not configured")
	}
	if evt == nil {
		return entry, fmt.Errorf("event required")
	}
	attrs := map[string]string{}
	if record, ok := evt.(events.Record); ok && record.Attributes != nil {
		attrs = record.Attributes
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return entry, fmt.Errorf("encode attributes: %w", err)
	}
	entry = JournalEntry{
		ID:         uuid.NewString(),
		Type:       evt.EventType(),
		EscrowID:   attrs["id"],
		Attributes: attrs,
		RecordedAt: recorded.UTC().Truncate(time.Second),
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO event_journal(entry_id, type, escrow_id, attributes, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, entry.ID, entry.Type, entry.EscrowID, string(payload), entry.RecordedAt.Unix())
	if err != nil {
		return entry, fmt.Errorf("insert event: %w", err)
	}
	if entry.Seq, err = res.LastInsertId(); err != nil {
		return entry, fmt.Errorf("event sequence: %w", err)
	}
	return entry, nil
}

// ListEvents returns up to limit journal entries with a sequence greater than
// after, oldest first.
func (s *Storage) ListEvents(ctx context.Context, after int64, limit int) ([]JournalEntry, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT seq, entry_id, type, escrow_id, attributes, recorded_at
        FROM event_journal
        WHERE seq > ?
        ORDER BY seq ASC
        LIMIT ?
    `, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EscrowEvents returns every journal entry recorded for the escrow.
func (s *Storage) EscrowEvents(ctx context.Context, escrowID [32]byte) ([]JournalEntry, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT seq, entry_id, type, escrow_id, attributes, recorded_at
        FROM event_journal
        WHERE escrow_id = ?
        ORDER BY seq ASC
    `, hex.EncodeToString(escrowID[:]))
	if err != nil {
		return nil, fmt.Errorf("query escrow events: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]JournalEntry, error) {
	out := []JournalEntry{}
	for rows.Next() {
		var (
			entry    JournalEntry
			payload  string
			recorded int64
		)
		if err := rows.Scan(&entry.Seq, &entry.ID, &entry.Type, &entry.EscrowID, &payload, &recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		entry.RecordedAt = time.Unix(recorded, 0).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Journal appends committed events to the storage journal and hands back the
// stored entry so the stream can publish it with its sequence.
type Journal struct {
	store *Storage
	now   func() time.Time
}

// NewJournal wraps store.
func NewJournal(store *Storage) *Journal {
	return &Journal{store: store, now: time.Now}
}

// Append stores evt and returns the journal entry, including its sequence.
func (j *Journal) Append(evt events.Event) (JournalEntry, error) {
	if j == nil || evt == nil {
		return JournalEntry{}, fmt.Errorf("journal: event required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return j.store.AppendEvent(ctx, evt, j.now())
}

func feedKey(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

const schema = `
CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    feed_id TEXT NOT NULL,
    source TEXT NOT NULL,
    price INTEGER NOT NULL,
    expo INTEGER NOT NULL,
    publish_time INTEGER NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_feed ON oracle_samples(feed_id, publish_time);

CREATE TABLE IF NOT EXISTS event_journal (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    escrow_id TEXT NOT NULL DEFAULT '',
    attributes TEXT NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_journal_escrow ON event_journal(escrow_id, seq);
`
