package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nhboptions/core/events"
	"nhboptions/services/optionsd/storage"
)

const (
	subscriberBuffer = 64
	backlogPage      = 500
	writeTimeout     = 10 * time.Second
)

// Appender persists an event and assigns its journal sequence.
type Appender interface {
	Append(evt events.Event) (storage.JournalEntry, error)
}

// Stream is an events.Emitter that journals committed events and fans them
// out to websocket subscribers. Entries carry the journal sequence so clients
// can resume with ?after=<seq>.
type Stream struct {
	journal Appender
	logger  *slog.Logger
	now     func() time.Time

	// emitMu orders sequence assignment and fan-out as one step so
	// subscribers observe strictly increasing sequences.
	emitMu sync.Mutex

	mu          sync.Mutex
	seq         int64
	closed      bool
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	entries chan storage.JournalEntry
}

// NewStream creates a stream. journal may be nil, in which case sequences are
// assigned in memory and nothing is persisted.
func NewStream(journal Appender, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		journal:     journal,
		logger:      logger.With(slog.String("component", "stream")),
		now:         time.Now,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Emit implements events.Emitter.
func (s *Stream) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	entry, ok := s.entryFor(evt)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for sub := range s.subscribers {
		select {
		case sub.entries <- entry:
		default:
			s.logger.Warn("dropping slow subscriber", slog.Int64("seq", entry.Seq))
			delete(s.subscribers, sub)
			close(sub.entries)
		}
	}
}

func (s *Stream) entryFor(evt events.Event) (storage.JournalEntry, bool) {
	if s.journal != nil {
		entry, err := s.journal.Append(evt)
		if err != nil {
			s.logger.Warn("journal append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
			return storage.JournalEntry{}, false
		}
		return entry, true
	}
	entry := storage.JournalEntry{Type: evt.EventType(), RecordedAt: s.now().UTC()}
	if record, ok := evt.(events.Record); ok {
		entry.Attributes = record.Attributes
		entry.EscrowID = record.Attributes["id"]
	}
	s.mu.Lock()
	s.seq++
	entry.Seq = s.seq
	s.mu.Unlock()
	return entry, true
}

func (s *Stream) subscribe() *subscriber {
	sub := &subscriber{entries: make(chan storage.JournalEntry, subscriberBuffer)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(sub.entries)
		return sub
	}
	s.subscribers[sub] = struct{}{}
	return sub
}

func (s *Stream) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub]; ok {
		delete(s.subscribers, sub)
		close(sub.entries)
	}
}

// Close disconnects every subscriber.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subscribers {
		delete(s.subscribers, sub)
		close(sub.entries)
	}
}

// Subscribers reports the number of connected subscribers.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	var (
		after  int64
		resume bool
	)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid after cursor", http.StatusBadRequest)
			return
		}
		after, resume = parsed, true
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// Subscribe before replaying so nothing committed during the replay is lost.
	sub := s.stream.subscribe()
	defer s.stream.unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	var last int64
	if resume {
		if last, err = s.replay(ctx, conn, after); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-sub.entries:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if entry.Seq <= last {
				continue
			}
			if err := writeEntry(ctx, conn, entry); err != nil {
				return
			}
			last = entry.Seq
		}
	}
}

func (s *Server) replay(ctx context.Context, conn *websocket.Conn, after int64) (int64, error) {
	if s.journal == nil {
		return after, nil
	}
	last := after
	for {
		entries, err := s.journal.ListEvents(ctx, last, backlogPage)
		if err != nil {
			s.logger.Warn("replay events", slog.Any("error", err))
			return last, err
		}
		for _, entry := range entries {
			if err := writeEntry(ctx, conn, entry); err != nil {
				return last, err
			}
			last = entry.Seq
		}
		if len(entries) < backlogPage {
			return last, nil
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, entry storage.JournalEntry) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, entry)
}
