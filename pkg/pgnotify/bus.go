// Package pgnotify carries domain events between instances that share one
// PostgreSQL database, using NOTIFY/LISTEN. The consensus engine uses it to
// announce trust-record changes so every instance can evict its tier cache
// instead of waiting out the TTL.
package pgnotify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Event is the envelope every notification travels in. Payload is the
// publisher's JSON-encoded value; subscribers decode it themselves.
type Event struct {
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler consumes a received event. Returning an error logs it; delivery is
// not retried, so handlers needing stronger guarantees must reload state
// from the database rather than trust the wire payload.
type Handler func(ctx context.Context, event Event) error

// Bus multiplexes NOTIFY channels onto registered handlers over a single
// pq.Listener connection. The listener reconnects on its own; a dropped
// connection can lose notifications, which is acceptable here because every
// subscriber treats an event as an invalidation hint, not as state.
type Bus struct {
	db       *sql.DB
	listener *pq.Listener
	log      *logrus.Entry

	mu       sync.RWMutex
	handlers map[string][]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens a dedicated connection for the bus and verifies it before the
// listener goroutine starts.
func New(dsn string) (*Bus, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgnotify: ping: %w", err)
	}
	return NewWithDB(db, dsn)
}

// NewWithDB builds the bus over an existing pool. The dsn is still required
// because pq.Listener maintains its own connection.
func NewWithDB(db *sql.DB, dsn string) (*Bus, error) {
	log := logrus.WithField("component", "pgnotify")

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).Warn("listener event")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		db:       db,
		listener: listener,
		log:      log,
		handlers: make(map[string][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.listen()

	return b, nil
}

// Publish sends payload to every instance listening on channel, this one
// included.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pgnotify: marshal payload: %w", err)
	}

	envelope, err := json.Marshal(Event{
		Channel:   channel,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("pgnotify: marshal envelope: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(envelope)); err != nil {
		return fmt.Errorf("pgnotify: notify: %w", err)
	}
	return nil
}

// Subscribe registers handler for channel, issuing LISTEN on the first
// handler for that channel.
func (b *Bus) Subscribe(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.handlers[channel]) == 0 {
		if err := b.listener.Listen(channel); err != nil {
			return fmt.Errorf("pgnotify: listen: %w", err)
		}
	}
	b.handlers[channel] = append(b.handlers[channel], handler)
	return nil
}

// Unsubscribe drops every handler for channel and stops listening on it.
func (b *Bus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, channel)
	if err := b.listener.Unlisten(channel); err != nil {
		return fmt.Errorf("pgnotify: unlisten: %w", err)
	}
	return nil
}

// Channels returns the channels with at least one registered handler.
func (b *Bus) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	return channels
}

// Close stops the listener goroutine and tears down the LISTEN connection.
// The *sql.DB is not closed: neither a pool passed to NewWithDB nor the one
// New opens for itself.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

func (b *Bus) listen() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return

		case notification := <-b.listener.Notify:
			if notification == nil {
				// nil marks a reconnect; pq re-issues LISTEN itself.
				continue
			}
			b.dispatch(notification)

		case <-time.After(90 * time.Second):
			go func() {
				if err := b.listener.Ping(); err != nil {
					b.log.WithError(err).Warn("keepalive ping")
				}
			}()
		}
	}
}

func (b *Bus) dispatch(notification *pq.Notification) {
	var event Event
	if err := json.Unmarshal([]byte(notification.Extra), &event); err != nil {
		// A raw payload from some other publisher; wrap it as-is.
		event = Event{
			Channel:   notification.Channel,
			Payload:   json.RawMessage(notification.Extra),
			Timestamp: time.Now().UTC(),
		}
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[notification.Channel]))
	copy(handlers, b.handlers[notification.Channel])
	b.mu.RUnlock()

	for _, h := range handlers {
		handler := h
		go func() {
			ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
			defer cancel()
			if err := handler(ctx, event); err != nil {
				b.log.WithError(err).WithField("channel", event.Channel).Warn("handler failed")
			}
		}()
	}
}
