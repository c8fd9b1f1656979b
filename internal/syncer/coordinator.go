// Package syncer drives the continuous, resumable replication stream
// between the local and remote document stores. One coordinator owns
// at most one live sync session; Start is idempotent and Stop is a
// no-op when nothing runs. Lifecycle events are delivered serially
// from a single goroutine, never concurrently.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/TIC-PURP/purp-sync/internal/logging"
	"github.com/TIC-PURP/purp-sync/internal/store"
	"github.com/TIC-PURP/purp-sync/internal/store/localstore"
	"github.com/TIC-PURP/purp-sync/internal/store/remotestore"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// State of the sync session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateErrored    State = "errored"
	StateStopped    State = "stopped"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	// EventConnecting fires before each replication attempt.
	EventConnecting EventType = "connecting"
	// EventActive fires whenever documents actually move.
	EventActive EventType = "active"
	// EventPaused fires when the stream is caught up (Err == nil) or
	// between retries (Err != nil). A paused event with
	// store.ErrAuthExpired means the session cookie died and the
	// session manager should be asked to refresh.
	EventPaused EventType = "paused"
	// EventError fires when an attempt fails; the coordinator retries
	// with backoff on its own.
	EventError EventType = "error"
	// EventDenied fires once per document the remote's write
	// validation rejected. Denied documents are not retried.
	EventDenied EventType = "denied"
)

// Event is one lifecycle notification.
type Event struct {
	Type   EventType
	Err    error
	DocID  string
	Reason string
}

// Handler receives lifecycle events. Invocations are serialized.
type Handler func(Event)

// Session is the handle to a running replication stream.
type Session struct {
	ID string
}

// Options tune the stream. Zero values fall back to the defaults the
// remote dialect was tuned for (long-poll behind a caching proxy).
type Options struct {
	Heartbeat      time.Duration
	RequestTimeout time.Duration
	MaxBackoff     time.Duration
}

const defaultMaxBackoff = 5 * time.Minute

// checkpoint keys in the local metadata keyspace.
const (
	metaPushCheckpoint = "sync.checkpoint.push"
	metaPullCheckpoint = "sync.checkpoint.pull"
)

// Coordinator owns the replication loop.
type Coordinator struct {
	local   *localstore.Store
	remote  *remotestore.Store
	log     logging.Logger
	handler Handler
	opts    Options

	mu      sync.Mutex
	state   State
	lastErr error
	sess    *Session
	cancel  context.CancelFunc
	done    chan struct{}
	events  chan Event
}

// New builds a coordinator. handler may be nil.
func New(local *localstore.Store, remote *remotestore.Store, log logging.Logger, handler Handler, opts Options) *Coordinator {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Coordinator{
		local:   local,
		remote:  remote,
		log:     log.With("component", "syncer"),
		handler: handler,
		opts:    opts,
		state:   StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent stream error, if any.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start opens the replication stream. If a session is already live the
// existing handle is returned.
func (c *Coordinator) Start(ctx context.Context) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return c.sess
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.sess = &Session{ID: uuid.NewString()}
	c.cancel = cancel
	c.done = make(chan struct{})
	c.events = make(chan Event, 16)
	c.state = StateConnecting

	go c.run(runCtx, c.done, c.events)
	go c.dispatch(c.sess, c.events)
	return c.sess
}

// Stop cancels the stream and clears the handle. Stopping an idle
// coordinator is a no-op, and calling Stop from inside an event
// handler (the usual reaction to a paused event carrying
// store.ErrAuthExpired) is safe: the replication goroutine never
// blocks on a handler, so the wait below cannot chain back into the
// caller. Events still queued when Stop returns are dropped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return
	}
	cancel, done, events := c.cancel, c.done, c.events
	c.sess, c.cancel, c.done, c.events = nil, nil, nil, nil
	c.mu.Unlock()

	cancel()
	<-done
	close(events)

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
}

// dispatch delivers events to the handler, serially, from its own
// goroutine. Events belonging to a session that is no longer current
// are dropped.
func (c *Coordinator) dispatch(sess *Session, events chan Event) {
	for ev := range events {
		c.mu.Lock()
		live := c.sess == sess
		c.mu.Unlock()
		if !live || c.handler == nil {
			continue
		}
		c.handler(ev)
	}
}

func (c *Coordinator) run(ctx context.Context, done chan struct{}, events chan Event) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		c.emit(ctx, events, Event{Type: EventConnecting})

		start := time.Now()
		err := c.cycle(ctx, events)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			bo.Reset()
			c.emit(ctx, events, Event{Type: EventPaused})
			// A healthy long-poll blocks server-side; if the window
			// came back instantly, idle briefly instead of hot-looping.
			if time.Since(start) < time.Second {
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		c.emit(ctx, events, Event{Type: EventError, Err: err})
		c.emit(ctx, events, Event{Type: EventPaused, Err: err})

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// cycle runs one push round and one pull long-poll round. A quiet
// long-poll window returns nil, which reads as "caught up".
func (c *Coordinator) cycle(ctx context.Context, events chan Event) error {
	if err := c.push(ctx, events); err != nil {
		return err
	}
	return c.pull(ctx, events)
}

func (c *Coordinator) push(ctx context.Context, events chan Event) error {
	since, err := c.pushCheckpoint(ctx)
	if err != nil {
		return err
	}

	changes, last, err := c.local.ChangesSince(ctx, localstore.ChangesOptions{
		Since:     since,
		LocalOnly: true,
	})
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	docs := make([]*store.Document, 0, len(changes))
	for _, ch := range changes {
		if ch.Deleted {
			body, _ := json.Marshal(map[string]any{"_id": ch.ID, "_rev": ch.Rev})
			docs = append(docs, &store.Document{ID: ch.ID, Rev: ch.Rev, Deleted: true, Body: body})
			continue
		}
		doc, err := c.local.Get(ctx, ch.ID)
		if err != nil {
			// Superseded by a later change in this batch.
			continue
		}
		if doc.Rev != ch.Rev {
			continue
		}
		docs = append(docs, doc)
	}

	if len(docs) > 0 {
		c.emit(ctx, events, Event{Type: EventActive})
		results, err := c.remote.BulkDocs(ctx, docs, false)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Error != "" {
				c.emit(ctx, events, Event{Type: EventDenied, DocID: r.ID, Reason: r.Reason,
					Err: store.ErrValidationRejected})
			}
		}
	}

	return c.saveCheckpoint(ctx, metaPushCheckpoint, []byte(strconv.FormatInt(last, 10)))
}

func (c *Coordinator) pull(ctx context.Context, events chan Event) error {
	since, err := c.pullCheckpoint(ctx)
	if err != nil {
		return err
	}

	res, err := c.remote.Changes(ctx, remotestore.ChangesOptions{
		Since:       since,
		IncludeDocs: true,
		Heartbeat:   c.opts.Heartbeat,
		Timeout:     c.opts.RequestTimeout,
	})
	if err != nil {
		// A request deadline on a quiet feed means caught up, not broken.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}

	if len(res.Results) > 0 {
		c.emit(ctx, events, Event{Type: EventActive})
	}
	for _, ch := range res.Results {
		doc := ch.Doc
		if doc == nil {
			doc = &store.Document{ID: ch.ID, Rev: ch.Rev}
		}
		doc.Deleted = doc.Deleted || ch.Deleted
		if err := c.local.PutReplicated(ctx, doc); err != nil {
			return err
		}
	}

	if res.LastSeq != "" && res.LastSeq != since {
		return c.saveCheckpoint(ctx, metaPullCheckpoint, []byte(res.LastSeq))
	}
	return nil
}

func (c *Coordinator) pushCheckpoint(ctx context.Context) (int64, error) {
	raw, err := c.local.MetaGet(ctx, metaPushCheckpoint)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (c *Coordinator) pullCheckpoint(ctx context.Context) (string, error) {
	raw, err := c.local.MetaGet(ctx, metaPullCheckpoint)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (c *Coordinator) saveCheckpoint(ctx context.Context, key string, value []byte) error {
	return c.local.MetaSet(ctx, key, value)
}

func (c *Coordinator) emit(ctx context.Context, events chan Event, ev Event) {
	c.mu.Lock()
	switch ev.Type {
	case EventConnecting:
		c.state = StateConnecting
	case EventActive:
		c.state = StateActive
		c.lastErr = nil
	case EventPaused:
		c.state = StatePaused
		c.lastErr = ev.Err
	case EventError:
		c.state = StateErrored
		c.lastErr = ev.Err
	}
	c.mu.Unlock()

	if ev.Err != nil && ev.Type == EventError {
		c.log.Warn(ctx, "replication attempt failed", "error", ev.Err)
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
