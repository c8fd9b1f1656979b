package localstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/TIC-PURP/purp-sync/internal/store"
)

// Change is one changelog entry, optionally carrying the document's
// current body.
type Change struct {
	Seq     int64
	ID      string
	Rev     string
	Deleted bool
	// Remote is true when the change was absorbed from replication
	// rather than written first-hand.
	Remote bool
	Doc    *store.Document
}

// ChangesOptions scopes a feed. Zero value means: everything, from the
// beginning, without document bodies.
type ChangesOptions struct {
	Since       int64
	DocIDs      []string
	IncludeDocs bool
	// LocalOnly drops replicated changes, which is how the push side
	// of a sync avoids echoing pulled documents back out.
	LocalOnly bool
}

// LastSeq returns the newest changelog sequence, 0 when empty. Live
// watchers use it to subscribe from "now" instead of replaying
// history.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changelog`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return seq, nil
}

// ChangesSince returns changelog entries after opts.Since in sequence
// order, plus the last sequence seen (== opts.Since when empty).
func (s *Store) ChangesSince(ctx context.Context, opts ChangesOptions) ([]Change, int64, error) {
	where := []string{"seq > ?"}
	args := []any{opts.Since}
	if len(opts.DocIDs) > 0 {
		where = append(where, "doc_id IN (?"+strings.Repeat(",?", len(opts.DocIDs)-1)+")")
		for _, id := range opts.DocIDs {
			args = append(args, id)
		}
	}
	if opts.LocalOnly {
		where = append(where, "origin = ?")
		args = append(args, OriginLocal)
	}

	query := `SELECT seq, doc_id, rev, deleted, origin FROM changelog WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, opts.Since, fmt.Errorf("read changes: %w", err)
	}
	defer rows.Close()

	last := opts.Since
	var out []Change
	for rows.Next() {
		var (
			c       Change
			deleted int
			origin  string
		)
		if err := rows.Scan(&c.Seq, &c.ID, &c.Rev, &deleted, &origin); err != nil {
			return nil, last, err
		}
		c.Deleted = deleted != 0
		c.Remote = origin == OriginRemote
		last = c.Seq
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, last, err
	}

	if opts.IncludeDocs {
		for i := range out {
			if out[i].Deleted {
				continue
			}
			doc, err := s.Get(ctx, out[i].ID)
			if err == nil {
				out[i].Doc = doc
			}
		}
	}
	return out, last, nil
}

// Feed is a live change subscription. Cancel is idempotent and safe to
// call after the owning session is gone; no deliveries happen after it
// returns the channel closed.
type Feed struct {
	ch     chan Change
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// C is the delivery channel; closed when the feed ends.
func (f *Feed) C() <-chan Change { return f.ch }

// Cancel stops the feed.
func (f *Feed) Cancel() {
	f.once.Do(f.cancel)
	<-f.done
}

// Changes opens a live feed: it drains existing entries after
// opts.Since, then blocks until new writes land. Deliveries are
// serialized on a single goroutine.
func (s *Store) Changes(ctx context.Context, opts ChangesOptions) *Feed {
	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{ch: make(chan Change), cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(f.ch)
		defer close(f.done)
		since := opts.Since
		for {
			signal := s.watchSignal()

			batch, last, err := s.ChangesSince(ctx, ChangesOptions{
				Since:       since,
				DocIDs:      opts.DocIDs,
				IncludeDocs: opts.IncludeDocs,
				LocalOnly:   opts.LocalOnly,
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// transient read error: wait for the next write
			}
			since = last

			for _, c := range batch {
				select {
				case f.ch <- c:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-signal:
			case <-ctx.Done():
				return
			}
		}
	}()
	return f
}
