// Package watch delivers a logical user's freshly merged document to a
// callback whenever a remote-origin update lands in the local store.
// Subscriptions are explicit handles so resource cleanup stays
// auditable: Unsubscribe is idempotent and safe after logout.
package watch

import (
	"context"
	"sync"

	"github.com/TIC-PURP/purp-sync/internal/docid"
	"github.com/TIC-PURP/purp-sync/internal/document"
	"github.com/TIC-PURP/purp-sync/internal/logging"
	"github.com/TIC-PURP/purp-sync/internal/store/localstore"
)

// Update is one delivery: the merged document and, when present, its
// avatar attachment.
type Update struct {
	User   *document.User
	Avatar *localstore.Attachment
}

// OnChange receives updates. Invocations are serialized per
// subscription.
type OnChange func(Update)

// Subscription is the cancellable handle returned by Watch.
type Subscription struct {
	feed *localstore.Feed
	once sync.Once
}

// Unsubscribe cancels the feed. Calling it again, or after the owning
// session logged out, is harmless.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.feed.Cancel)
}

// Watcher turns the local store's live feed into merged-document
// callbacks.
type Watcher struct {
	local *localstore.Store
	log   logging.Logger
}

func New(local *localstore.Store, log logging.Logger) *Watcher {
	return &Watcher{local: local, log: log.With("component", "watch")}
}

// Watch subscribes to remote-origin changes for the user behind key,
// including its legacy alias. Deliveries carry the module-permission
// map merged against defaults, with the manager read-boundary override
// applied.
func (w *Watcher) Watch(ctx context.Context, key string, onChange OnChange) (*Subscription, error) {
	key, err := docid.Normalize(key)
	if err != nil {
		return nil, err
	}

	since, err := w.local.LastSeq(ctx)
	if err != nil {
		return nil, err
	}

	feed := w.local.Changes(ctx, localstore.ChangesOptions{
		Since:       since,
		DocIDs:      []string{key, docid.LegacyAlias(key)},
		IncludeDocs: true,
	})

	go func() {
		for c := range feed.C() {
			// First-hand writes already flowed through the caller;
			// only replicated updates are news.
			if !c.Remote || c.Deleted || c.Doc == nil {
				continue
			}
			u, err := document.UserFromBody(c.Doc.Body)
			if err != nil {
				w.log.Warn(ctx, "undecodable replicated document", "id", c.ID, "error", err)
				continue
			}
			u.ModulePermissions = document.EffectivePermissions(u.Role, u.ModulePermissions)

			upd := Update{User: u}
			if att, err := w.local.GetAttachment(ctx, c.ID, document.AvatarAttachment); err == nil {
				upd.Avatar = att
			}
			onChange(upd)
		}
	}()

	return &Subscription{feed: feed}, nil
}
