// Package users is the dual-write coordinator: every logical-user
// mutation lands in the local store, reaches for the remote store when
// connectivity allows, and keeps the privileged directory record in
// step for credential-bearing fields. Results carry an explicit write
// path so call sites must branch on outcome instead of intercepting
// exceptions.
package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TIC-PURP/purp-sync/internal/docid"
	"github.com/TIC-PURP/purp-sync/internal/document"
	"github.com/TIC-PURP/purp-sync/internal/logging"
	"github.com/TIC-PURP/purp-sync/internal/store"
	"github.com/TIC-PURP/purp-sync/internal/store/localstore"
)

// WritePath tags where a mutation durably landed.
type WritePath string

const (
	// WritePathRemote: the general document persisted in the remote
	// store (and was mirrored locally).
	WritePathRemote WritePath = "remote"
	// WritePathLocal: the remote store was unreachable; the document
	// persisted locally only and replication will reconcile later.
	WritePathLocal WritePath = "local"
)

// ErrPartialWrite is the non-fatal warning attached to a result whose
// general document saved but whose directory write failed. It is
// logged and reported, never thrown: profile availability beats strict
// dual-consistency, and a later credential-bearing mutation retries
// the directory write.
var ErrPartialWrite = errors.New("directory write failed after document save")

// Result is the outcome of a mutation.
type Result struct {
	Path WritePath
	User *document.User
	// DirectorySynced is true when the privileged directory write
	// succeeded as part of this mutation.
	DirectorySynced bool
	// Warning carries ErrPartialWrite when the directory write failed.
	Warning error
}

// Describe renders the path for notification layers.
func (r *Result) Describe() string {
	if r.Path == WritePathRemote && r.DirectorySynced {
		return "remote via privileged channel"
	}
	if r.Path == WritePathLocal {
		return "local-only"
	}
	return string(r.Path)
}

// CreateParams is the payload for creating a logical user.
type CreateParams struct {
	Name              string
	Email             string
	Password          string
	Role              document.Role
	Permissions       []string
	ModulePermissions document.ModulePermissions
	IsActive          *bool
}

// Patch is a partial update; nil fields stay untouched. A partial
// module-permission map merges against the stored one.
type Patch struct {
	Name              *string
	Email             *string
	Password          *string
	Role              *document.Role
	Permissions       []string
	ModulePermissions document.ModulePermissions
	IsActive          *bool
}

func (p *Patch) touchesCredentials() bool {
	return p.Password != nil || p.Role != nil || p.IsActive != nil
}

// Service coordinates the three write targets.
type Service struct {
	local     *localstore.Store
	remote    store.Store
	directory Directory
	log       logging.Logger
	now       func() time.Time
}

// NewService wires the coordinator.
func NewService(local *localstore.Store, remote store.Store, directory Directory, log logging.Logger) *Service {
	return &Service{
		local:     local,
		remote:    remote,
		directory: directory,
		log:       log.With("component", "users"),
		now:       time.Now,
	}
}

// Create builds the canonical document and writes it remote-first,
// falling back to local-only when the remote store is unreachable.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Result, error) {
	identifier := p.Email
	if identifier == "" {
		identifier = p.Name
	}
	key, err := docid.Normalize(identifier)
	if err != nil {
		return nil, err
	}

	role := p.Role
	if role == "" {
		role = document.RoleUser
	}
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	now := s.now().UTC()
	u := &document.User{
		ID:                key,
		Type:              document.TypeUser,
		Name:              p.Name,
		Email:             p.Email,
		Password:          p.Password,
		Role:              role,
		Permissions:       p.Permissions,
		ModulePermissions: document.MergeModulePermissions(p.ModulePermissions, nil, document.DefaultModulePermissions()),
		IsActive:          p.IsActive == nil || *p.IsActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if u.Permissions == nil {
		u.Permissions = []string{}
	}

	doc, err := docFromUser(u)
	if err != nil {
		return nil, err
	}
	return s.write(ctx, doc, u, true, func(latest *document.User) (*document.User, error) {
		// Re-apply the intended creation on top of whatever revision
		// won: the caller's fields take precedence, creation time of
		// the existing document survives.
		clone := *u
		clone.CreatedAt = latest.CreatedAt
		return &clone, nil
	})
}

// Update patches an existing user. The local copy is the authoritative
// read for the UI, so a key absent locally is NotFound even if the
// remote store has it.
func (s *Service) Update(ctx context.Context, key string, p Patch) (*Result, error) {
	key, err := docid.Normalize(key)
	if err != nil {
		return nil, err
	}

	cur, err := s.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	base, err := document.UserFromBody(cur.Body)
	if err != nil {
		return nil, err
	}

	u, err := s.applyPatch(base, &p)
	if err != nil {
		return nil, err
	}

	doc, err := docFromUser(u)
	if err != nil {
		return nil, err
	}
	doc.Rev = cur.Rev

	return s.write(ctx, doc, u, p.touchesCredentials(), func(latest *document.User) (*document.User, error) {
		return s.applyPatch(latest, &p)
	})
}

// Deactivate soft-deletes: it flips isActive and stamps deletedAt. The
// privileged directory record is updated, never deleted, so a later
// reactivation needs no re-provisioning.
func (s *Service) Deactivate(ctx context.Context, key string) (*Result, error) {
	inactive := false
	return s.Update(ctx, key, Patch{IsActive: &inactive})
}

// Delete hard-deletes: local first, then remote, then the directory
// record. A document already gone remotely counts as success.
func (s *Service) Delete(ctx context.Context, key string) (*Result, error) {
	key, err := docid.Normalize(key)
	if err != nil {
		return nil, err
	}

	cur, err := s.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	u, err := document.UserFromBody(cur.Body)
	if err != nil {
		return nil, err
	}

	if _, err := s.local.Remove(ctx, cur); err != nil {
		return nil, err
	}

	remoteDoc, err := s.remote.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Already gone remotely: idempotent success.
	case errors.Is(err, store.ErrUnavailable):
		// Offline: the local tombstone replicates the delete later.
		return &Result{Path: WritePathLocal, User: u}, nil
	case err != nil:
		return nil, err
	default:
		if _, err := s.remote.Remove(ctx, remoteDoc); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	res := &Result{Path: WritePathRemote, User: u}
	if err := s.directory.Delete(ctx, docid.LocalPart(key)); err != nil {
		s.log.Warn(ctx, "directory delete failed", "key", key, "error", err)
		res.Warning = fmt.Errorf("%w: %w", ErrPartialWrite, err)
	} else {
		res.DirectorySynced = true
	}
	return res, nil
}

// write is the shared remote-first branch: try the remote store, retry
// a conflict exactly once by re-applying the intent on the latest
// revision, fall back to local-only when unreachable, and keep the
// directory record in step for credential-bearing mutations.
func (s *Service) write(ctx context.Context, doc *store.Document, u *document.User, credentials bool, reapply func(latest *document.User) (*document.User, error)) (*Result, error) {
	_, err := s.remote.Put(ctx, doc)
	if errors.Is(err, store.ErrConflict) {
		doc, u, err = s.retryConflict(ctx, doc.ID, reapply)
		if err != nil {
			return nil, err
		}
		_, err = s.remote.Put(ctx, doc)
		if errors.Is(err, store.ErrConflict) {
			// Second conflict: hard failure, never an endless loop
			// under write contention.
			return nil, store.ErrConflict
		}
	}

	switch {
	case err == nil:
		res := &Result{Path: WritePathRemote, User: u}
		if credentials {
			rec := &DirectoryRecord{
				Name:     docid.LocalPart(doc.ID),
				Password: u.Password,
				Role:     u.Role,
				IsActive: u.IsActive,
			}
			if derr := s.directory.Save(ctx, rec); derr != nil {
				s.log.Warn(ctx, "directory write failed", "key", doc.ID, "error", derr)
				res.Warning = fmt.Errorf("%w: %w", ErrPartialWrite, derr)
			} else {
				res.DirectorySynced = true
			}
		}
		// Mirror the authoritative revision so the local copy joins
		// the remote lineage instead of forking it.
		u.Rev = doc.Rev
		if merr := s.local.PutReplicated(ctx, doc); merr != nil {
			// The remote write is already durable; return the result
			// with the error so the caller knows what persisted.
			s.log.Warn(ctx, "local mirror failed after remote save", "key", doc.ID, "error", merr)
			return res, fmt.Errorf("local mirror after remote save: %w", merr)
		}
		return res, nil

	case errors.Is(err, store.ErrUnavailable):
		// Offline: local-only write, no privileged call attempted.
		local := &store.Document{ID: doc.ID, Rev: localRev(ctx, s.local, doc.ID), Body: doc.Body}
		if _, lerr := s.local.Put(ctx, local); lerr != nil {
			return nil, lerr
		}
		u.Rev = local.Rev
		return &Result{Path: WritePathLocal, User: u}, nil

	default:
		// AuthExpired, ValidationRejected and friends propagate typed.
		return nil, err
	}
}

func (s *Service) retryConflict(ctx context.Context, id string, reapply func(*document.User) (*document.User, error)) (*store.Document, *document.User, error) {
	latest, err := s.remote.Get(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("refetch after conflict: %w", err)
	}
	latestUser, err := document.UserFromBody(latest.Body)
	if err != nil {
		return nil, nil, err
	}
	u, err := reapply(latestUser)
	if err != nil {
		return nil, nil, err
	}
	doc, err := docFromUser(u)
	if err != nil {
		return nil, nil, err
	}
	doc.Rev = latest.Rev
	return doc, u, nil
}

func (s *Service) applyPatch(base *document.User, p *Patch) (*document.User, error) {
	u := *base
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.Password != nil {
		u.Password = *p.Password
	}
	if p.Role != nil {
		if !p.Role.Valid() {
			return nil, fmt.Errorf("unknown role %q", *p.Role)
		}
		u.Role = *p.Role
	}
	if p.Permissions != nil {
		u.Permissions = p.Permissions
	}
	u.ModulePermissions = document.MergeModulePermissions(base.ModulePermissions, p.ModulePermissions, document.DefaultModulePermissions())
	if p.IsActive != nil {
		wasActive := u.IsActive
		u.IsActive = *p.IsActive
		if wasActive && !u.IsActive {
			now := s.now().UTC()
			u.DeletedAt = &now
		}
		if u.IsActive {
			u.DeletedAt = nil
		}
	}
	u.UpdatedAt = s.now().UTC()
	return &u, nil
}

// docFromUser renders the password-stripped document body.
func docFromUser(u *document.User) (*store.Document, error) {
	body, err := u.Body()
	if err != nil {
		return nil, err
	}
	body, err = store.WithIDRev(body, u.ID, "")
	if err != nil {
		return nil, err
	}
	return &store.Document{ID: u.ID, Body: body}, nil
}

// localRev reads the current local revision, empty when absent.
func localRev(ctx context.Context, local *localstore.Store, id string) string {
	doc, err := local.Get(ctx, id)
	if err != nil {
		return ""
	}
	return doc.Rev
}
