package users

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/TIC-PURP/purp-sync/internal/document"
	"github.com/TIC-PURP/purp-sync/internal/logging"
	"github.com/TIC-PURP/purp-sync/internal/store"
	"github.com/TIC-PURP/purp-sync/internal/store/localstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote implements store.Store in memory with the remote's
// conflict semantics, plus switches for offline and failure injection.
type fakeRemote struct {
	mu       sync.Mutex
	docs     map[string]*store.Document
	gen      int
	offline  bool
	putError error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{docs: map[string]*store.Document{}}
}

func (f *fakeRemote) Get(ctx context.Context, id string) (*store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, store.ErrUnavailable
	}
	doc, ok := f.docs[id]
	if !ok || doc.Deleted {
		return nil, store.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeRemote) Put(ctx context.Context, doc *store.Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return "", store.ErrUnavailable
	}
	if f.putError != nil {
		err := f.putError
		return "", err
	}
	cur, exists := f.docs[doc.ID]
	if exists && !cur.Deleted && doc.Rev != cur.Rev {
		return "", store.ErrConflict
	}
	if !exists && doc.Rev != "" {
		return "", store.ErrConflict
	}
	gen, _ := store.ParseRev(doc.Rev)
	f.gen++
	rev := fmt.Sprintf("%d-remote%d", gen+1, f.gen)
	body, err := store.WithIDRev(doc.Body, doc.ID, rev)
	if err != nil {
		return "", err
	}
	doc.Rev = rev
	doc.Body = body
	cp := *doc
	f.docs[doc.ID] = &cp
	return rev, nil
}

func (f *fakeRemote) Remove(ctx context.Context, doc *store.Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return "", store.ErrUnavailable
	}
	cur, ok := f.docs[doc.ID]
	if !ok || cur.Deleted {
		return "", store.ErrNotFound
	}
	if doc.Rev != cur.Rev {
		return "", store.ErrConflict
	}
	cur.Deleted = true
	return cur.Rev, nil
}

func (f *fakeRemote) Find(ctx context.Context, selector map[string]any) ([]*store.Document, error) {
	return nil, nil
}

type dirCall struct {
	op  string
	rec DirectoryRecord
}

type fakeDirectory struct {
	mu    sync.Mutex
	calls []dirCall
	err   error
}

func (d *fakeDirectory) Save(ctx context.Context, rec *DirectoryRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, dirCall{op: "save", rec: *rec})
	return nil
}

func (d *fakeDirectory) Delete(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, dirCall{op: "delete", rec: DirectoryRecord{Name: name}})
	return nil
}

func (d *fakeDirectory) ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.op
	}
	return out
}

func setupService(t *testing.T) (*Service, *localstore.Store, *fakeRemote, *fakeDirectory) {
	t.Helper()
	local, err := localstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	remote := newFakeRemote()
	dir := &fakeDirectory{}
	svc := NewService(local, remote, dir, logging.NewDefault(slog.LevelError))
	return svc, local, remote, dir
}

func TestCreate_Online(t *testing.T) {
	svc, local, remote, dir := setupService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateParams{
		Name: "Alice", Email: "Alice@Example.com", Password: "pw", Role: document.RoleUser,
	})
	require.NoError(t, err)
	assert.Equal(t, WritePathRemote, res.Path)
	assert.True(t, res.DirectorySynced)
	assert.NoError(t, res.Warning)
	assert.Equal(t, "user:alice-example.com", res.User.ID)
	assert.True(t, res.User.IsActive)
	assert.Len(t, res.User.ModulePermissions, 4)

	// Local mirror joined the remote lineage.
	localDoc, err := local.Get(ctx, "user:alice-example.com")
	require.NoError(t, err)
	assert.Equal(t, remote.docs["user:alice-example.com"].Rev, localDoc.Rev)

	// Directory got credentials and role, and the general document
	// body carries no password.
	require.Len(t, dir.calls, 1)
	assert.Equal(t, "pw", dir.calls[0].rec.Password)
	assert.Equal(t, document.RoleUser, dir.calls[0].rec.Role)
	assert.NotContains(t, string(localDoc.Body), "pw")
}

func TestCreate_OfflineFallsBackLocal(t *testing.T) {
	svc, local, remote, dir := setupService(t)
	remote.offline = true
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateParams{Email: "alice@example.com", Password: "pw", Role: document.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, WritePathLocal, res.Path)
	assert.Equal(t, "local-only", res.Describe())

	_, err = local.Get(ctx, "user:alice-example.com")
	require.NoError(t, err)

	// No privileged call while offline.
	assert.Empty(t, dir.calls)
}

func TestCreate_DirectoryFailureIsWarning(t *testing.T) {
	svc, _, _, dir := setupService(t)
	dir.err = store.ErrValidationRejected

	res, err := svc.Create(context.Background(), CreateParams{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, WritePathRemote, res.Path)
	assert.False(t, res.DirectorySynced)
	assert.ErrorIs(t, res.Warning, ErrPartialWrite)
}

func TestCreate_MirrorFailureStillReportsRemoteResult(t *testing.T) {
	svc, local, remote, dir := setupService(t)
	ctx := context.Background()

	// A closed local store makes the mirror write fail after the
	// remote save already went through.
	require.NoError(t, local.Close())

	res, err := svc.Create(ctx, CreateParams{
		Name: "Alice", Email: "alice@example.com", Password: "pw", Role: document.RoleUser,
	})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, WritePathRemote, res.Path)
	assert.True(t, res.DirectorySynced)

	// The remote document and the directory record are durable.
	assert.NotNil(t, remote.docs["user:alice-example.com"])
	require.Len(t, dir.calls, 1)
}

func TestCreate_ValidationRejectedPropagates(t *testing.T) {
	svc, _, remote, _ := setupService(t)
	remote.putError = store.ErrValidationRejected

	_, err := svc.Create(context.Background(), CreateParams{Email: "dup@example.com"})
	assert.ErrorIs(t, err, store.ErrValidationRejected)
}

func TestUpdate_MergesModulePermissions(t *testing.T) {
	svc, local, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{
		Email: "alice@example.com", Password: "pw",
		ModulePermissions: document.ModulePermissions{document.ModuleB: document.LevelRead},
	})
	require.NoError(t, err)

	res, err := svc.Update(ctx, "alice@example.com", Patch{
		ModulePermissions: document.ModulePermissions{document.ModuleB: document.LevelFull},
	})
	require.NoError(t, err)
	assert.Equal(t, document.LevelFull, res.User.ModulePermissions[document.ModuleB])
	assert.Equal(t, document.LevelNone, res.User.ModulePermissions[document.ModuleA])

	localDoc, err := local.Get(ctx, "user:alice-example.com")
	require.NoError(t, err)
	u, err := document.UserFromBody(localDoc.Body)
	require.NoError(t, err)
	assert.Equal(t, document.LevelFull, u.ModulePermissions[document.ModuleB])
}

func TestUpdate_MissingLocallyIsNotFound(t *testing.T) {
	svc, _, remote, _ := setupService(t)

	// Present remotely but absent locally: local-first reads are
	// authoritative for the UI, so this is NotFound.
	doc, err := store.NewDocument("user:ghost", map[string]any{"type": "user"})
	require.NoError(t, err)
	_, err = remote.Put(context.Background(), doc)
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), "ghost", Patch{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeactivate_UpdatesDirectoryNeverDeletes(t *testing.T) {
	svc, _, _, dir := setupService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)

	res, err := svc.Deactivate(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, res.User.IsActive)
	assert.NotNil(t, res.User.DeletedAt)

	ops := dir.ops()
	assert.NotContains(t, ops, "delete")
	last := dir.calls[len(dir.calls)-1]
	assert.Equal(t, "save", last.op)
	assert.False(t, last.rec.IsActive)

	// Reactivation restores the account without re-provisioning.
	active := true
	res, err = svc.Update(ctx, "alice@example.com", Patch{IsActive: &active})
	require.NoError(t, err)
	assert.True(t, res.User.IsActive)
	assert.Nil(t, res.User.DeletedAt)
}

func TestConcurrentUpdates_OneConflictRetryNoSilentOverwrite(t *testing.T) {
	svc, _, remote, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Email: "alice@example.com", Password: "pw", Name: "Alice"})
	require.NoError(t, err)

	// Another writer (different device) advances the remote first, so
	// the local mirror's revision is now stale.
	winner, err := remote.Get(ctx, "user:alice-example.com")
	require.NoError(t, err)
	winnerUser, err := document.UserFromBody(winner.Body)
	require.NoError(t, err)
	winnerUser.Name = "Alice Cooper"
	body, err := winnerUser.Body()
	require.NoError(t, err)
	winner.Body = body
	_, err = remote.Put(ctx, winner)
	require.NoError(t, err)

	// The second racer's first put conflicts; the one-shot retry
	// re-applies its patch on top of the winner's body.
	role := document.RoleManager
	res, err := svc.Update(ctx, "alice@example.com", Patch{Role: &role})
	require.NoError(t, err)

	// Both writers' fields survive: no silent last-write-wins.
	assert.Equal(t, "Alice Cooper", res.User.Name)
	assert.Equal(t, document.RoleManager, res.User.Role)
}

func TestUpdate_SecondConflictIsHardFailure(t *testing.T) {
	svc, _, remote, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)

	// Keep the remote permanently ahead: every refetch is stale by the
	// time the retry lands.
	remote.putError = store.ErrConflict

	name := "Alice Cooper"
	_, err = svc.Update(ctx, "alice@example.com", Patch{Name: &name})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestDelete_Idempotent(t *testing.T) {
	svc, local, remote, dir := setupService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)

	res, err := svc.Delete(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, WritePathRemote, res.Path)
	assert.Contains(t, dir.ops(), "delete")

	_, err = local.Get(ctx, "user:alice-example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, remote.docs["user:alice-example.com"].Deleted)

	// Gone everywhere now.
	_, err = svc.Delete(ctx, "alice@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete_RemoteAlreadyGoneIsSuccess(t *testing.T) {
	svc, _, remote, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	delete(remote.docs, "user:alice-example.com")

	res, err := svc.Delete(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, WritePathRemote, res.Path)
}

func TestDelete_Offline(t *testing.T) {
	svc, local, remote, dir := setupService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)

	remote.offline = true
	dirCallsBefore := len(dir.calls)

	res, err := svc.Delete(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, WritePathLocal, res.Path)
	assert.Len(t, dir.calls, dirCallsBefore)

	// The tombstone is queued for replication.
	changes, _, err := local.ChangesSince(ctx, localstore.ChangesOptions{LocalOnly: true})
	require.NoError(t, err)
	last := changes[len(changes)-1]
	assert.True(t, last.Deleted)
	assert.Equal(t, "user:alice-example.com", last.ID)
}
