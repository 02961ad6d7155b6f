package fieldqueue

import (
	"bytes"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// In-memory databases are per connection
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := Open(context.Background(), db, nil)
	require.NoError(t, err)
	return s
}

func TestOpen_CreatesTables(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"pending_operations", "pending_blobs", "offline_mappings"} {
		var count int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var foreignKeys int
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
}

func TestOpen_ResetsSyncingRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.AddPending(ctx, KindVisit, VisitPayload{StoreID: uuid.NewString()}, "", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkSyncing(ctx, KindVisit, id))

	// Simulate a restart on the same database
	s2, err := Open(ctx, s.DB(), nil)
	require.NoError(t, err)

	op, err := s2.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, op.Status)
}

func TestAddPending_ListsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return at }
		id, err := s.AddPending(ctx, KindVisit, VisitPayload{StoreID: uuid.NewString()}, "", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := s.AddPending(ctx, KindOrder, OrderPayload{VisitOfflineID: ids[0]}, ids[0], nil)
	require.NoError(t, err)

	visits, err := s.ListPending(ctx, KindVisit)
	require.NoError(t, err)
	require.Len(t, visits, 3)
	for i, op := range visits {
		require.Equal(t, ids[i], op.OfflineID)
		require.Equal(t, StatusPending, op.Status)
		require.Zero(t, op.Attempts)
		require.True(t, base.Add(time.Duration(i)*time.Second).Equal(op.CreatedAt))
	}

	orders, err := s.ListPending(ctx, KindOrder)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, ids[0], orders[0].DependsOn)
}

func TestBlob_RoundTripsRawBytes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	content := make([]byte, 256)
	for i := range content {
		content[i] = byte(i)
	}
	id, err := s.AddPending(ctx, KindPhoto, PhotoPayload{ContentType: "image/png"}, uuid.NewString(), content)
	require.NoError(t, err)

	got, err := s.Blob(ctx, id)
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, got))

	_, err = s.Blob(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkSyncing_IsExclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.AddPending(ctx, KindVisit, VisitPayload{}, "", nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkSyncing(ctx, KindVisit, id))
	require.ErrorIs(t, s.MarkSyncing(ctx, KindVisit, id), ErrNotClaimable)

	pending, err := s.ListPending(ctx, KindVisit)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, s.Release(ctx, KindVisit, id))
	require.NoError(t, s.MarkSyncing(ctx, KindVisit, id))
}

func TestMarkSynced_SavesMappingAndRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	visitID, err := s.AddPending(ctx, KindVisit, VisitPayload{}, "", nil)
	require.NoError(t, err)
	photoID, err := s.AddPending(ctx, KindPhoto, PhotoPayload{}, visitID, []byte{1, 2, 3})
	require.NoError(t, err)

	serverVisit := uuid.NewString()
	require.NoError(t, s.MarkSyncing(ctx, KindVisit, visitID))
	require.NoError(t, s.MarkSynced(ctx, KindVisit, visitID, serverVisit))

	op, err := s.Get(ctx, visitID)
	require.NoError(t, err)
	require.Equal(t, StatusSynced, op.Status)
	require.NotNil(t, op.SyncedAt)

	got, ok, err := s.ResolveServerID(ctx, visitID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, serverVisit, got)

	serverPhoto := uuid.NewString()
	require.NoError(t, s.MarkSynced(ctx, KindPhoto, photoID, serverPhoto))
	m, err := s.Mapping(ctx, photoID)
	require.NoError(t, err)
	require.Equal(t, visitID, m.ParentOfflineID)
	require.Equal(t, KindPhoto, m.Kind)

	require.NoError(t, s.Remove(ctx, KindPhoto, photoID))
	_, err = s.Get(ctx, photoID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Blob(ctx, photoID)
	require.ErrorIs(t, err, ErrNotFound)

	// The mapping outlives the operation
	_, ok, err = s.ResolveServerID(ctx, photoID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemove_RefusesUnsyncedRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.AddPending(ctx, KindVisit, VisitPayload{}, "", nil)
	require.NoError(t, err)
	require.ErrorIs(t, s.Remove(ctx, KindVisit, id), ErrNotFound)
}

func TestSaveMapping_FirstWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	offlineID := uuid.NewString()
	first := uuid.NewString()
	require.NoError(t, s.SaveMapping(ctx, offlineID, first, KindVisit, ""))
	require.NoError(t, s.SaveMapping(ctx, offlineID, uuid.NewString(), KindVisit, ""))

	got, ok, err := s.ResolveServerID(ctx, offlineID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, got)

	_, ok, err = s.ResolveServerID(ctx, uuid.NewString())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordFailure_CapsAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.AddPending(ctx, KindOrder, OrderPayload{}, "", nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, s.MarkSyncing(ctx, KindOrder, id))
		status, attempts, err := s.RecordFailure(ctx, KindOrder, id, "network down", DefaultMaxAttempts)
		require.NoError(t, err)
		require.Equal(t, StatusPending, status)
		require.Equal(t, attempt, attempts)
	}

	require.NoError(t, s.MarkSyncing(ctx, KindOrder, id))
	status, attempts, err := s.RecordFailure(ctx, KindOrder, id, "network down", DefaultMaxAttempts)
	require.NoError(t, err)
	require.Equal(t, StatusError, status)
	require.Equal(t, 3, attempts)

	failed, err := s.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "network down", failed[0].LastError)

	// Error rows are not picked up again
	pending, err := s.ListPending(ctx, KindOrder)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRetry_ResetsAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.AddPending(ctx, KindVisit, VisitPayload{}, "", nil)
	require.NoError(t, err)
	require.ErrorIs(t, s.Retry(ctx, id), ErrNotRetryable)
	require.ErrorIs(t, s.Retry(ctx, uuid.NewString()), ErrNotFound)

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, _, err = s.RecordFailure(ctx, KindVisit, id, "store not assigned", DefaultMaxAttempts)
		require.NoError(t, err)
	}
	op, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusError, op.Status)
	require.Equal(t, 3, op.Attempts)

	require.NoError(t, s.Retry(ctx, id))
	op, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, op.Status)
	require.Zero(t, op.Attempts)
	require.Empty(t, op.LastError)
}

func TestRetryAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 2; i++ {
		id, err := s.AddPending(ctx, KindVisit, VisitPayload{}, "", nil)
		require.NoError(t, err)
		require.NoError(t, s.MarkError(ctx, KindVisit, id, "boom"))
	}
	n, err := s.RetryAll(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1, err := s.AddPending(ctx, KindVisit, VisitPayload{}, "", nil)
	require.NoError(t, err)
	_, err = s.AddPending(ctx, KindVisit, VisitPayload{}, "", nil)
	require.NoError(t, err)
	o1, err := s.AddPending(ctx, KindOrder, OrderPayload{}, v1, nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkSyncing(ctx, KindVisit, v1))
	require.NoError(t, s.MarkError(ctx, KindOrder, o1, "boom"))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, KindCounts{Pending: 1, Syncing: 1}, counts[KindVisit])
	require.Equal(t, KindCounts{Error: 1}, counts[KindOrder])
	require.Equal(t, KindCounts{}, counts[KindPhoto])
}

func TestPhotoCountForVisit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	visit := uuid.NewString()
	p1, err := s.AddPending(ctx, KindPhoto, PhotoPayload{}, visit, []byte{1})
	require.NoError(t, err)
	_, err = s.AddPending(ctx, KindPhoto, PhotoPayload{}, visit, []byte{2})
	require.NoError(t, err)
	_, err = s.AddPending(ctx, KindPhoto, PhotoPayload{}, uuid.NewString(), []byte{3})
	require.NoError(t, err)

	n, err := s.PhotoCountForVisit(ctx, visit)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// A synced and removed photo still counts through its mapping
	require.NoError(t, s.MarkSynced(ctx, KindPhoto, p1, uuid.NewString()))
	require.NoError(t, s.Remove(ctx, KindPhoto, p1))
	n, err = s.PhotoCountForVisit(ctx, visit)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCleanupMappings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	s.now = func() time.Time { return old }

	referenced, err := s.AddPending(ctx, KindVisit, VisitPayload{}, "", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, KindVisit, referenced, uuid.NewString()))
	require.NoError(t, s.Remove(ctx, KindVisit, referenced))
	_, err = s.AddPending(ctx, KindOrder, OrderPayload{VisitOfflineID: referenced}, referenced, nil)
	require.NoError(t, err)

	stale := uuid.NewString()
	require.NoError(t, s.SaveMapping(ctx, stale, uuid.NewString(), KindVisit, ""))

	s.now = func() time.Time { return time.Now().UTC() }
	fresh := uuid.NewString()
	require.NoError(t, s.SaveMapping(ctx, fresh, uuid.NewString(), KindVisit, ""))

	n, err := s.CleanupMappings(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	for id, want := range map[string]bool{referenced: true, stale: false, fresh: true} {
		_, ok, err := s.ResolveServerID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, ok, id)
	}
}

func TestKnownVisit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	queued, err := s.AddPending(ctx, KindVisit, VisitPayload{}, "", nil)
	require.NoError(t, err)
	direct := uuid.NewString()
	require.NoError(t, s.SaveMapping(ctx, direct, uuid.NewString(), KindVisit, ""))

	for id, want := range map[string]bool{queued: true, direct: true, uuid.NewString(): false} {
		known, err := s.KnownVisit(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, known, id)
	}
}
