package db

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"snipserve/pkg/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachStore runs fn against a fresh SQLite file and, when
// SNIPSERVE_TEST_POSTGRES_URL is set, against PostgreSQL.
func forEachStore(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "test.db"), Opts{})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("postgres", func(t *testing.T) {
		url := os.Getenv("SNIPSERVE_TEST_POSTGRES_URL")
		if url == "" {
			t.Skip("SNIPSERVE_TEST_POSTGRES_URL not set")
		}
		s, err := Open(context.Background(), "pgx", url, Opts{})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		_, err = s.DB().Exec(`TRUNCATE paste_views, pastes, users RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		fn(t, s)
	})
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func mkUser(t *testing.T, s *Store, name string) *domain.Identity {
	t.Helper()
	u := &domain.Identity{Username: name, PasswordHash: "h", APIKey: name + "-key", CreatedAt: t0}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func mkPaste(t *testing.T, s *Store, owner *domain.Identity, pid string) *domain.Paste {
	t.Helper()
	p := &domain.Paste{PublicID: pid, Title: "t", Content: "c", OwnerID: owner.ID, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.CreatePaste(context.Background(), p))
	return p
}

func ptr(v int64) *int64 { return &v }

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	assert.Equal(t, "SELECT $1, $2", pg.rebind("SELECT ?, ?"))
	lite := &Store{dialect: SQLite}
	assert.Equal(t, "SELECT ?, ?", lite.rebind("SELECT ?, ?"))
}

func TestUsers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		alice := mkUser(t, s, "alice")
		assert.NotZero(t, alice.ID)

		got, err := s.UserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)
		assert.True(t, got.CreatedAt.Equal(t0))

		_, err = s.UserByUsername(ctx, "nobody")
		assert.True(t, errors.Is(err, domain.ErrUserNotFound))

		dup := &domain.Identity{Username: "alice", PasswordHash: "h", APIKey: "other", CreatedAt: t0}
		err = s.CreateUser(ctx, dup)
		assert.True(t, errors.Is(err, domain.ErrUsernameTaken))
		assert.Equal(t, 409, domain.Status(err))

		require.NoError(t, s.SetAPIKey(ctx, alice.ID, "rotated"))
		_, err = s.UserByAPIKey(ctx, "alice-key")
		assert.True(t, errors.Is(err, domain.ErrUserNotFound), "old key must stop resolving")
		got, err = s.UserByAPIKey(ctx, "rotated")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)

		admin := true
		name := "alice2"
		require.NoError(t, s.UpdateUser(ctx, alice.ID, domain.UserPatch{Username: &name, IsAdmin: &admin}))
		got, err = s.UserByID(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice2", got.Username)
		assert.True(t, got.IsAdmin)

		bob := mkUser(t, s, "bob")
		taken := "bob"
		err = s.UpdateUser(ctx, alice.ID, domain.UserPatch{Username: &taken})
		assert.True(t, errors.Is(err, domain.ErrConflict))
		assert.Equal(t, domain.ErrNoUpdateFields, s.UpdateUser(ctx, bob.ID, domain.UserPatch{}))

		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 2)

		assert.True(t, errors.Is(s.DeleteUser(ctx, 9999), domain.ErrUserNotFound))
	})
}

func TestPastes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		alice := mkUser(t, s, "alice")
		p := mkPaste(t, s, alice, "AbCd1234")

		ok, err := s.PublicIDExists(ctx, "AbCd1234")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.PublicIDExists(ctx, "zzzzzzzz")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.PasteByPublicID(ctx, "AbCd1234")
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, "alice", got.Username)

		hidden := true
		title := "new"
		later := t0.Add(time.Hour)
		require.NoError(t, s.UpdatePaste(ctx, p.ID, domain.PastePatch{Title: &title, Hidden: &hidden}, later))
		got, err = s.PasteByPublicID(ctx, "AbCd1234")
		require.NoError(t, err)
		assert.Equal(t, "new", got.Title)
		assert.True(t, got.Hidden)
		assert.True(t, got.UpdatedAt.Equal(later))

		mine, err := s.ListPastesByOwner(ctx, alice.ID)
		require.NoError(t, err)
		assert.Len(t, mine, 1)

		require.NoError(t, s.DeletePaste(ctx, p.ID))
		_, err = s.PasteByPublicID(ctx, "AbCd1234")
		assert.True(t, errors.Is(err, domain.ErrPasteNotFound))
	})
}

func TestRecordViewLedger(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		owner := mkUser(t, s, "owner")
		viewer := mkUser(t, s, "viewer")
		mkPaste(t, s, owner, "P0000001")

		res, err := s.RecordView(ctx, "P0000001", domain.Viewer{IdentityID: ptr(owner.ID), IP: "10.0.0.1"}, t0)
		require.NoError(t, err)
		assert.Equal(t, domain.ViewOwner, res.Outcome)
		assert.EqualValues(t, 0, res.ViewCount)

		res, err = s.RecordView(ctx, "P0000001", domain.Viewer{IP: "1.1.1.1"}, t0)
		require.NoError(t, err)
		assert.Equal(t, domain.ViewCounted, res.Outcome)
		assert.EqualValues(t, 1, res.ViewCount)

		res, err = s.RecordView(ctx, "P0000001", domain.Viewer{IP: "1.1.1.1"}, t0.Add(23*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, domain.ViewDuplicate, res.Outcome)
		assert.EqualValues(t, 1, res.ViewCount)

		// same IP but authenticated is a different viewer
		res, err = s.RecordView(ctx, "P0000001", domain.Viewer{IdentityID: ptr(viewer.ID), IP: "1.1.1.1"}, t0)
		require.NoError(t, err)
		assert.Equal(t, domain.ViewCounted, res.Outcome)
		assert.EqualValues(t, 2, res.ViewCount)

		// exactly 24h later the first event is outside the window
		res, err = s.RecordView(ctx, "P0000001", domain.Viewer{IP: "1.1.1.1"}, t0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, domain.ViewCounted, res.Outcome)
		assert.EqualValues(t, 3, res.ViewCount)

		n, err := s.ViewCount(ctx, "P0000001")
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		_, err = s.RecordView(ctx, "missing1", domain.Viewer{IP: "1.1.1.1"}, t0)
		assert.True(t, errors.Is(err, domain.ErrPasteNotFound))
	})
}

// failIncrement makes any change to pastes.view_count raise until the test ends.
func failIncrement(t *testing.T, s *Store) {
	t.Helper()
	db := s.DB()
	if s.Dialect() == Postgres {
		_, err := db.Exec(`CREATE OR REPLACE FUNCTION snipserve_fail_increment() RETURNS trigger AS $$
		BEGIN RAISE EXCEPTION 'boom'; END $$ LANGUAGE plpgsql`)
		require.NoError(t, err)
		_, err = db.Exec(`CREATE TRIGGER fail_increment BEFORE UPDATE OF view_count ON pastes
		FOR EACH ROW EXECUTE FUNCTION snipserve_fail_increment()`)
		require.NoError(t, err)
		t.Cleanup(func() {
			db.Exec(`DROP TRIGGER IF EXISTS fail_increment ON pastes`)
			db.Exec(`DROP FUNCTION IF EXISTS snipserve_fail_increment()`)
		})
		return
	}
	_, err := db.Exec(`CREATE TRIGGER fail_increment BEFORE UPDATE OF view_count ON pastes
	BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Exec(`DROP TRIGGER IF EXISTS fail_increment`) })
}

func TestRecordViewRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		owner := mkUser(t, s, "owner")
		p := mkPaste(t, s, owner, "R0000001")
		failIncrement(t, s)

		_, err := s.RecordView(ctx, "R0000001", domain.Viewer{IP: "1.1.1.1"}, t0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrViewNotRecorded))
		assert.True(t, errors.Is(err, domain.ErrInternal))
		assert.Equal(t, http.StatusInternalServerError, domain.Status(err))
		assert.Contains(t, err.Error(), "boom")

		events, err := s.ViewEvents(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, events, "event insert must roll back with the failed increment")
		n, err := s.ViewCount(ctx, "R0000001")
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})
}

func TestRecordViewConcurrentDuplicates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		owner := mkUser(t, s, "owner")
		mkPaste(t, s, owner, "C0000001")

		const n = 16
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.RecordView(ctx, "C0000001", domain.Viewer{IP: "9.9.9.9"}, t0)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		n2, err := s.ViewCount(ctx, "C0000001")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n2)
	})
}

func TestDeleteCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		owner := mkUser(t, s, "owner")
		viewer := mkUser(t, s, "viewer")
		p := mkPaste(t, s, owner, "D0000001")
		other := mkPaste(t, s, viewer, "D0000002")

		_, err := s.RecordView(ctx, "D0000001", domain.Viewer{IdentityID: ptr(viewer.ID), IP: "2.2.2.2"}, t0)
		require.NoError(t, err)
		_, err = s.RecordView(ctx, "D0000002", domain.Viewer{IdentityID: ptr(owner.ID), IP: "3.3.3.3"}, t0)
		require.NoError(t, err)

		// the viewer's own paste and its events go; their view on owner's paste stays, anonymised
		require.NoError(t, s.DeleteUser(ctx, viewer.ID))
		_, err = s.PasteByPublicID(ctx, other.PublicID)
		assert.True(t, errors.Is(err, domain.ErrPasteNotFound))

		events, err := s.ViewEvents(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Nil(t, events[0].IdentityID)
		assert.Equal(t, "2.2.2.2", events[0].ViewerIP)

		require.NoError(t, s.DeletePaste(ctx, p.ID))
		events, err = s.ViewEvents(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestCheckpoint(t *testing.T) {
	s, err := Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "wal.db"), Opts{})
	require.NoError(t, err)
	defer s.Close()
	mkUser(t, s, "walker")
	assert.NoError(t, s.Checkpoint(context.Background()))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var b breaker
	boom := errors.New("disk I/O error")
	for i := 0; i < maxFailures; i++ {
		require.NoError(t, b.allow())
		b.record(boom)
	}
	assert.Equal(t, ErrCircuitOpen, b.allow())

	var c breaker
	for i := 0; i < maxFailures*2; i++ {
		c.record(domain.ErrPasteNotFound)
	}
	assert.NoError(t, c.allow(), "domain errors do not trip the breaker")
}
