package sqlxrepos

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/officer"
	"github.com/trezcool/kanisa/storage/database"
)

// openTestDB connects to TEST_DATABASE_URL, migrates it and empties the tables.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.OpenURL(dsn)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db.DB, "up"))

	_, err = db.Exec("TRUNCATE attendance_record, attendance_session, officer")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newSession(role string) attendance.Session {
	return attendance.Session{
		ID:        uuid.New().String(),
		Role:      role,
		Active:    true,
		StartedAt: time.Now().UTC(),
	}
}

func TestAttendanceRepository_activeSessionQuery(t *testing.T) {
	repo := NewAttendanceRepository(sqlx.NewDb(nil, "postgres")).(*attendanceRepository)
	assert.NotContains(t, repo.activeSessionQuery(), "FOR UPDATE")

	var tx sqlx.Tx
	bound := &attendanceRepository{exec: &tx}
	assert.True(t, strings.HasSuffix(bound.activeSessionQuery(), "WHERE active LIMIT 2 FOR UPDATE"))
}

func TestAttendanceRepository_SingleActiveSession(t *testing.T) {
	db := openTestDB(t)
	repo := NewAttendanceRepository(db)
	ctx := context.Background()

	_, err := repo.GetActiveSession(ctx)
	assert.Equal(t, attendance.ErrNoActiveSession, err)

	worship, err := repo.CreateSession(ctx, newSession("Worship"))
	require.NoError(t, err)

	_, err = repo.CreateSession(ctx, newSession("Choir"))
	assert.Equal(t, attendance.ErrActiveSessionExists, err)

	active, err := repo.GetActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, worship.ID, active.ID)

	// concurrent creators: exactly one wins once the active session is closed
	now := time.Now().UTC()
	active.Active = false
	active.EndedAt = &now
	_, err = repo.UpdateSession(ctx, active)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for _, role := range []string{"Worship", "Choir", "Ushers", "Youth"} {
		role := role
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.RunInTx(ctx, func(tx attendance.Repository) error {
				_, err := tx.CreateSession(ctx, newSession(role))
				return err
			})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestAttendanceRepository_Records(t *testing.T) {
	db := openTestDB(t)
	repo := NewAttendanceRepository(db)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, newSession("Worship"))
	require.NoError(t, err)

	names := []string{"Alice", "Bob", "Carol"}
	for _, name := range names {
		_, err = repo.CreateRecord(ctx, attendance.Record{
			ID:        uuid.New().String(),
			SessionID: sess.ID,
			Name:      name,
			RegCode:   "R-" + name,
			SignedAt:  time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	records, err := repo.QueryRecords(ctx, sess.ID)
	require.NoError(t, err)
	if assert.Len(t, records, 3) {
		for i, rec := range records {
			assert.Equal(t, names[i], rec.Name)
			assert.Nil(t, rec.Signature)
		}
	}

	n, err := repo.CountRecords(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// rolled back
	err = repo.RunInTx(ctx, func(tx attendance.Repository) error {
		if _, err := tx.DeleteAllRecords(ctx); err != nil {
			return err
		}
		return attendance.ErrNotOwner
	})
	assert.Equal(t, attendance.ErrNotOwner, err)
	n, _ = repo.CountRecords(ctx, sess.ID)
	assert.Equal(t, 3, n)

	deleted, err := repo.DeleteAllRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
}

func TestOfficerRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewOfficerRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	alice, err := repo.CreateOfficer(ctx, officer.Officer{
		Name:      "Alice",
		Username:  "alice",
		Email:     "alice@test.local",
		Role:      "Worship",
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, alice.Active())

	assert.Equal(t, officer.ErrUsernameExists, repo.CheckUsernameUniqueness(ctx, "alice", "other@test.local"))
	assert.Equal(t, officer.ErrEmailExists, repo.CheckUsernameUniqueness(ctx, "other", "alice@test.local"))
	assert.NoError(t, repo.CheckUsernameUniqueness(ctx, "alice", "alice@test.local", alice))

	got, err := repo.GetOfficer(ctx, officer.GetFilter{UsernameOrEmail: "alice@test.local"})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	_, err = repo.GetOfficer(ctx, officer.GetFilter{ID: "not-a-uuid"})
	assert.Equal(t, officer.ErrNotFound, err)

	got.Ministry = "Music"
	got, err = repo.UpdateOfficer(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "Music", got.Ministry)

	list, err := repo.QueryOfficers(ctx, &officer.QueryFilter{Search: "ALI"}, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.DeleteOfficersByID(ctx, alice.ID))
	_, err = repo.GetOfficer(ctx, officer.GetFilter{ID: alice.ID})
	assert.Equal(t, officer.ErrNotFound, err)
}
