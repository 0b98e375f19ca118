//go:build integration

package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openlend/circ/internal/models"
)

var testDB *DB

func TestMain(m *testing.M) {
	if !dockerAvailable() {
		fmt.Println("Docker is not available, skipping integration tests")
		os.Exit(0)
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("circ_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to get connection string: %v", err)
	}

	logger := zerolog.New(zerolog.NewConsoleWriter())
	cfg := DefaultConfig(connStr)
	cfg.MaxConns = 5
	cfg.MinConns = 1

	testDB, err = New(ctx, cfg, logger)
	if err != nil {
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := testDB.Migrate(ctx); err != nil {
		testDB.Close()
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to run migrations: %v", err)
	}

	code := m.Run()

	testDB.Close()
	pgContainer.Terminate(ctx)

	os.Exit(code)
}

// dockerAvailable returns true if a Docker daemon is reachable.
func dockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	return cmd.Run() == nil
}

// setupTestDB returns the shared test database after cleaning all tables.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	cleanTables(t, testDB)
	return testDB
}

// cleanTables truncates all user tables between tests for isolation.
func cleanTables(t *testing.T, db *DB) {
	t.Helper()
	ctx := context.Background()
	_, err := db.Pool.Exec(ctx, `
		DO $$ DECLARE r RECORD;
		BEGIN
			FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename != 'schema_migrations') LOOP
				EXECUTE 'TRUNCATE TABLE ' || quote_ident(r.tablename) || ' CASCADE';
			END LOOP;
		END $$;
	`)
	require.NoError(t, err)
}

// createTestPatron creates and persists a test patron.
func createTestPatron(t *testing.T, db *DB, identifier string) *models.Patron {
	t.Helper()
	patron := models.NewPatron(identifier)
	err := db.CreatePatron(context.Background(), patron)
	require.NoError(t, err)
	return patron
}

// createTestPool creates and persists a test pool with the given counts.
func createTestPool(t *testing.T, db *DB, owned, available int) *models.LicensePool {
	t.Helper()
	pool := models.NewLicensePool(uuid.New(), models.DistributorMemory, "title-"+uuid.New().String(), owned)
	pool.LicensesAvailable = available
	err := db.CreateLicensePool(context.Background(), pool)
	require.NoError(t, err)
	return pool
}

func TestStore_LicensePools(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		pool := createTestPool(t, db, 5, 3)

		got, err := db.GetLicensePoolByID(ctx, pool.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, pool.ID, got.ID)
		assert.Equal(t, 5, got.LicensesOwned)
		assert.Equal(t, 3, got.LicensesAvailable)
	})

	t.Run("GetMissing", func(t *testing.T) {
		got, err := db.GetLicensePoolByID(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Update", func(t *testing.T) {
		pool := createTestPool(t, db, 5, 5)
		pool.LicensesAvailable = 2
		pool.DriftStreak = 1
		require.NoError(t, db.UpdateLicensePool(ctx, pool))

		got, err := db.GetLicensePoolByID(ctx, pool.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.LicensesAvailable)
		assert.Equal(t, 1, got.DriftStreak)
	})

	t.Run("CompareAndSetAvailability", func(t *testing.T) {
		pool := createTestPool(t, db, 5, 3)

		ok, err := db.CompareAndSetAvailability(ctx, pool.ID, 3, 2)
		require.NoError(t, err)
		assert.True(t, ok)

		// Stale expectation must not win.
		ok, err = db.CompareAndSetAvailability(ctx, pool.ID, 3, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := db.GetLicensePoolByID(ctx, pool.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.LicensesAvailable)
	})
}

func TestStore_Loans(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	patron := createTestPatron(t, db, "patron-1")
	pool := createTestPool(t, db, 2, 2)

	t.Run("CreateGetDelete", func(t *testing.T) {
		end := time.Now().UTC().Add(21 * 24 * time.Hour)
		loan := models.NewLoan(patron.ID, pool.ID, time.Now().UTC(), &end)
		require.NoError(t, db.CreateLoan(ctx, loan))

		got, err := db.GetLoan(ctx, patron.ID, pool.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, loan.ID, got.ID)
		assert.WithinDuration(t, end, *got.End, time.Second)

		require.NoError(t, db.DeleteLoan(ctx, loan.ID))
		got, err = db.GetLoan(ctx, patron.ID, pool.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		// Second delete is a no-op.
		require.NoError(t, db.DeleteLoan(ctx, loan.ID))
	})

	t.Run("DuplicateLoanRejected", func(t *testing.T) {
		loan := models.NewLoan(patron.ID, pool.ID, time.Now().UTC(), nil)
		require.NoError(t, db.CreateLoan(ctx, loan))
		defer db.DeleteLoan(ctx, loan.ID)

		dup := models.NewLoan(patron.ID, pool.ID, time.Now().UTC(), nil)
		assert.Error(t, db.CreateLoan(ctx, dup))
	})

	t.Run("CountMeteredLoans", func(t *testing.T) {
		cleanTables(t, db)
		p := createTestPatron(t, db, "patron-counts")

		metered := createTestPool(t, db, 1, 1)
		openAccess := createTestPool(t, db, 0, 0)
		openAccess.OpenAccess = true
		require.NoError(t, db.UpdateLicensePool(ctx, openAccess))

		end := time.Now().UTC().Add(time.Hour)
		require.NoError(t, db.CreateLoan(ctx, models.NewLoan(p.ID, metered.ID, time.Now().UTC(), &end)))
		require.NoError(t, db.CreateLoan(ctx, models.NewLoan(p.ID, openAccess.ID, time.Now().UTC(), nil)))

		count, err := db.CountMeteredLoansByPatron(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("ListExpired", func(t *testing.T) {
		cleanTables(t, db)
		p := createTestPatron(t, db, "patron-expired")
		pl := createTestPool(t, db, 1, 0)

		past := time.Now().UTC().Add(-time.Hour)
		loan := models.NewLoan(p.ID, pl.ID, past.Add(-time.Hour), &past)
		require.NoError(t, db.CreateLoan(ctx, loan))

		expired, err := db.ListExpiredLoans(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, loan.ID, expired[0].ID)
	})
}

func TestStore_Holds(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	pool := createTestPool(t, db, 1, 0)

	t.Run("QueueOrder", func(t *testing.T) {
		p1 := createTestPatron(t, db, "holds-1")
		p2 := createTestPatron(t, db, "holds-2")

		h1 := models.NewHold(p1.ID, pool.ID, 1, nil)
		h2 := models.NewHold(p2.ID, pool.ID, 2, nil)
		require.NoError(t, db.CreateHold(ctx, h2))
		require.NoError(t, db.CreateHold(ctx, h1))

		next, err := db.GetNextQueuedHold(ctx, pool.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, h1.ID, next.ID)

		count, err := db.CountQueuedHolds(ctx, pool.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("ReadyHoldsSkipped", func(t *testing.T) {
		cleanTables(t, db)
		pl := createTestPool(t, db, 1, 0)
		p1 := createTestPatron(t, db, "ready-1")
		p2 := createTestPatron(t, db, "ready-2")

		h1 := models.NewHold(p1.ID, pl.ID, 1, nil)
		h1.Promote(time.Now().UTC(), 72*time.Hour)
		h2 := models.NewHold(p2.ID, pl.ID, 2, nil)
		require.NoError(t, db.CreateHold(ctx, h1))
		require.NoError(t, db.CreateHold(ctx, h2))

		next, err := db.GetNextQueuedHold(ctx, pl.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, h2.ID, next.ID)
	})

	t.Run("LapsedReservations", func(t *testing.T) {
		cleanTables(t, db)
		pl := createTestPool(t, db, 1, 0)
		p := createTestPatron(t, db, "lapsed-1")

		h := models.NewHold(p.ID, pl.ID, 1, nil)
		h.Promote(time.Now().UTC().Add(-100*time.Hour), 72*time.Hour)
		require.NoError(t, db.CreateHold(ctx, h))

		lapsed, err := db.ListLapsedReservations(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		require.Len(t, lapsed, 1)
		assert.Equal(t, h.ID, lapsed[0].ID)
	})

	t.Run("PositionUniquePerPool", func(t *testing.T) {
		cleanTables(t, db)
		pl := createTestPool(t, db, 1, 0)
		p1 := createTestPatron(t, db, "dup-pos-1")
		p2 := createTestPatron(t, db, "dup-pos-2")

		require.NoError(t, db.CreateHold(ctx, models.NewHold(p1.ID, pl.ID, 1, nil)))
		assert.Error(t, db.CreateHold(ctx, models.NewHold(p2.ID, pl.ID, 1, nil)))
	})
}

func TestStore_Jobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	t.Run("ClaimOrder", func(t *testing.T) {
		pool := createTestPool(t, db, 1, 1)
		first := models.NewReconcileJob(pool.ID)
		first.CreatedAt = time.Now().UTC().Add(-time.Minute)
		second := models.NewSweepJob(pool.ID)
		require.NoError(t, db.CreateJob(ctx, first))
		require.NoError(t, db.CreateJob(ctx, second))

		claimed, err := db.ClaimNextPendingJob(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, first.ID, claimed.ID)
		assert.Equal(t, models.JobStatusRunning, claimed.Status)

		claimed, err = db.ClaimNextPendingJob(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, second.ID, claimed.ID)

		claimed, err = db.ClaimNextPendingJob(ctx)
		require.NoError(t, err)
		assert.Nil(t, claimed)
	})

	t.Run("RetryLifecycle", func(t *testing.T) {
		cleanTables(t, db)
		pool := createTestPool(t, db, 1, 1)
		job := models.NewReconcileJob(pool.ID)
		require.NoError(t, db.CreateJob(ctx, job))

		job.Start()
		job.Fail("distributor timeout")
		job.NextRetryAt = nil
		require.NoError(t, db.UpdateJob(ctx, job))

		ready, err := db.ListJobsReadyForRetry(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		require.Len(t, ready, 1)

		require.NoError(t, db.RequeueJob(ctx, job.ID))
		got, err := db.GetJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, got.Status)
	})

	t.Run("HasActiveJob", func(t *testing.T) {
		cleanTables(t, db)
		pool := createTestPool(t, db, 1, 1)

		active, err := db.HasActiveJob(ctx, pool.ID, models.JobTypeSweepPool)
		require.NoError(t, err)
		assert.False(t, active)

		require.NoError(t, db.CreateJob(ctx, models.NewSweepJob(pool.ID)))
		active, err = db.HasActiveJob(ctx, pool.ID, models.JobTypeSweepPool)
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("Cleanup", func(t *testing.T) {
		cleanTables(t, db)
		pool := createTestPool(t, db, 1, 1)
		job := models.NewSweepJob(pool.ID)
		require.NoError(t, db.CreateJob(ctx, job))
		job.Start()
		job.Complete(map[string]interface{}{"promoted": 0})
		old := time.Now().UTC().Add(-48 * time.Hour)
		job.CompletedAt = &old
		require.NoError(t, db.UpdateJob(ctx, job))

		removed, err := db.CleanupOldJobs(ctx, time.Now().UTC().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
	})
}
