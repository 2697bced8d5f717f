package scheduler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sner-project/sner/internal/config"
	"github.com/sner-project/sner/internal/scheduler"
	"github.com/sner-project/sner/internal/store"
	"github.com/sner-project/sner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("sner_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newTestService builds a scheduler service with a throwaway var dir.
// GC probability is zero to keep tests deterministic.
func newTestService(t *testing.T, pool *pgxpool.Pool, hotLevel int) *scheduler.Service {
	t.Helper()
	cfg := config.SchedulerConfig{
		VarDir:          t.TempDir(),
		HeatmapHotLevel: hotLevel,
		AssignTimeout:   3 * time.Second,
		OutputTimeout:   30 * time.Second,
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return scheduler.NewService(pool, cfg, log)
}

func createTestQueue(t *testing.T, pool *pgxpool.Pool, name string, groupSize, priority int) *models.Queue {
	t.Helper()
	s := store.NewPostgresStore(pool)
	queue := &models.Queue{
		Name:      name,
		Config:    "module: dummy\nargs: --arg1 abc",
		GroupSize: groupSize,
		Priority:  priority,
		Active:    true,
		Reqs:      []string{"default"},
	}
	require.NoError(t, s.CreateQueue(context.Background(), queue))
	return queue
}

// mustOutput delivers a job output and asserts it was accepted.
func mustOutput(t *testing.T, svc *scheduler.Service, jobID uuid.UUID, retval int, output []byte) {
	t.Helper()
	accepted, err := svc.JobOutput(context.Background(), jobID, retval, output)
	require.NoError(t, err)
	require.True(t, accepted)
}

func countRows(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var count int
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&count))
	return count
}

// --- Assignment Tests ---

func TestJobAssign_GroupAssembly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "group-queue", 2, 10)

	added, err := svc.Enqueue(ctx, queue.ID, []string{"target-1", "target-2", "target-3", "target-4"})
	require.NoError(t, err)
	assert.Equal(t, 4, added)

	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Len(t, assignment.Targets, 2)
	assert.Equal(t, "dummy", assignment.Config["module"])

	// drawn targets left the queue, the rest remains assignable
	assert.Equal(t, 2, countRows(t, pool, `SELECT COUNT(*) FROM target WHERE queue_id = $1`, queue.ID))
	assert.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM job`))
}

func TestJobAssign_NoWork(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)

	assignment, err := svc.JobAssign(context.Background(), "", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestJobAssign_CapsFilter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()

	s := store.NewPostgresStore(pool)
	queue := &models.Queue{
		Name: "special-queue", Config: "module: dummy", GroupSize: 1, Active: true,
		Reqs: []string{"default", "special"},
	}
	require.NoError(t, s.CreateQueue(ctx, queue))
	_, err := svc.Enqueue(ctx, queue.ID, []string{"target-1"})
	require.NoError(t, err)

	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, assignment)

	assignment, err = svc.JobAssign(ctx, "", []string{"default", "special"})
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, []string{"target-1"}, assignment.Targets)
}

func TestJobAssign_PriorityOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()

	low := createTestQueue(t, pool, "low-queue", 1, 0)
	high := createTestQueue(t, pool, "high-queue", 1, 100)
	_, err := svc.Enqueue(ctx, low.ID, []string{"low-target"})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, high.ID, []string{"high-target"})
	require.NoError(t, err)

	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, []string{"high-target"}, assignment.Targets)
}

func TestJobAssign_NamedQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()

	createTestQueue(t, pool, "other-queue", 1, 100)
	named := createTestQueue(t, pool, "named-queue", 1, 0)
	_, err := svc.Enqueue(ctx, named.ID, []string{"named-target"})
	require.NoError(t, err)

	// caps apply to named queues too
	assignment, err := svc.JobAssign(ctx, "named-queue", nil)
	require.NoError(t, err)
	assert.Nil(t, assignment)

	assignment, err = svc.JobAssign(ctx, "named-queue", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, []string{"named-target"}, assignment.Targets)

	// empty named queue yields no work
	assignment, err = svc.JobAssign(ctx, "named-queue", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestJobAssign_HotBucket(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 1)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "hot-queue", 1, 0)

	// both targets share the 127.0.0.0/24 bucket
	_, err := svc.Enqueue(ctx, queue.ID, []string{"127.0.0.1", "127.0.0.2"})
	require.NoError(t, err)

	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Len(t, assignment.Targets, 1)

	// bucket is hot now, the second target is not assignable
	blocked, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// job output cools the bucket and restores the readynet
	jobID := uuid.MustParse(assignment.ID)
	mustOutput(t, svc, jobID, 0, []byte("output"))

	assignment, err = svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Len(t, assignment.Targets, 1)
}

func TestJobAssign_HotBucketGrouped(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 5)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "grouped-hot-queue", 2, 0)

	// all ten targets share the 127.0.0.0/24 bucket
	targets := make([]string, 10)
	for i := range targets {
		targets[i] = fmt.Sprintf("127.0.0.%d", i+1)
	}
	_, err := svc.Enqueue(ctx, queue.ID, targets)
	require.NoError(t, err)

	// hot_level 5 with group_size 2 yields two full groups, then the
	// bucket has room for just one more target before going hot
	for _, want := range []int{2, 2, 1} {
		assignment, err := svc.JobAssign(ctx, "", []string{"default"})
		require.NoError(t, err)
		require.NotNil(t, assignment)
		assert.Len(t, assignment.Targets, want)
	}

	blocked, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, blocked)
}

func TestJobAssign_Exclusion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()
	s := store.NewPostgresStore(pool)
	queue := createTestQueue(t, pool, "excl-queue", 2, 0)

	require.NoError(t, s.CreateExcl(ctx, &models.Excl{
		Family: models.ExclFamilyNetwork, Value: "127.66.66.0/26",
	}))

	_, err := svc.Enqueue(ctx, queue.ID, []string{"127.66.66.1", "127.66.66.2"})
	require.NoError(t, err)

	// all targets excluded; they are consumed silently, no job is created
	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, assignment)
	assert.Equal(t, 0, countRows(t, pool, `SELECT COUNT(*) FROM target`))
	assert.Equal(t, 0, countRows(t, pool, `SELECT COUNT(*) FROM job`))
}

// --- Output Tests ---

func TestJobOutput_UnknownJobDiscarded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)

	accepted, err := svc.JobOutput(context.Background(), uuid.New(), 0, []byte("orphan"))
	assert.NoError(t, err)
	assert.False(t, accepted)
}

func TestJobOutput_RepeatedDeliveryDiscarded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "output-queue", 1, 0)

	_, err := svc.Enqueue(ctx, queue.ID, []string{"127.0.0.1"})
	require.NoError(t, err)
	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, assignment)
	jobID := uuid.MustParse(assignment.ID)

	mustOutput(t, svc, jobID, 0, []byte("first"))
	accepted, err := svc.JobOutput(ctx, jobID, 1, []byte("second"))
	require.NoError(t, err)
	assert.False(t, accepted)

	job, err := store.NewPostgresStore(pool).GetJob(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, job.Retval)
	assert.Equal(t, 0, *job.Retval)
	assert.NotNil(t, job.TimeEnd)
}

// --- Job Admin Tests ---

func TestJobDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "delete-queue", 1, 0)

	_, err := svc.Enqueue(ctx, queue.ID, []string{"127.0.0.1"})
	require.NoError(t, err)
	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	jobID := uuid.MustParse(assignment.ID)

	// running job cannot be deleted
	assert.ErrorIs(t, svc.JobDelete(ctx, jobID), scheduler.ErrJobNotFinished)

	mustOutput(t, svc, jobID, 0, []byte("output"))
	require.NoError(t, svc.JobDelete(ctx, jobID))
	assert.Equal(t, 0, countRows(t, pool, `SELECT COUNT(*) FROM job`))

	assert.ErrorIs(t, svc.JobDelete(ctx, jobID), scheduler.ErrJobNotFound)
}

func TestJobReconcile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 1)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "reconcile-queue", 1, 0)

	_, err := svc.Enqueue(ctx, queue.ID, []string{"127.0.0.1", "127.0.0.2"})
	require.NoError(t, err)
	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	jobID := uuid.MustParse(assignment.ID)

	require.NoError(t, svc.JobReconcile(ctx, jobID))

	job, err := store.NewPostgresStore(pool).GetJob(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, job.Retval)
	assert.Equal(t, -1, *job.Retval)

	// bucket cooled, remaining target assignable again
	assignment, err = svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	assert.NotNil(t, assignment)

	assert.ErrorIs(t, svc.JobReconcile(ctx, jobID), scheduler.ErrJobNotRunning)
}

func TestJobRepeat(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "repeat-queue", 1, 0)

	_, err := svc.Enqueue(ctx, queue.ID, []string{"127.0.0.1"})
	require.NoError(t, err)
	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	jobID := uuid.MustParse(assignment.ID)

	assert.ErrorIs(t, svc.JobRepeat(ctx, jobID), scheduler.ErrJobNotFinished)

	mustOutput(t, svc, jobID, 1, []byte("failed scan"))
	require.NoError(t, svc.JobRepeat(ctx, jobID))

	// target is back in the queue, the job is gone
	assert.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM target WHERE queue_id = $1`, queue.ID))
	assert.Equal(t, 0, countRows(t, pool, `SELECT COUNT(*) FROM job`))
}

// --- Queue Admin Tests ---

func TestEnqueue_Dedup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "dedup-queue", 1, 0)

	added, err := svc.Enqueue(ctx, queue.ID, []string{" 127.0.0.1 ", "127.0.0.1", "", "127.0.0.2"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = svc.Enqueue(ctx, queue.ID, []string{"127.0.0.1", "127.0.0.3"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	assert.Equal(t, 3, countRows(t, pool, `SELECT COUNT(*) FROM target WHERE queue_id = $1`, queue.ID))
}

func TestQueueFlush(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "flush-queue", 1, 0)

	_, err := svc.Enqueue(ctx, queue.ID, []string{"127.0.0.1", "127.0.1.1"})
	require.NoError(t, err)
	require.NoError(t, svc.QueueFlush(ctx, queue.ID))

	assert.Equal(t, 0, countRows(t, pool, `SELECT COUNT(*) FROM target WHERE queue_id = $1`, queue.ID))
	assert.Equal(t, 0, countRows(t, pool, `SELECT COUNT(*) FROM readynet WHERE queue_id = $1`, queue.ID))
}

func TestQueuePrune(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "prune-queue", 1, 0)

	_, err := svc.Enqueue(ctx, queue.ID, []string{"127.0.0.1", "127.0.1.1"})
	require.NoError(t, err)

	first, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	mustOutput(t, svc, uuid.MustParse(first.ID), 0, []byte("done"))

	second, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)

	require.NoError(t, svc.QueuePrune(ctx, queue.ID))

	// finished job pruned, running job kept
	assert.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM job WHERE queue_id = $1`, queue.ID))
	_, err = store.NewPostgresStore(pool).GetJob(ctx, uuid.MustParse(second.ID))
	assert.NoError(t, err)
}

func TestQueueDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 0)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "del-queue", 1, 0)

	_, err := svc.Enqueue(ctx, queue.ID, []string{"127.0.0.1"})
	require.NoError(t, err)
	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.QueueDelete(ctx, queue.ID), scheduler.ErrQueueHasJobs)

	jobID := uuid.MustParse(assignment.ID)
	mustOutput(t, svc, jobID, 0, nil)
	require.NoError(t, svc.JobDelete(ctx, jobID))

	require.NoError(t, svc.QueueDelete(ctx, queue.ID))
	assert.Equal(t, 0, countRows(t, pool, `SELECT COUNT(*) FROM queue`))
}

// --- Reconciliation Tests ---

func TestReconcileHeatmap(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	svc := newTestService(t, pool, 1)
	ctx := context.Background()
	queue := createTestQueue(t, pool, "startup-queue", 1, 0)

	_, err := svc.Enqueue(ctx, queue.ID, []string{"127.0.0.1", "127.0.0.2"})
	require.NoError(t, err)
	_, err = svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)

	// simulate counter loss, then rebuild from the running job
	_, err = pool.Exec(ctx, `DELETE FROM heatmap`)
	require.NoError(t, err)

	require.NoError(t, svc.ReconcileHeatmap(ctx))
	require.NoError(t, svc.ReadynetRecount(ctx))

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count FROM heatmap WHERE hashval = $1`, "127.0.0.0/24").Scan(&count))
	assert.Equal(t, 1, count)

	// bucket is hot again, nothing assignable
	assignment, err := svc.JobAssign(ctx, "", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestSaveHeatmap(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()

	cfg := config.SchedulerConfig{
		VarDir:        t.TempDir(),
		AssignTimeout: 3 * time.Second,
		OutputTimeout: 30 * time.Second,
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := scheduler.NewService(pool, cfg, log)

	_, err := pool.Exec(ctx, `INSERT INTO heatmap (hashval, count) VALUES ('127.0.0.0/24', 3)`)
	require.NoError(t, err)

	require.NoError(t, svc.SaveHeatmap(ctx))

	data, err := os.ReadFile(filepath.Join(cfg.VarDir, "heatmap.json"))
	require.NoError(t, err)
	counts := map[string]int{}
	require.NoError(t, json.Unmarshal(data, &counts))
	assert.Equal(t, map[string]int{"127.0.0.0/24": 3}, counts)
}
