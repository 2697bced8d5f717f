package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sner-project/sner/internal/scheduler"
	"github.com/sner-project/sner/pkg/models"
	"gopkg.in/yaml.v3"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Queues ---

func (s *PostgresStore) CreateQueue(ctx context.Context, queue *models.Queue) error {
	var qcfg struct {
		Module string `yaml:"module"`
	}
	if err := yaml.Unmarshal([]byte(queue.Config), &qcfg); err != nil {
		return fmt.Errorf("invalid queue config: %w", err)
	}
	if qcfg.Module == "" {
		return errors.New("queue config must name a module")
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO queue (name, config, group_size, priority, active, reqs)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		queue.Name, queue.Config, queue.GroupSize, queue.Priority, queue.Active, queue.Reqs,
	).Scan(&queue.ID, &queue.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

const queueColumns = `id, name, config, group_size, priority, active, reqs, created_at`

func scanQueue(row pgx.Row) (*models.Queue, error) {
	var q models.Queue
	err := row.Scan(&q.ID, &q.Name, &q.Config, &q.GroupSize, &q.Priority, &q.Active, &q.Reqs, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) GetQueue(ctx context.Context, id int64) (*models.Queue, error) {
	return scanQueue(s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue WHERE id = $1`, id))
}

func (s *PostgresStore) GetQueueByName(ctx context.Context, name string) (*models.Queue, error) {
	return scanQueue(s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue WHERE name = $1`, name))
}

func (s *PostgresStore) ListQueues(ctx context.Context) ([]*models.Queue, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+queueColumns+` FROM queue ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var queues []*models.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// --- Jobs (read side; lifecycle mutations live in the scheduler service) ---

const jobColumns = `id, queue_id, assignment, retval, time_start, time_end`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.QueueID, &j.Assignment, &j.Retval, &j.TimeStart, &j.TimeEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job WHERE id = $1`, id))
}

func (s *PostgresStore) ListQueueJobs(ctx context.Context, queueID int64) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM job WHERE queue_id = $1 ORDER BY time_start`, queueID)
	if err != nil {
		return nil, fmt.Errorf("list queue jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// FindFinishedJob returns the oldest successfully finished job in the
// named queue, or ErrNotFound.
func (s *PostgresStore) FindFinishedJob(ctx context.Context, queueName string) (*models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT j.id, j.queue_id, j.assignment, j.retval, j.time_start, j.time_end
		 FROM job j JOIN queue q ON j.queue_id = q.id
		 WHERE q.name = $1 AND j.retval = 0
		 ORDER BY j.time_start LIMIT 1`, queueName))
}

// --- Exclusions ---

func (s *PostgresStore) CreateExcl(ctx context.Context, excl *models.Excl) error {
	// a rule that cannot compile would poison every future assignment
	if _, err := scheduler.NewExclMatcher([]*models.Excl{excl}); err != nil {
		return err
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO excl (family, value, comment) VALUES ($1, $2, $3) RETURNING id`,
		excl.Family, excl.Value, excl.Comment,
	).Scan(&excl.ID)
	if err != nil {
		return fmt.Errorf("create excl: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExcls(ctx context.Context) ([]*models.Excl, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, family, value, comment FROM excl ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list excls: %w", err)
	}
	defer rows.Close()

	var excls []*models.Excl
	for rows.Next() {
		var e models.Excl
		if err := rows.Scan(&e.ID, &e.Family, &e.Value, &e.Comment); err != nil {
			return nil, fmt.Errorf("scan excl: %w", err)
		}
		excls = append(excls, &e)
	}
	return excls, rows.Err()
}

// --- Stats ---

func (s *PostgresStore) JobStats(ctx context.Context, staleHorizon time.Time) (*JobStats, error) {
	var st JobStats
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE retval IS NULL AND time_start > $1),
		   COUNT(*) FILTER (WHERE retval IS NULL AND time_start <= $1),
		   COUNT(*) FILTER (WHERE retval = 0),
		   COUNT(*) FILTER (WHERE retval IS NOT NULL AND retval != 0)
		 FROM job`, staleHorizon,
	).Scan(&st.Running, &st.Stale, &st.Finished, &st.Failed)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) QueueTargetCounts(ctx context.Context) ([]QueueTargetCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT q.name, COUNT(t.id) FROM queue q
		 LEFT JOIN target t ON t.queue_id = q.id
		 GROUP BY q.name ORDER BY q.name`)
	if err != nil {
		return nil, fmt.Errorf("queue target counts: %w", err)
	}
	defer rows.Close()

	var counts []QueueTargetCount
	for rows.Next() {
		var c QueueTargetCount
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, fmt.Errorf("scan queue target count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *PostgresStore) StorageCounts(ctx context.Context) (*StorageCounts, error) {
	var c StorageCounts
	err := s.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM host),
		   (SELECT COUNT(*) FROM service),
		   (SELECT COUNT(*) FROM vuln),
		   (SELECT COUNT(*) FROM note)`,
	).Scan(&c.Hosts, &c.Services, &c.Vulns, &c.Notes)
	if err != nil {
		return nil, fmt.Errorf("storage counts: %w", err)
	}
	return &c, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, role, api_networks, last_used_at, created_at
		 FROM api_keys WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api keys by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Role,
			&k.APINetworks, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, role, api_networks, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Role, key.APINetworks, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
