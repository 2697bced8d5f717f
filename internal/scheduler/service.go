package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/sner-project/sner/internal/config"
	"github.com/sner-project/sner/pkg/models"
)

// Scheduler state is guarded by a single postgres advisory lock so the
// server and the planner can mutate targets, readynets and the heatmap
// from separate processes without torn state.
const advisoryLockID = 1

var (
	// ErrBusy is returned when the advisory lock cannot be obtained
	// within the operation timeout.
	ErrBusy = errors.New("scheduler busy")

	ErrJobNotFound    = errors.New("job not found")
	ErrJobNotFinished = errors.New("job not finished")
	ErrJobNotRunning  = errors.New("job not running")
	ErrQueueHasJobs   = errors.New("queue has jobs")
)

// Service implements the scheduler core: job assignment with heatmap
// rate limiting, job output collection and queue/job administration.
type Service struct {
	pool *pgxpool.Pool
	cfg  config.SchedulerConfig
	log  *slog.Logger
}

func NewService(pool *pgxpool.Pool, cfg config.SchedulerConfig, log *slog.Logger) *Service {
	return &Service{pool: pool, cfg: cfg, log: log}
}

// withLock runs fn inside a transaction holding the scheduler advisory
// lock. The lock is transaction scoped, released on commit or rollback.
func (s *Service) withLock(ctx context.Context, timeout time.Duration, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return ErrBusy
		}
		return fmt.Errorf("advisory lock: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// queueOutputDir is where collected job outputs for a queue land.
func (s *Service) queueOutputDir(queueID int64) string {
	return filepath.Join(s.cfg.VarDir, "scheduler", fmt.Sprintf("queue-%d", queueID))
}

// JobOutputPath returns the on-disk location of a collected job output.
func (s *Service) JobOutputPath(queueID int64, jobID uuid.UUID) string {
	return filepath.Join(s.queueOutputDir(queueID), jobID.String())
}

// JobAssign hands out a batch of targets for an eligible queue. When
// queueName is empty, the highest-priority active queue whose reqs are
// covered by caps and which has an available bucket is used. Returns
// (nil, nil) when no work is available. Returns ErrBusy when the
// scheduler lock is contended.
func (s *Service) JobAssign(ctx context.Context, queueName string, caps []string) (*models.Assignment, error) {
	var assignment *models.Assignment

	err := s.withLock(ctx, s.cfg.AssignTimeout, func(tx pgx.Tx) error {
		if s.cfg.HeatmapGCProbability > 0 && rand.Float64() < s.cfg.HeatmapGCProbability {
			if _, err := tx.Exec(ctx, `DELETE FROM heatmap WHERE count <= 0`); err != nil {
				return fmt.Errorf("heatmap gc: %w", err)
			}
		}

		queue, err := s.selectQueue(ctx, tx, queueName, caps)
		if err != nil {
			return err
		}
		if queue == nil {
			return nil
		}

		matcher, err := s.loadExclMatcher(ctx, tx)
		if err != nil {
			return err
		}

		targets, err := s.drawTargets(ctx, tx, queue, matcher)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return nil
		}

		queueConfig := map[string]any{}
		if err := yaml.Unmarshal([]byte(queue.Config), &queueConfig); err != nil {
			return fmt.Errorf("queue %q config: %w", queue.Name, err)
		}

		jobID := uuid.New()
		assignment = &models.Assignment{
			ID:      jobID.String(),
			Config:  queueConfig,
			Targets: targets,
		}
		encoded, err := json.Marshal(assignment)
		if err != nil {
			return fmt.Errorf("encode assignment: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO job (id, queue_id, assignment, time_start) VALUES ($1, $2, $3, NOW())`,
			jobID, queue.ID, string(encoded)); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		s.log.Info("job assigned", "job_id", jobID, "queue", queue.Name, "targets", len(targets))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}

// selectQueue picks the queue to assign from. Only active queues with at
// least one readynet are considered.
func (s *Service) selectQueue(ctx context.Context, tx pgx.Tx, queueName string, caps []string) (*models.Queue, error) {
	var row pgx.Row
	if queueName != "" {
		row = tx.QueryRow(ctx,
			`SELECT id, name, config, group_size, priority, active, reqs, created_at
			 FROM queue
			 WHERE name = $1 AND active AND reqs <@ $2::text[]
			   AND EXISTS (SELECT 1 FROM readynet WHERE readynet.queue_id = queue.id)`,
			queueName, caps)
	} else {
		row = tx.QueryRow(ctx,
			`SELECT id, name, config, group_size, priority, active, reqs, created_at
			 FROM queue
			 WHERE active AND reqs <@ $1::text[]
			   AND EXISTS (SELECT 1 FROM readynet WHERE readynet.queue_id = queue.id)
			 ORDER BY priority DESC, random()
			 LIMIT 1`,
			caps)
	}

	var queue models.Queue
	err := row.Scan(&queue.ID, &queue.Name, &queue.Config, &queue.GroupSize,
		&queue.Priority, &queue.Active, &queue.Reqs, &queue.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queue: %w", err)
	}
	return &queue, nil
}

func (s *Service) loadExclMatcher(ctx context.Context, tx pgx.Tx) (*ExclMatcher, error) {
	rows, err := tx.Query(ctx, `SELECT id, family, value, comment FROM excl`)
	if err != nil {
		return nil, fmt.Errorf("load exclusions: %w", err)
	}
	defer rows.Close()

	var excls []*models.Excl
	for rows.Next() {
		var excl models.Excl
		if err := rows.Scan(&excl.ID, &excl.Family, &excl.Value, &excl.Comment); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		excls = append(excls, &excl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return NewExclMatcher(excls)
}

// drawTargets accumulates up to group_size targets. Each round picks a
// random available bucket, pops a single target from it by its random
// tiebreaker and heats the bucket up. Popping one at a time keeps the
// heat check exact: a bucket one step below hot_level yields exactly
// one more target before it stops being selectable. Excluded targets
// are dropped silently. The loop ends when the batch is full or the
// queue has no available bucket left.
func (s *Service) drawTargets(ctx context.Context, tx pgx.Tx, queue *models.Queue, matcher *ExclMatcher) ([]string, error) {
	var targets []string

	for len(targets) < queue.GroupSize {
		var hashval string
		err := tx.QueryRow(ctx,
			`SELECT hashval FROM readynet WHERE queue_id = $1 ORDER BY random() LIMIT 1`,
			queue.ID).Scan(&hashval)
		if errors.Is(err, pgx.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("select readynet: %w", err)
		}

		var target string
		err = tx.QueryRow(ctx,
			`DELETE FROM target WHERE id = (
			   SELECT id FROM target WHERE queue_id = $1 AND hashval = $2
			   ORDER BY rand LIMIT 1)
			 RETURNING target`,
			queue.ID, hashval).Scan(&target)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pop target: %w", err)
		}

		if err == nil {
			if matcher.Match(target) {
				s.log.Debug("target excluded", "queue", queue.Name, "target", target)
			} else {
				targets = append(targets, target)
				if err := heatmapPut(ctx, tx, s.cfg.HeatmapHotLevel, hashval); err != nil {
					return nil, err
				}
			}
		}

		// drop the readynet once the queue's bucket is exhausted
		var remains bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM target WHERE queue_id = $1 AND hashval = $2)`,
			queue.ID, hashval).Scan(&remains)
		if err != nil {
			return nil, fmt.Errorf("check bucket: %w", err)
		}
		if !remains {
			if _, err := tx.Exec(ctx,
				`DELETE FROM readynet WHERE queue_id = $1 AND hashval = $2`,
				queue.ID, hashval); err != nil {
				return nil, fmt.Errorf("delete readynet: %w", err)
			}
		}
	}
	return targets, nil
}

// JobOutput stores the output of a finished job and cools its heatmap
// buckets. Unknown job ids and repeated deliveries are discarded
// without error so agent retries stay idempotent; the returned flag
// reports whether the output was actually accepted.
func (s *Service) JobOutput(ctx context.Context, jobID uuid.UUID, retval int, output []byte) (bool, error) {
	accepted := false
	err := s.withLock(ctx, s.cfg.OutputTimeout, func(tx pgx.Tx) error {
		var queueID int64
		var rawAssignment string
		var currentRetval *int
		err := tx.QueryRow(ctx,
			`SELECT queue_id, assignment, retval FROM job WHERE id = $1`,
			jobID).Scan(&queueID, &rawAssignment, &currentRetval)
		if errors.Is(err, pgx.ErrNoRows) {
			s.log.Warn("output for unknown job discarded", "job_id", jobID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("select job: %w", err)
		}
		if currentRetval != nil {
			s.log.Warn("output for finished job discarded", "job_id", jobID)
			return nil
		}

		outputDir := s.queueOutputDir(queueID)
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(outputDir, jobID.String()), output, 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE job SET retval = $2, time_end = NOW() WHERE id = $1`,
			jobID, retval); err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		if err := s.coolJobTargets(ctx, tx, rawAssignment); err != nil {
			return err
		}

		s.log.Info("job output received", "job_id", jobID, "retval", retval, "size", len(output))
		accepted = true
		return nil
	})
	return accepted, err
}

// coolJobTargets pops the heatmap for every target of an assignment.
func (s *Service) coolJobTargets(ctx context.Context, tx pgx.Tx, rawAssignment string) error {
	var assignment models.Assignment
	if err := json.Unmarshal([]byte(rawAssignment), &assignment); err != nil {
		return fmt.Errorf("decode assignment: %w", err)
	}
	for _, target := range assignment.Targets {
		if err := heatmapPop(ctx, tx, s.cfg.HeatmapHotLevel, Hashval(target)); err != nil {
			return err
		}
	}
	return nil
}

// JobDelete removes a finished job and its output file.
func (s *Service) JobDelete(ctx context.Context, jobID uuid.UUID) error {
	return s.withLock(ctx, s.cfg.OutputTimeout, func(tx pgx.Tx) error {
		return s.deleteJob(ctx, tx, jobID)
	})
}

func (s *Service) deleteJob(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error {
	var queueID int64
	var retval *int
	err := tx.QueryRow(ctx,
		`SELECT queue_id, retval FROM job WHERE id = $1`, jobID).Scan(&queueID, &retval)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("select job: %w", err)
	}
	if retval == nil {
		return ErrJobNotFinished
	}

	outputPath := filepath.Join(s.queueOutputDir(queueID), jobID.String())
	if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove output: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM job WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// JobReconcile force-finishes a crashed or lost running job with
// retval -1 and cools its heatmap buckets. Targets are not requeued.
func (s *Service) JobReconcile(ctx context.Context, jobID uuid.UUID) error {
	return s.withLock(ctx, s.cfg.OutputTimeout, func(tx pgx.Tx) error {
		var rawAssignment string
		var retval *int
		err := tx.QueryRow(ctx,
			`SELECT assignment, retval FROM job WHERE id = $1`, jobID).Scan(&rawAssignment, &retval)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("select job: %w", err)
		}
		if retval != nil {
			return ErrJobNotRunning
		}

		if _, err := tx.Exec(ctx,
			`UPDATE job SET retval = -1, time_end = NOW() WHERE id = $1`, jobID); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if err := s.coolJobTargets(ctx, tx, rawAssignment); err != nil {
			return err
		}

		s.log.Info("job reconciled", "job_id", jobID)
		return nil
	})
}

// JobRepeat re-enqueues the targets of a finished job into its queue and
// deletes the job. Running jobs must be reconciled first.
func (s *Service) JobRepeat(ctx context.Context, jobID uuid.UUID) error {
	return s.withLock(ctx, s.cfg.OutputTimeout, func(tx pgx.Tx) error {
		var queueID int64
		var rawAssignment string
		var retval *int
		err := tx.QueryRow(ctx,
			`SELECT queue_id, assignment, retval FROM job WHERE id = $1`,
			jobID).Scan(&queueID, &rawAssignment, &retval)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("select job: %w", err)
		}
		if retval == nil {
			return ErrJobNotFinished
		}

		var assignment models.Assignment
		if err := json.Unmarshal([]byte(rawAssignment), &assignment); err != nil {
			return fmt.Errorf("decode assignment: %w", err)
		}
		if _, err := s.enqueue(ctx, tx, queueID, assignment.Targets); err != nil {
			return err
		}
		if err := s.deleteJob(ctx, tx, jobID); err != nil {
			return err
		}

		s.log.Info("job repeated", "job_id", jobID, "targets", len(assignment.Targets))
		return nil
	})
}

// Enqueue adds targets to a queue, deduplicating against targets already
// enqueued there, and refreshes the queue's readynets for any bucket
// that is not hot. Returns the number of targets actually added.
func (s *Service) Enqueue(ctx context.Context, queueID int64, targets []string) (int, error) {
	var added int
	err := s.withLock(ctx, s.cfg.OutputTimeout, func(tx pgx.Tx) error {
		var err error
		added, err = s.enqueue(ctx, tx, queueID, targets)
		return err
	})
	return added, err
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, queueID int64, targets []string) (int, error) {
	seen := map[string]bool{}
	var cleaned []string
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		cleaned = append(cleaned, target)
	}
	if len(cleaned) == 0 {
		return 0, nil
	}

	rows, err := tx.Query(ctx,
		`SELECT DISTINCT target FROM target WHERE queue_id = $1 AND target = ANY($2)`,
		queueID, cleaned)
	if err != nil {
		return 0, fmt.Errorf("enqueue dedup: %w", err)
	}
	for rows.Next() {
		var existing string
		if err := rows.Scan(&existing); err != nil {
			rows.Close()
			return 0, fmt.Errorf("enqueue dedup scan: %w", err)
		}
		seen[existing] = false
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var inserts, hashvals, allHashvals []string
	var rands []float64
	for _, target := range cleaned {
		if !seen[target] {
			continue
		}
		inserts = append(inserts, target)
		hashvals = append(hashvals, Hashval(target))
		rands = append(rands, rand.Float64())
	}
	if len(inserts) == 0 {
		return 0, nil
	}
	allHashvals = uniqueStrings(hashvals)

	if _, err := tx.Exec(ctx,
		`INSERT INTO target (queue_id, target, hashval, rand)
		 SELECT $1, u.t, u.h, u.r FROM unnest($2::text[], $3::text[], $4::float8[]) AS u(t, h, r)`,
		queueID, inserts, hashvals, rands); err != nil {
		return 0, fmt.Errorf("enqueue insert: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO readynet (queue_id, hashval)
		 SELECT $1, u.h FROM unnest($2::text[]) AS u(h)
		 WHERE $3 = 0 OR NOT EXISTS (
		   SELECT 1 FROM heatmap WHERE heatmap.hashval = u.h AND heatmap.count >= $3)
		 ON CONFLICT DO NOTHING`,
		queueID, allHashvals, s.cfg.HeatmapHotLevel); err != nil {
		return 0, fmt.Errorf("enqueue readynet: %w", err)
	}

	return len(inserts), nil
}

// QueueFlush discards all pending targets and readynets of a queue.
// Running jobs and the heatmap are untouched.
func (s *Service) QueueFlush(ctx context.Context, queueID int64) error {
	return s.withLock(ctx, s.cfg.OutputTimeout, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM target WHERE queue_id = $1`, queueID); err != nil {
			return fmt.Errorf("flush targets: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM readynet WHERE queue_id = $1`, queueID); err != nil {
			return fmt.Errorf("flush readynets: %w", err)
		}
		return nil
	})
}

// QueuePrune deletes all finished jobs of a queue together with their
// output files. Running jobs are kept.
func (s *Service) QueuePrune(ctx context.Context, queueID int64) error {
	return s.withLock(ctx, s.cfg.OutputTimeout, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id FROM job WHERE queue_id = $1 AND retval IS NOT NULL`, queueID)
		if err != nil {
			return fmt.Errorf("prune select: %w", err)
		}
		var jobIDs []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("prune scan: %w", err)
			}
			jobIDs = append(jobIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range jobIDs {
			outputPath := filepath.Join(s.queueOutputDir(queueID), id.String())
			if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("prune output: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM job WHERE queue_id = $1 AND retval IS NOT NULL`, queueID); err != nil {
			return fmt.Errorf("prune jobs: %w", err)
		}
		return nil
	})
}

// QueueDelete removes a queue with its targets and readynets. Queues
// still holding jobs cannot be deleted.
func (s *Service) QueueDelete(ctx context.Context, queueID int64) error {
	return s.withLock(ctx, s.cfg.OutputTimeout, func(tx pgx.Tx) error {
		var hasJobs bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM job WHERE queue_id = $1)`, queueID).Scan(&hasJobs)
		if err != nil {
			return fmt.Errorf("queue delete check: %w", err)
		}
		if hasJobs {
			return ErrQueueHasJobs
		}

		if _, err := tx.Exec(ctx, `DELETE FROM queue WHERE id = $1`, queueID); err != nil {
			return fmt.Errorf("delete queue: %w", err)
		}
		if err := os.RemoveAll(s.queueOutputDir(queueID)); err != nil {
			return fmt.Errorf("remove queue dir: %w", err)
		}
		return nil
	})
}

// ReadynetRecount rebuilds the readynet table from current targets and
// heatmap state. Used after startup reconciliation and available as a
// repair operation.
func (s *Service) ReadynetRecount(ctx context.Context) error {
	return s.withLock(ctx, s.cfg.OutputTimeout, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM readynet`); err != nil {
			return fmt.Errorf("readynet recount clear: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO readynet (queue_id, hashval)
			 SELECT DISTINCT t.queue_id, t.hashval FROM target t
			 WHERE $1 = 0 OR NOT EXISTS (
			   SELECT 1 FROM heatmap WHERE heatmap.hashval = t.hashval AND heatmap.count >= $1)`,
			s.cfg.HeatmapHotLevel); err != nil {
			return fmt.Errorf("readynet recount: %w", err)
		}
		return nil
	})
}

// ReconcileHeatmap rebuilds heatmap counts from running jobs. Run on
// startup so counts can never drift from actual outstanding work.
func (s *Service) ReconcileHeatmap(ctx context.Context) error {
	return s.withLock(ctx, s.cfg.OutputTimeout, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM heatmap`); err != nil {
			return fmt.Errorf("heatmap reconcile clear: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT assignment FROM job WHERE retval IS NULL`)
		if err != nil {
			return fmt.Errorf("heatmap reconcile select: %w", err)
		}
		counts := map[string]int{}
		for rows.Next() {
			var rawAssignment string
			if err := rows.Scan(&rawAssignment); err != nil {
				rows.Close()
				return fmt.Errorf("heatmap reconcile scan: %w", err)
			}
			var assignment models.Assignment
			if err := json.Unmarshal([]byte(rawAssignment), &assignment); err != nil {
				rows.Close()
				return fmt.Errorf("heatmap reconcile decode: %w", err)
			}
			for _, target := range assignment.Targets {
				counts[Hashval(target)]++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for hashval, count := range counts {
			if _, err := tx.Exec(ctx,
				`INSERT INTO heatmap (hashval, count) VALUES ($1, $2)`, hashval, count); err != nil {
				return fmt.Errorf("heatmap reconcile insert: %w", err)
			}
		}

		s.log.Info("heatmap reconciled", "buckets", len(counts))
		return nil
	})
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
