package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sner-project/sner/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// JobStats aggregates job counts by state for the stats endpoint. Running
// jobs older than the stale horizon are reported separately.
type JobStats struct {
	Running  int
	Stale    int
	Finished int
	Failed   int
}

// QueueTargetCount pairs a queue name with its pending target count.
type QueueTargetCount struct {
	Name  string
	Count int
}

// StorageCounts aggregates storage entity totals.
type StorageCounts struct {
	Hosts    int
	Services int
	Vulns    int
	Notes    int
}

// Store is the data access interface for everything outside the
// scheduler's advisory-lock critical section. Scheduler state mutations
// (Target/Readynet/Heatmap/Job lifecycle) live in the scheduler service,
// which owns them exclusively.
type Store interface {
	Ping(ctx context.Context) error

	// queues and jobs, read side
	CreateQueue(ctx context.Context, queue *models.Queue) error
	GetQueue(ctx context.Context, id int64) (*models.Queue, error)
	GetQueueByName(ctx context.Context, name string) (*models.Queue, error)
	ListQueues(ctx context.Context) ([]*models.Queue, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListQueueJobs(ctx context.Context, queueID int64) ([]*models.Job, error)
	FindFinishedJob(ctx context.Context, queueName string) (*models.Job, error)

	// exclusions
	CreateExcl(ctx context.Context, excl *models.Excl) error
	ListExcls(ctx context.Context) ([]*models.Excl, error)

	// stats
	JobStats(ctx context.Context, staleHorizon time.Time) (*JobStats, error)
	QueueTargetCounts(ctx context.Context) ([]QueueTargetCount, error)
	StorageCounts(ctx context.Context) (*StorageCounts, error)

	// api keys
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	StorageStore
}

// StorageStore is the data access interface for the storage model
// (hosts/services/vulns/notes and the materialised projections).
type StorageStore interface {
	GetHostByAddress(ctx context.Context, address string) (*models.Host, error)
	ListHostsByRange(ctx context.Context, cidr string) ([]*models.Host, error)
	UpsertHost(ctx context.Context, host *models.Host) (int64, error)
	UpsertService(ctx context.Context, service *models.Service) (int64, error)
	UpsertVuln(ctx context.Context, vuln *models.Vuln) (int64, error)
	UpsertNote(ctx context.Context, note *models.Note) (int64, error)

	ListServices(ctx context.Context, f StorageFilter) ([]*models.Service, map[int64]*models.Host, error)
	ListNotes(ctx context.Context, f StorageFilter) ([]*models.Note, map[int64]*models.Host, error)
	ListVersioninfo(ctx context.Context, f StorageFilter) ([]*models.Versioninfo, error)
	ListVulnsearch(ctx context.Context, f StorageFilter) ([]*models.Vulnsearch, error)

	// rescan emitters; windowed iteration with bulk rescan_time update
	RescanServices(ctx context.Context, horizon time.Time) ([]string, error)
	RescanHosts(ctx context.Context, horizon time.Time) ([]string, error)
	SixHostAddresses(ctx context.Context) ([]string, error)

	CleanupStorage(ctx context.Context) error
	RebuildVersioninfo(ctx context.Context) error
}

// StorageFilter restricts a storage listing. Networks is the caller's
// api_networks grant, Where/Args an optional compiled filter expression.
type StorageFilter struct {
	Networks []string
	Where    string
	Args     []any
}
