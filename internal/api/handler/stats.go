package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sner-project/sner/internal/cache"
	"github.com/sner-project/sner/internal/store"
)

// staleJobHorizon is the age at which a running job is reported stale.
const staleJobHorizon = 5 * 24 * time.Hour

// statsCacheTTL bounds staleness of the cached exposition.
const statsCacheTTL = 10 * time.Second

// StatsStore defines the aggregate queries the stats endpoint depends on.
type StatsStore interface {
	JobStats(ctx context.Context, staleHorizon time.Time) (*store.JobStats, error)
	QueueTargetCounts(ctx context.Context) ([]store.QueueTargetCount, error)
	StorageCounts(ctx context.Context) (*store.StorageCounts, error)
}

// NewStatsHandler returns the handler for GET /api/v2/stats/prometheus,
// a text exposition of queue, job and storage counters. The exposition
// is cached briefly; cache is optional and fail-open.
func NewStatsHandler(st StatsStore, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if c != nil {
			if raw, found, err := c.Get(ctx, cache.StatsKey()); err == nil && found {
				w.Header().Set("Content-Type", "text/plain; version=0.0.4")
				w.Write(raw)
				return
			}
		}

		queueCounts, err := st.QueueTargetCounts(ctx)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		jobStats, err := st.JobStats(ctx, time.Now().UTC().Add(-staleJobHorizon))
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		storageCounts, err := st.StorageCounts(ctx)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		var b strings.Builder
		for _, qc := range queueCounts {
			fmt.Fprintf(&b, "sner_scheduler_queue_targets_total{queue=%q} %d\n", qc.Name, qc.Count)
		}
		fmt.Fprintf(&b, "sner_scheduler_jobs_total{state=\"running\"} %d\n", jobStats.Running)
		fmt.Fprintf(&b, "sner_scheduler_jobs_total{state=\"stale\"} %d\n", jobStats.Stale)
		fmt.Fprintf(&b, "sner_scheduler_jobs_total{state=\"finished\"} %d\n", jobStats.Finished)
		fmt.Fprintf(&b, "sner_scheduler_jobs_total{state=\"failed\"} %d\n", jobStats.Failed)
		fmt.Fprintf(&b, "sner_storage_hosts_total %d\n", storageCounts.Hosts)
		fmt.Fprintf(&b, "sner_storage_services_total %d\n", storageCounts.Services)
		fmt.Fprintf(&b, "sner_storage_vulns_total %d\n", storageCounts.Vulns)
		fmt.Fprintf(&b, "sner_storage_notes_total %d\n", storageCounts.Notes)

		raw := []byte(b.String())
		if c != nil {
			c.Set(ctx, cache.StatsKey(), raw, statsCacheTTL)
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write(raw)
	}
}
