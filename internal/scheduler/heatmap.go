package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Hashval maps a target to its rate-limit bucket. IPv4 addresses fall
// into their /24 network, IPv6 addresses into their /48. URL-style
// targets (proto://host:port) are bucketed by their host part. Anything
// that does not parse as an address buckets verbatim.
func Hashval(target string) string {
	candidate := target
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
			candidate = u.Hostname()
		}
	}

	addr, err := netip.ParseAddr(candidate)
	if err != nil {
		return target
	}
	addr = addr.Unmap()

	bits := 24
	if addr.Is6() {
		bits = 48
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return target
	}
	return prefix.String()
}

// heatmapPut increments a bucket's running-target count within the
// current scheduler transaction. When a bucket reaches the hot level its
// readynet rows are removed across all queues, stopping further
// assignments from it.
func heatmapPut(ctx context.Context, tx pgx.Tx, hotLevel int, hashval string) error {
	var count int
	err := tx.QueryRow(ctx,
		`INSERT INTO heatmap (hashval, count) VALUES ($1, 1)
		 ON CONFLICT (hashval) DO UPDATE SET count = heatmap.count + 1
		 RETURNING count`, hashval).Scan(&count)
	if err != nil {
		return fmt.Errorf("heatmap put: %w", err)
	}

	if hotLevel > 0 && count >= hotLevel {
		if _, err := tx.Exec(ctx, `DELETE FROM readynet WHERE hashval = $1`, hashval); err != nil {
			return fmt.Errorf("heatmap put readynet: %w", err)
		}
	}
	return nil
}

// heatmapPop decrements a bucket's count. When the bucket cools below
// the hot level, readynet rows are restored for every queue still
// holding targets in it.
func heatmapPop(ctx context.Context, tx pgx.Tx, hotLevel int, hashval string) error {
	var count int
	err := tx.QueryRow(ctx,
		`UPDATE heatmap SET count = count - 1 WHERE hashval = $1 RETURNING count`,
		hashval).Scan(&count)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("heatmap pop: %w", err)
	}

	if hotLevel > 0 && count == hotLevel-1 {
		_, err := tx.Exec(ctx,
			`INSERT INTO readynet (queue_id, hashval)
			 SELECT DISTINCT queue_id, hashval FROM target WHERE hashval = $1
			 ON CONFLICT DO NOTHING`, hashval)
		if err != nil {
			return fmt.Errorf("heatmap pop readynet: %w", err)
		}
	}
	return nil
}

// heatmapIsHot reports whether a bucket is at or over the hot level.
func heatmapIsHot(ctx context.Context, tx pgx.Tx, hotLevel int, hashval string) (bool, error) {
	if hotLevel == 0 {
		return false, nil
	}
	var count int
	err := tx.QueryRow(ctx, `SELECT count FROM heatmap WHERE hashval = $1`, hashval).Scan(&count)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("heatmap check: %w", err)
	}
	return count >= hotLevel, nil
}

// SaveHeatmap snapshots current bucket counts to VAR/heatmap.json for
// operator inspection. Counts themselves live in the heatmap table and
// are rebuilt from running jobs on startup.
func (s *Service) SaveHeatmap(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT hashval, count FROM heatmap WHERE count > 0`)
	if err != nil {
		return fmt.Errorf("save heatmap: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var hashval string
		var count int
		if err := rows.Scan(&hashval, &count); err != nil {
			return fmt.Errorf("save heatmap scan: %w", err)
		}
		counts[hashval] = count
	}
	if err := rows.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("save heatmap marshal: %w", err)
	}
	if err := os.MkdirAll(s.cfg.VarDir, 0o755); err != nil {
		return fmt.Errorf("save heatmap: %w", err)
	}
	return os.WriteFile(filepath.Join(s.cfg.VarDir, "heatmap.json"), data, 0o644)
}
