package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sner-project/sner/pkg/models"
)

// window size for iteration over potentially large result sets
const queryWindow = 1000

// --- Hosts ---

const hostColumns = `id, address, hostname, os, tags, comment, created, modified, rescan_time`

func scanHost(row pgx.Row) (*models.Host, error) {
	var h models.Host
	err := row.Scan(&h.ID, &h.Address, &h.Hostname, &h.OS, &h.Tags, &h.Comment,
		&h.Created, &h.Modified, &h.RescanTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan host: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) GetHostByAddress(ctx context.Context, address string) (*models.Host, error) {
	return scanHost(s.pool.QueryRow(ctx,
		`SELECT `+hostColumns+` FROM host WHERE address = $1 ORDER BY id LIMIT 1`, address))
}

func (s *PostgresStore) ListHostsByRange(ctx context.Context, cidr string) ([]*models.Host, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+hostColumns+` FROM host WHERE address::inet <<= $1::inet ORDER BY address::inet`, cidr)
	if err != nil {
		return nil, fmt.Errorf("list hosts by range: %w", err)
	}
	defer rows.Close()

	var hosts []*models.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// UpsertHost inserts the host or merges it into an existing row with the
// same address. Non-empty incoming fields win, empty ones never overwrite.
func (s *PostgresStore) UpsertHost(ctx context.Context, host *models.Host) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM host WHERE address = $1 ORDER BY id LIMIT 1`,
		host.Address).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO host (address, hostname, os, tags, comment)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			host.Address, host.Hostname, host.OS, emptyToNilSlice(host.Tags), host.Comment,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert host: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup host: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE host SET
		   hostname = CASE WHEN $2 <> '' THEN $2 ELSE hostname END,
		   os = CASE WHEN $3 <> '' THEN $3 ELSE os END,
		   tags = ARRAY(SELECT DISTINCT unnest(tags || $4::text[]) ORDER BY 1),
		   modified = NOW()
		 WHERE id = $1`,
		id, host.Hostname, host.OS, emptyToNilSlice(host.Tags))
	if err != nil {
		return 0, fmt.Errorf("update host: %w", err)
	}
	return id, nil
}

// --- Services ---

// UpsertService inserts or merges a service keyed by (host, proto, port).
func (s *PostgresStore) UpsertService(ctx context.Context, service *models.Service) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM service WHERE host_id = $1 AND proto = $2 AND port = $3`,
		service.HostID, service.Proto, service.Port).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO service (host_id, proto, port, state, name, info, tags, import_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			service.HostID, service.Proto, service.Port, service.State, service.Name,
			service.Info, emptyToNilSlice(service.Tags), service.ImportTime,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert service: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup service: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE service SET
		   state = CASE WHEN $2 <> '' THEN $2 ELSE state END,
		   name = CASE WHEN $3 <> '' THEN $3 ELSE name END,
		   info = CASE WHEN $4 <> '' THEN $4 ELSE info END,
		   tags = ARRAY(SELECT DISTINCT unnest(tags || $5::text[]) ORDER BY 1),
		   import_time = COALESCE($6, import_time),
		   modified = NOW()
		 WHERE id = $1`,
		id, service.State, service.Name, service.Info, emptyToNilSlice(service.Tags), service.ImportTime)
	if err != nil {
		return 0, fmt.Errorf("update service: %w", err)
	}
	return id, nil
}

// --- Vulns ---

// UpsertVuln inserts or merges a vuln keyed by (host, service, xtype,
// via_target), mirroring the parsed-item handle.
func (s *PostgresStore) UpsertVuln(ctx context.Context, vuln *models.Vuln) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM vuln
		 WHERE host_id = $1 AND service_id IS NOT DISTINCT FROM $2
		   AND xtype = $3 AND via_target = $4`,
		vuln.HostID, vuln.ServiceID, vuln.Xtype, vuln.ViaTarget).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		severity := vuln.Severity
		if severity == "" {
			severity = models.SeverityUnknown
		}
		err = s.pool.QueryRow(ctx,
			`INSERT INTO vuln (host_id, service_id, name, xtype, severity, descr, data, refs, tags, via_target)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
			vuln.HostID, vuln.ServiceID, vuln.Name, vuln.Xtype, severity, vuln.Descr,
			vuln.Data, emptyToNilSlice(vuln.Refs), emptyToNilSlice(vuln.Tags), vuln.ViaTarget,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert vuln: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup vuln: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE vuln SET
		   name = CASE WHEN $2 <> '' THEN $2 ELSE name END,
		   severity = CASE WHEN $3 <> '' THEN $3 ELSE severity END,
		   descr = CASE WHEN $4 <> '' THEN $4 ELSE descr END,
		   data = CASE WHEN $5 <> '' THEN $5 ELSE data END,
		   refs = ARRAY(SELECT DISTINCT unnest(refs || $6::text[]) ORDER BY 1),
		   tags = ARRAY(SELECT DISTINCT unnest(tags || $7::text[]) ORDER BY 1),
		   modified = NOW()
		 WHERE id = $1`,
		id, vuln.Name, vuln.Severity, vuln.Descr, vuln.Data,
		emptyToNilSlice(vuln.Refs), emptyToNilSlice(vuln.Tags))
	if err != nil {
		return 0, fmt.Errorf("update vuln: %w", err)
	}
	return id, nil
}

// --- Notes ---

// UpsertNote inserts or merges a note keyed by (host, service, xtype,
// via_target).
func (s *PostgresStore) UpsertNote(ctx context.Context, note *models.Note) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM note
		 WHERE host_id = $1 AND service_id IS NOT DISTINCT FROM $2
		   AND xtype = $3 AND via_target = $4`,
		note.HostID, note.ServiceID, note.Xtype, note.ViaTarget).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO note (host_id, service_id, xtype, data, tags, via_target)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			note.HostID, note.ServiceID, note.Xtype, note.Data,
			emptyToNilSlice(note.Tags), note.ViaTarget,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert note: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup note: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE note SET
		   data = CASE WHEN $2 <> '' THEN $2 ELSE data END,
		   tags = ARRAY(SELECT DISTINCT unnest(tags || $3::text[]) ORDER BY 1),
		   modified = NOW()
		 WHERE id = $1`,
		id, note.Data, emptyToNilSlice(note.Tags))
	if err != nil {
		return 0, fmt.Errorf("update note: %w", err)
	}
	return id, nil
}

// --- Listings for the public storage API ---

func networksClause(argIdx int) string {
	return fmt.Sprintf("h.address::inet <<= ANY($%d::inet[])", argIdx)
}

func (s *PostgresStore) ListServices(ctx context.Context, f StorageFilter) ([]*models.Service, map[int64]*models.Host, error) {
	query := `SELECT s.id, s.host_id, s.proto, s.port, s.state, s.name, s.info, s.tags,
	            s.comment, s.created, s.modified, s.rescan_time, s.import_time,
	            h.id, h.address, h.hostname, h.os, h.tags, h.comment, h.created, h.modified, h.rescan_time
	          FROM service s JOIN host h ON s.host_id = h.id
	          WHERE ` + networksClause(1)
	args := []any{f.Networks}
	if f.Where != "" {
		query += " AND (" + f.Where + ")"
		args = append(args, f.Args...)
	}
	query += " ORDER BY h.address::inet, s.proto, s.port"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var services []*models.Service
	hosts := make(map[int64]*models.Host)
	for rows.Next() {
		var svc models.Service
		var h models.Host
		if err := rows.Scan(&svc.ID, &svc.HostID, &svc.Proto, &svc.Port, &svc.State, &svc.Name,
			&svc.Info, &svc.Tags, &svc.Comment, &svc.Created, &svc.Modified, &svc.RescanTime,
			&svc.ImportTime,
			&h.ID, &h.Address, &h.Hostname, &h.OS, &h.Tags, &h.Comment, &h.Created, &h.Modified,
			&h.RescanTime); err != nil {
			return nil, nil, fmt.Errorf("scan service: %w", err)
		}
		services = append(services, &svc)
		if _, ok := hosts[h.ID]; !ok {
			hcopy := h
			hosts[h.ID] = &hcopy
		}
	}
	return services, hosts, rows.Err()
}

func (s *PostgresStore) ListNotes(ctx context.Context, f StorageFilter) ([]*models.Note, map[int64]*models.Host, error) {
	query := `SELECT n.id, n.host_id, n.service_id, n.xtype, n.data, n.tags, n.via_target,
	            n.created, n.modified,
	            h.id, h.address, h.hostname, h.os, h.tags, h.comment, h.created, h.modified, h.rescan_time
	          FROM note n JOIN host h ON n.host_id = h.id
	          WHERE ` + networksClause(1)
	args := []any{f.Networks}
	if f.Where != "" {
		query += " AND (" + f.Where + ")"
		args = append(args, f.Args...)
	}
	query += " ORDER BY h.address::inet, n.id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []*models.Note
	hosts := make(map[int64]*models.Host)
	for rows.Next() {
		var n models.Note
		var h models.Host
		if err := rows.Scan(&n.ID, &n.HostID, &n.ServiceID, &n.Xtype, &n.Data, &n.Tags,
			&n.ViaTarget, &n.Created, &n.Modified,
			&h.ID, &h.Address, &h.Hostname, &h.OS, &h.Tags, &h.Comment, &h.Created, &h.Modified,
			&h.RescanTime); err != nil {
			return nil, nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, &n)
		if _, ok := hosts[h.ID]; !ok {
			hcopy := h
			hosts[h.ID] = &hcopy
		}
	}
	return notes, hosts, rows.Err()
}

func (s *PostgresStore) ListVersioninfo(ctx context.Context, f StorageFilter) ([]*models.Versioninfo, error) {
	query := `SELECT h.id, h.host_id, h.address, h.hostname, h.proto, h.port, h.product, h.version, h.extra
	          FROM versioninfo h WHERE ` + networksClause(1)
	args := []any{f.Networks}
	if f.Where != "" {
		query += " AND (" + f.Where + ")"
		args = append(args, f.Args...)
	}
	query += " ORDER BY h.address::inet, h.proto, h.port"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versioninfo: %w", err)
	}
	defer rows.Close()

	var items []*models.Versioninfo
	for rows.Next() {
		var v models.Versioninfo
		if err := rows.Scan(&v.ID, &v.HostID, &v.Address, &v.Hostname, &v.Proto, &v.Port,
			&v.Product, &v.Version, &v.Extra); err != nil {
			return nil, fmt.Errorf("scan versioninfo: %w", err)
		}
		items = append(items, &v)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListVulnsearch(ctx context.Context, f StorageFilter) ([]*models.Vulnsearch, error) {
	query := `SELECT h.id, h.host_id, h.address, h.cpe, h.cve_id, h.cvss, h.descr
	          FROM vulnsearch h WHERE ` + networksClause(1)
	args := []any{f.Networks}
	if f.Where != "" {
		query += " AND (" + f.Where + ")"
		args = append(args, f.Args...)
	}
	query += " ORDER BY h.address::inet, h.cve_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list vulnsearch: %w", err)
	}
	defer rows.Close()

	var items []*models.Vulnsearch
	for rows.Next() {
		var v models.Vulnsearch
		if err := rows.Scan(&v.ID, &v.HostID, &v.Address, &v.CPE, &v.CVEID, &v.CVSS, &v.Descr); err != nil {
			return nil, fmt.Errorf("scan vulnsearch: %w", err)
		}
		items = append(items, &v)
	}
	return items, rows.Err()
}

// --- Rescan emitters ---

// RescanServices emits endpoint strings for services due for rescan and
// stamps their rescan_time in one bulk update per window. Iteration is
// windowed by primary key so large storages never load fully into memory.
func (s *PostgresStore) RescanServices(ctx context.Context, horizon time.Time) ([]string, error) {
	var endpoints []string
	lastID := int64(0)
	now := time.Now().UTC()

	for {
		rows, err := s.pool.Query(ctx,
			`SELECT s.id, s.proto, s.port, h.address
			 FROM service s JOIN host h ON s.host_id = h.id
			 WHERE s.rescan_time < $1 AND s.id > $2
			 ORDER BY s.id LIMIT $3`, horizon, lastID, queryWindow)
		if err != nil {
			return nil, fmt.Errorf("rescan services: %w", err)
		}

		var ids []int64
		for rows.Next() {
			var id int64
			var proto, address string
			var port int
			if err := rows.Scan(&id, &proto, &port, &address); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan rescan service: %w", err)
			}
			endpoints = append(endpoints, fmt.Sprintf("%s://%s:%d", proto, formatHostAddress(address), port))
			ids = append(ids, id)
			lastID = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}

		if _, err := s.pool.Exec(ctx,
			`UPDATE service SET rescan_time = $1 WHERE id = ANY($2)`, now, ids); err != nil {
			return nil, fmt.Errorf("stamp service rescan_time: %w", err)
		}
	}
	return endpoints, nil
}

// RescanHosts emits addresses for hosts due for rescan, stamping
// rescan_time the same way as RescanServices.
func (s *PostgresStore) RescanHosts(ctx context.Context, horizon time.Time) ([]string, error) {
	var addresses []string
	lastID := int64(0)
	now := time.Now().UTC()

	for {
		rows, err := s.pool.Query(ctx,
			`SELECT id, address FROM host
			 WHERE rescan_time < $1 AND id > $2
			 ORDER BY id LIMIT $3`, horizon, lastID, queryWindow)
		if err != nil {
			return nil, fmt.Errorf("rescan hosts: %w", err)
		}

		var ids []int64
		for rows.Next() {
			var id int64
			var address string
			if err := rows.Scan(&id, &address); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan rescan host: %w", err)
			}
			addresses = append(addresses, address)
			ids = append(ids, id)
			lastID = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}

		if _, err := s.pool.Exec(ctx,
			`UPDATE host SET rescan_time = $1 WHERE id = ANY($2)`, now, ids); err != nil {
			return nil, fmt.Errorf("stamp host rescan_time: %w", err)
		}
	}
	return addresses, nil
}

// SixHostAddresses lists all IPv6 host addresses in storage.
func (s *PostgresStore) SixHostAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address FROM host WHERE family(address::inet) = 6 ORDER BY address::inet`)
	if err != nil {
		return nil, fmt.Errorf("six host addresses: %w", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("scan six host address: %w", err)
		}
		addresses = append(addresses, address)
	}
	return addresses, rows.Err()
}

// --- Cleanup ---

// CleanupStorage removes import artifacts: services in any non-open state
// and hosts carrying no identifying attribute, service, vuln or note
// (a sole hostnames note does not save a host).
func (s *PostgresStore) CleanupStorage(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM service WHERE state NOT ILIKE 'open:%'`); err != nil {
		return fmt.Errorf("cleanup services: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM host h
		 WHERE h.os = '' AND h.comment = ''
		   AND NOT EXISTS (SELECT 1 FROM service s WHERE s.host_id = h.id)
		   AND NOT EXISTS (SELECT 1 FROM vuln v WHERE v.host_id = h.id)
		   AND NOT EXISTS (SELECT 1 FROM note n WHERE n.host_id = h.id AND n.xtype != 'hostnames')`); err != nil {
		return fmt.Errorf("cleanup hosts: %w", err)
	}
	return nil
}

// --- Versioninfo rebuild ---

var versionRe = regexp.MustCompile(`^([^\s/]+)[/ ]v?([0-9][0-9A-Za-z._-]*)`)

// RebuildVersioninfo refreshes the versioninfo projection from current
// host/service data. Product and version are extracted from the service
// info banner; services without a recognizable banner are skipped.
func (s *PostgresStore) RebuildVersioninfo(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE versioninfo`); err != nil {
		return fmt.Errorf("truncate versioninfo: %w", err)
	}

	lastID := int64(0)
	for {
		rows, err := s.pool.Query(ctx,
			`SELECT s.id, s.proto, s.port, s.info, h.id, h.address, h.hostname
			 FROM service s JOIN host h ON s.host_id = h.id
			 WHERE s.id > $1 ORDER BY s.id LIMIT $2`, lastID, queryWindow)
		if err != nil {
			return fmt.Errorf("rebuild versioninfo: %w", err)
		}

		type viRow struct {
			hostID   int64
			address  string
			hostname string
			proto    string
			port     int
			product  string
			version  string
		}
		var batch []viRow
		count := 0
		for rows.Next() {
			var svcID, hostID int64
			var proto, info, address, hostname string
			var port int
			if err := rows.Scan(&svcID, &proto, &port, &info, &hostID, &address, &hostname); err != nil {
				rows.Close()
				return fmt.Errorf("scan versioninfo source: %w", err)
			}
			lastID = svcID
			count++
			m := versionRe.FindStringSubmatch(info)
			if m == nil {
				continue
			}
			batch = append(batch, viRow{hostID, address, hostname, proto, port, m[1], m[2]})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range batch {
			if _, err := s.pool.Exec(ctx,
				`INSERT INTO versioninfo (host_id, address, hostname, proto, port, product, version)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				r.hostID, r.address, r.hostname, r.proto, r.port, r.product, r.version); err != nil {
				return fmt.Errorf("insert versioninfo: %w", err)
			}
		}
		if count == 0 {
			break
		}
	}
	return nil
}

// emptyToNilSlice keeps array columns non-null for zero-valued models.
func emptyToNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// formatHostAddress wraps IPv6 addresses in square brackets for
// proto://host:port endpoint strings.
func formatHostAddress(address string) string {
	for i := 0; i < len(address); i++ {
		if address[i] == ':' {
			return "[" + address + "]"
		}
	}
	return address
}
