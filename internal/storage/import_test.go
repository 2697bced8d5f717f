package storage_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sner-project/sner/internal/parser"
	"github.com/sner-project/sner/internal/storage"
	"github.com/sner-project/sner/internal/store"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestImportPIDB(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	importer := storage.NewImporter(s, testLogger())
	ctx := context.Background()

	db := parser.NewPIDB()
	host := db.UpsertHost("127.4.4.4")
	host.Hostname = "testhost.testdomain.test"
	service := db.UpsertService("127.4.4.4", "tcp", 80)
	service.State = "open:syn-ack"
	service.Name = "http"
	ref := &parser.ServiceRef{Proto: "tcp", Port: 80}
	vuln := db.UpsertVuln("127.4.4.4", "testvuln.123", ref, "")
	vuln.Name = "test vulnerability"
	db.UpsertNote("127.4.4.4", "hostnames", nil, "").Data = `["testhost.testdomain.test"]`

	require.NoError(t, importer.ImportPIDB(ctx, db))

	counts, err := s.StorageCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Hosts)
	assert.Equal(t, 1, counts.Services)
	assert.Equal(t, 1, counts.Vulns)
	assert.Equal(t, 1, counts.Notes)

	// vuln is linked to its imported service row
	services, _, err := s.ListServices(ctx, store.StorageFilter{Networks: []string{"127.0.0.0/8"}})
	require.NoError(t, err)
	require.Len(t, services, 1)
	var serviceID *int64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT service_id FROM vuln WHERE xtype = 'testvuln.123'`).Scan(&serviceID))
	require.NotNil(t, serviceID)
	assert.Equal(t, services[0].ID, *serviceID)

	// importing the same PIDB again changes nothing
	require.NoError(t, importer.ImportPIDB(ctx, db))
	counts2, err := store.NewPostgresStore(pool).StorageCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, counts, counts2)
}

func TestImportPathNmap(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	importer := storage.NewImporter(s, testLogger())
	ctx := context.Background()

	xmlPath := filepath.Join(t.TempDir(), "output.xml")
	require.NoError(t, os.WriteFile(xmlPath, []byte(`<?xml version="1.0"?>
<nmaprun scanner="nmap" start="1727791200">
<host><status state="up"/><address addr="127.4.4.4" addrtype="ipv4"/>
<ports>
<port protocol="tcp" portid="22"><state state="open" reason="syn-ack"/><service name="ssh"/></port>
<port protocol="tcp" portid="80"><state state="open" reason="syn-ack"/><service name="http"/></port>
</ports></host>
</nmaprun>`), 0o644))

	require.NoError(t, importer.ImportPath(ctx, "nmap", xmlPath))

	counts, err := s.StorageCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Hosts)
	assert.Equal(t, 2, counts.Services)

	err = importer.ImportPath(ctx, "nosuchparser", xmlPath)
	assert.Error(t, err)
}
