// Package storage imports parsed scan results into the storage model and
// compiles filter expressions for the storage query API.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sner-project/sner/internal/parser"
	"github.com/sner-project/sner/internal/store"
	"github.com/sner-project/sner/pkg/models"
)

// Importer writes PIDBs into storage.
type Importer struct {
	store store.StorageStore
	log   *slog.Logger
}

func NewImporter(st store.StorageStore, log *slog.Logger) *Importer {
	return &Importer{store: st, log: log}
}

// ImportPath parses a job artifact with the named parser and imports the
// result. The underlying upserts make repeated imports idempotent.
func (i *Importer) ImportPath(ctx context.Context, parserName, path string) error {
	p, err := parser.Get(parserName)
	if err != nil {
		return err
	}
	db, err := p.ParsePath(path)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return i.ImportPIDB(ctx, db)
}

// ImportPIDB upserts all parsed items. Hosts go first so services,
// vulns and notes can resolve their host and service rows.
func (i *Importer) ImportPIDB(ctx context.Context, db *parser.PIDB) error {
	hostIDs := map[string]int64{}
	for _, parsedHost := range db.Hosts() {
		id, err := i.store.UpsertHost(ctx, &models.Host{
			Address:  parsedHost.Address,
			Hostname: parsedHost.Hostname,
			OS:       parsedHost.OS,
		})
		if err != nil {
			return fmt.Errorf("import host %s: %w", parsedHost.Address, err)
		}
		hostIDs[parsedHost.Address] = id
	}

	serviceIDs := map[string]int64{}
	for _, parsedService := range db.Services() {
		service := &models.Service{
			HostID: hostIDs[parsedService.Address],
			Proto:  parsedService.Proto,
			Port:   parsedService.Port,
			State:  parsedService.State,
			Name:   parsedService.Name,
			Info:   parsedService.Info,
		}
		if parsedService.ImportTime > 0 {
			importTime := time.Unix(parsedService.ImportTime, 0).UTC()
			service.ImportTime = &importTime
		}
		id, err := i.store.UpsertService(ctx, service)
		if err != nil {
			return fmt.Errorf("import service %s %s/%d: %w",
				parsedService.Address, parsedService.Proto, parsedService.Port, err)
		}
		serviceIDs[serviceKey(parsedService.Address, parsedService.Proto, parsedService.Port)] = id
	}

	for _, parsedVuln := range db.Vulns() {
		vuln := &models.Vuln{
			HostID:    hostIDs[parsedVuln.Address],
			ServiceID: resolveService(serviceIDs, parsedVuln.Address, parsedVuln.Service),
			Name:      parsedVuln.Name,
			Xtype:     parsedVuln.Xtype,
			Severity:  parsedVuln.Severity,
			Descr:     parsedVuln.Descr,
			Data:      parsedVuln.Data,
			Refs:      parsedVuln.Refs,
			ViaTarget: parsedVuln.ViaTarget,
		}
		if _, err := i.store.UpsertVuln(ctx, vuln); err != nil {
			return fmt.Errorf("import vuln %s %s: %w", parsedVuln.Address, parsedVuln.Xtype, err)
		}
	}

	for _, parsedNote := range db.Notes() {
		note := &models.Note{
			HostID:    hostIDs[parsedNote.Address],
			ServiceID: resolveService(serviceIDs, parsedNote.Address, parsedNote.Service),
			Xtype:     parsedNote.Xtype,
			Data:      parsedNote.Data,
			ViaTarget: parsedNote.ViaTarget,
		}
		if _, err := i.store.UpsertNote(ctx, note); err != nil {
			return fmt.Errorf("import note %s %s: %w", parsedNote.Address, parsedNote.Xtype, err)
		}
	}

	i.log.Info("import finished",
		"hosts", len(db.Hosts()), "services", len(db.Services()),
		"vulns", len(db.Vulns()), "notes", len(db.Notes()))
	return nil
}

func serviceKey(address, proto string, port int) string {
	return fmt.Sprintf("%s|%s:%d", address, proto, port)
}

func resolveService(serviceIDs map[string]int64, address string, ref *parser.ServiceRef) *int64 {
	if ref == nil {
		return nil
	}
	if id, ok := serviceIDs[serviceKey(address, ref.Proto, ref.Port)]; ok {
		return &id
	}
	return nil
}
