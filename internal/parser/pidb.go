package parser

import "fmt"

// PIDB is the parsed-items database produced by a parser run. Items are
// keyed by stable handles (host by address, service by address+proto+port,
// vuln and note by address+service+xtype+via_target) so repeated
// registrations within one parse merge into a single item.
type PIDB struct {
	hosts    []*ParsedHost
	services []*ParsedService
	vulns    []*ParsedVuln
	notes    []*ParsedNote

	hostIdx    map[string]int
	serviceIdx map[string]int
	vulnIdx    map[string]int
	noteIdx    map[string]int
}

// ParsedHost is a host pending storage import.
type ParsedHost struct {
	Address  string
	Hostname string
	OS       string
}

// ServiceRef points a vuln or note at a service within the same PIDB.
type ServiceRef struct {
	Proto string
	Port  int
}

// ParsedService is a service pending storage import.
type ParsedService struct {
	Address    string
	Proto      string
	Port       int
	State      string
	Name       string
	Info       string
	ImportTime int64
}

// ParsedVuln is a finding pending storage import.
type ParsedVuln struct {
	Address   string
	Service   *ServiceRef
	Name      string
	Xtype     string
	Severity  string
	Descr     string
	Data      string
	Refs      []string
	ViaTarget string
}

// ParsedNote is auxiliary data pending storage import.
type ParsedNote struct {
	Address   string
	Service   *ServiceRef
	Xtype     string
	Data      string
	ViaTarget string
}

func NewPIDB() *PIDB {
	return &PIDB{
		hostIdx:    map[string]int{},
		serviceIdx: map[string]int{},
		vulnIdx:    map[string]int{},
		noteIdx:    map[string]int{},
	}
}

func serviceHandle(address string, ref *ServiceRef) string {
	if ref == nil {
		return address + "|"
	}
	return fmt.Sprintf("%s|%s:%d", address, ref.Proto, ref.Port)
}

// UpsertHost returns the host for an address, creating it when missing.
// Callers fill or extend the returned item in place.
func (db *PIDB) UpsertHost(address string) *ParsedHost {
	if idx, ok := db.hostIdx[address]; ok {
		return db.hosts[idx]
	}
	host := &ParsedHost{Address: address}
	db.hostIdx[address] = len(db.hosts)
	db.hosts = append(db.hosts, host)
	return host
}

// UpsertService returns the service for (address, proto, port), creating
// it and its host when missing.
func (db *PIDB) UpsertService(address, proto string, port int) *ParsedService {
	db.UpsertHost(address)
	handle := serviceHandle(address, &ServiceRef{Proto: proto, Port: port})
	if idx, ok := db.serviceIdx[handle]; ok {
		return db.services[idx]
	}
	service := &ParsedService{Address: address, Proto: proto, Port: port}
	db.serviceIdx[handle] = len(db.services)
	db.services = append(db.services, service)
	return service
}

// UpsertVuln returns the vuln for (address, service, xtype, via_target),
// creating it and its host when missing.
func (db *PIDB) UpsertVuln(address, xtype string, service *ServiceRef, viaTarget string) *ParsedVuln {
	db.UpsertHost(address)
	handle := serviceHandle(address, service) + "|" + xtype + "|" + viaTarget
	if idx, ok := db.vulnIdx[handle]; ok {
		return db.vulns[idx]
	}
	vuln := &ParsedVuln{Address: address, Service: service, Xtype: xtype, ViaTarget: viaTarget}
	db.vulnIdx[handle] = len(db.vulns)
	db.vulns = append(db.vulns, vuln)
	return vuln
}

// UpsertNote returns the note for (address, service, xtype, via_target),
// creating it and its host when missing.
func (db *PIDB) UpsertNote(address, xtype string, service *ServiceRef, viaTarget string) *ParsedNote {
	db.UpsertHost(address)
	handle := serviceHandle(address, service) + "|" + xtype + "|" + viaTarget
	if idx, ok := db.noteIdx[handle]; ok {
		return db.notes[idx]
	}
	note := &ParsedNote{Address: address, Service: service, Xtype: xtype, ViaTarget: viaTarget}
	db.noteIdx[handle] = len(db.notes)
	db.notes = append(db.notes, note)
	return note
}

// PruneHosts drops the given hosts and everything parsed under them
// (services, vulns, notes). Used by pipeline filters such as the tarpit
// filter before import.
func (db *PIDB) PruneHosts(addresses map[string]bool) {
	if len(addresses) == 0 {
		return
	}

	pruned := NewPIDB()
	for _, host := range db.hosts {
		if addresses[host.Address] {
			continue
		}
		kept := pruned.UpsertHost(host.Address)
		*kept = *host
	}
	for _, service := range db.services {
		if addresses[service.Address] {
			continue
		}
		kept := pruned.UpsertService(service.Address, service.Proto, service.Port)
		*kept = *service
	}
	for _, vuln := range db.vulns {
		if addresses[vuln.Address] {
			continue
		}
		kept := pruned.UpsertVuln(vuln.Address, vuln.Xtype, vuln.Service, vuln.ViaTarget)
		*kept = *vuln
	}
	for _, note := range db.notes {
		if addresses[note.Address] {
			continue
		}
		kept := pruned.UpsertNote(note.Address, note.Xtype, note.Service, note.ViaTarget)
		*kept = *note
	}

	*db = *pruned
}

func (db *PIDB) Hosts() []*ParsedHost       { return db.hosts }
func (db *PIDB) Services() []*ParsedService { return db.services }
func (db *PIDB) Vulns() []*ParsedVuln       { return db.vulns }
func (db *PIDB) Notes() []*ParsedNote       { return db.notes }
