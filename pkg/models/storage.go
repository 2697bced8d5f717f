package models

import "time"

// Severity levels for Vuln, ordered.
const (
	SeverityUnknown  = "unknown"
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Host is the IP-centric base of the storage model.
type Host struct {
	ID         int64     `json:"id"`
	Address    string    `json:"address"`
	Hostname   string    `json:"hostname"`
	OS         string    `json:"os"`
	Tags       []string  `json:"tags"`
	Comment    string    `json:"comment"`
	Created    time.Time `json:"created"`
	Modified   time.Time `json:"modified"`
	RescanTime time.Time `json:"rescan_time"`
}

// Service is a discovered host service.
type Service struct {
	ID         int64      `json:"id"`
	HostID     int64      `json:"host_id"`
	Proto      string     `json:"proto"`
	Port       int        `json:"port"`
	State      string     `json:"state"`
	Name       string     `json:"name"`
	Info       string     `json:"info"`
	Tags       []string   `json:"tags"`
	Comment    string     `json:"comment"`
	Created    time.Time  `json:"created"`
	Modified   time.Time  `json:"modified"`
	RescanTime time.Time  `json:"rescan_time"`
	ImportTime *time.Time `json:"import_time"`
}

// Vuln is a detected vulnerability. ViaTarget records the original scan
// target so name-based virtualhost findings on a shared address do not
// overwrite each other during upserts.
type Vuln struct {
	ID        int64     `json:"id"`
	HostID    int64     `json:"host_id"`
	ServiceID *int64    `json:"service_id"`
	Name      string    `json:"name"`
	Xtype     string    `json:"xtype"`
	Severity  string    `json:"severity"`
	Descr     string    `json:"descr"`
	Data      string    `json:"data"`
	Refs      []string  `json:"refs"`
	Tags      []string  `json:"tags"`
	ViaTarget string    `json:"via_target"`
	Created   time.Time `json:"created"`
	Modified  time.Time `json:"modified"`
}

// Note is auxiliary typed data attached to a host or service.
type Note struct {
	ID        int64     `json:"id"`
	HostID    int64     `json:"host_id"`
	ServiceID *int64    `json:"service_id"`
	Xtype     string    `json:"xtype"`
	Data      string    `json:"data"`
	Tags      []string  `json:"tags"`
	ViaTarget string    `json:"via_target"`
	Created   time.Time `json:"created"`
	Modified  time.Time `json:"modified"`
}

// Versioninfo is a materialised product/version projection over
// host+service data, rebuilt from cpe and banner notes.
type Versioninfo struct {
	ID       int64  `json:"id"`
	HostID   int64  `json:"host_id"`
	Address  string `json:"address"`
	Hostname string `json:"hostname"`
	Proto    string `json:"proto"`
	Port     int    `json:"port"`
	Product  string `json:"product"`
	Version  string `json:"version"`
	Extra    string `json:"extra"`
}

// Vulnsearch is a materialised CPE to CVE projection.
type Vulnsearch struct {
	ID       int64  `json:"id"`
	HostID   int64  `json:"host_id"`
	Address  string `json:"address"`
	CPE      string `json:"cpe"`
	CVEID    string `json:"cve_id"`
	CVSS     string `json:"cvss"`
	Descr    string `json:"descr"`
}
