package parser

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
)

func init() {
	Register("nmap", &nmapParser{})
}

// nmapParser handles nmap XML output, either a bare .xml file or a job
// zip containing output.xml.
type nmapParser struct{}

// nmaprun XML model, reduced to the elements the import needs.
type nmapRun struct {
	XMLName xml.Name   `xml:"nmaprun"`
	Start   string     `xml:"start,attr"`
	Hosts   []nmapHost `xml:"host"`
}

type nmapHost struct {
	Status    nmapStatus    `xml:"status"`
	Addresses []nmapAddress `xml:"address"`
	HostNames nmapHostNames `xml:"hostnames"`
	Ports     nmapPorts     `xml:"ports"`
	OS        nmapOS        `xml:"os"`
}

type nmapStatus struct {
	State string `xml:"state,attr"`
}

type nmapAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type nmapHostNames struct {
	HostName []nmapHostName `xml:"hostname"`
}

type nmapHostName struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type nmapPorts struct {
	Port []nmapPort `xml:"port"`
}

type nmapPort struct {
	Protocol string        `xml:"protocol,attr"`
	PortID   string        `xml:"portid,attr"`
	State    nmapPortState `xml:"state"`
	Service  nmapService   `xml:"service"`
}

type nmapPortState struct {
	State  string `xml:"state,attr"`
	Reason string `xml:"reason,attr"`
}

type nmapService struct {
	Name      string   `xml:"name,attr"`
	Product   string   `xml:"product,attr"`
	Version   string   `xml:"version,attr"`
	ExtraInfo string   `xml:"extrainfo,attr"`
	CPE       []string `xml:"cpe"`
}

type nmapOS struct {
	OSMatch []nmapOSMatch `xml:"osmatch"`
}

type nmapOSMatch struct {
	Name     string `xml:"name,attr"`
	Accuracy string `xml:"accuracy,attr"`
}

func (p *nmapParser) ParsePath(path string) (*PIDB, error) {
	var data []byte
	var err error
	if isZip(path) {
		data, err = readZipEntry(path, "output.xml")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var run nmapRun
	if err := xml.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode nmap xml: %w", err)
	}

	importTime, _ := strconv.ParseInt(run.Start, 10, 64)

	db := NewPIDB()
	for _, xmlHost := range run.Hosts {
		if xmlHost.Status.State != "up" {
			continue
		}
		address := hostAddress(xmlHost.Addresses)
		if address == "" {
			continue
		}

		host := db.UpsertHost(address)
		if len(xmlHost.HostNames.HostName) > 0 {
			host.Hostname = xmlHost.HostNames.HostName[0].Name

			var names []string
			for _, hostname := range xmlHost.HostNames.HostName {
				names = append(names, hostname.Name)
			}
			encoded, _ := json.Marshal(uniqueStrings(names))
			db.UpsertNote(address, "hostnames", nil, "").Data = string(encoded)
		}
		if len(xmlHost.OS.OSMatch) > 0 {
			host.OS = xmlHost.OS.OSMatch[0].Name
		}

		for _, xmlPort := range xmlHost.Ports.Port {
			port, err := strconv.Atoi(xmlPort.PortID)
			if err != nil {
				continue
			}
			service := db.UpsertService(address, xmlPort.Protocol, port)
			service.State = xmlPort.State.State + ":" + xmlPort.State.Reason
			service.Name = xmlPort.Service.Name
			service.Info = serviceInfo(xmlPort.Service)
			service.ImportTime = importTime

			if len(xmlPort.Service.CPE) > 0 {
				ref := &ServiceRef{Proto: xmlPort.Protocol, Port: port}
				encoded, _ := json.Marshal(xmlPort.Service.CPE)
				db.UpsertNote(address, "cpe", ref, "").Data = string(encoded)
			}
		}
	}
	return db, nil
}

// hostAddress picks the scan address, preferring ipv4/ipv6 over mac.
func hostAddress(addresses []nmapAddress) string {
	for _, address := range addresses {
		if address.AddrType == "ipv4" || address.AddrType == "ipv6" {
			return address.Addr
		}
	}
	return ""
}

// serviceInfo renders the product banner, "product version (extrainfo)".
func serviceInfo(service nmapService) string {
	var parts []string
	if service.Product != "" {
		parts = append(parts, service.Product)
	}
	if service.Version != "" {
		parts = append(parts, service.Version)
	}
	if service.ExtraInfo != "" {
		parts = append(parts, "("+service.ExtraInfo+")")
	}
	return strings.Join(parts, " ")
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
