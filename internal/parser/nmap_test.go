package parser

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nmapTestXML = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap" start="1727791200" version="7.94">
<host starttime="1727791201" endtime="1727791260">
<status state="up" reason="syn-ack"/>
<address addr="127.4.4.4" addrtype="ipv4"/>
<hostnames>
<hostname name="testhost.testdomain.test" type="PTR"/>
<hostname name="testhost.testdomain.test" type="user"/>
</hostnames>
<ports>
<port protocol="tcp" portid="22"><state state="open" reason="syn-ack"/><service name="ssh" product="OpenSSH" version="9.6"/></port>
<port protocol="tcp" portid="80"><state state="open" reason="syn-ack"/><service name="http" product="nginx" version="1.24.0" extrainfo="Ubuntu"><cpe>cpe:/a:nginx:nginx:1.24.0</cpe></service></port>
<port protocol="tcp" portid="25"><state state="filtered" reason="no-response"/><service name="smtp"/></port>
</ports>
<os><osmatch name="Linux 5.4" accuracy="95"/></os>
</host>
<host>
<status state="down" reason="no-response"/>
<address addr="127.4.4.5" addrtype="ipv4"/>
</host>
</nmaprun>`

func writeTestFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writeTestZip(t *testing.T, entries map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, data := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func TestNmapParserXMLFile(t *testing.T) {
	path := writeTestFile(t, "output.xml", []byte(nmapTestXML))

	p, err := Get("nmap")
	require.NoError(t, err)
	db, err := p.ParsePath(path)
	require.NoError(t, err)

	// down host skipped
	require.Len(t, db.Hosts(), 1)
	host := db.Hosts()[0]
	assert.Equal(t, "127.4.4.4", host.Address)
	assert.Equal(t, "testhost.testdomain.test", host.Hostname)
	assert.Equal(t, "Linux 5.4", host.OS)

	require.Len(t, db.Services(), 3)
	byPort := map[int]*ParsedService{}
	for _, service := range db.Services() {
		byPort[service.Port] = service
	}
	assert.Equal(t, "open:syn-ack", byPort[22].State)
	assert.Equal(t, "OpenSSH 9.6", byPort[22].Info)
	assert.Equal(t, "nginx 1.24.0 (Ubuntu)", byPort[80].Info)
	assert.Equal(t, "filtered:no-response", byPort[25].State)
	assert.Equal(t, int64(1727791200), byPort[22].ImportTime)

	// hostnames note deduplicated, cpe note attached to the service
	require.Len(t, db.Notes(), 2)
	byXtype := map[string]*ParsedNote{}
	for _, note := range db.Notes() {
		byXtype[note.Xtype] = note
	}
	assert.JSONEq(t, `["testhost.testdomain.test"]`, byXtype["hostnames"].Data)
	assert.JSONEq(t, `["cpe:/a:nginx:nginx:1.24.0"]`, byXtype["cpe"].Data)
	require.NotNil(t, byXtype["cpe"].Service)
	assert.Equal(t, 80, byXtype["cpe"].Service.Port)
}

func TestNmapParserJobZip(t *testing.T) {
	path := writeTestZip(t, map[string][]byte{
		"assignment.json": []byte(`{"id":"x","config":{},"targets":[]}`),
		"output.xml":      []byte(nmapTestXML),
	})

	p, err := Get("nmap")
	require.NoError(t, err)
	db, err := p.ParsePath(path)
	require.NoError(t, err)
	assert.Len(t, db.Hosts(), 1)
}

func TestNmapParserInvalid(t *testing.T) {
	path := writeTestFile(t, "garbage.xml", []byte("not xml at all"))

	p, err := Get("nmap")
	require.NoError(t, err)
	_, err = p.ParsePath(path)
	assert.Error(t, err)
}
