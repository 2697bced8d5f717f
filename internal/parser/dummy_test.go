package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyParser(t *testing.T) {
	path := writeTestZip(t, map[string][]byte{
		"assignment.json": []byte(`{"id":"x","config":{"module":"dummy"},"targets":["127.4.4.4","notanaddress"]}`),
	})

	p, err := Get("dummy")
	require.NoError(t, err)
	db, err := p.ParsePath(path)
	require.NoError(t, err)

	// non-address targets dropped
	require.Len(t, db.Hosts(), 1)
	assert.Equal(t, "127.4.4.4", db.Hosts()[0].Address)
	require.Len(t, db.Notes(), 1)
	assert.Equal(t, "dummy", db.Notes()[0].Xtype)
	assert.Equal(t, "127.4.4.4", db.Notes()[0].Data)
}

func TestDummyParserMissingAssignment(t *testing.T) {
	path := writeTestZip(t, map[string][]byte{"output": []byte("data")})

	p, err := Get("dummy")
	require.NoError(t, err)
	_, err = p.ParsePath(path)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"dummy", "nmap"}, Names())

	_, err := Get("nosuchparser")
	assert.Error(t, err)
}
