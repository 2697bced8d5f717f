package parser

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/sner-project/sner/pkg/models"
)

func init() {
	Register("dummy", &dummyParser{})
}

// dummyParser handles output of the no-op dummy agent module: the job
// zip carries only the original assignment. Address targets become
// hosts with a marker note, used for scheduler and planner testing.
type dummyParser struct{}

func (p *dummyParser) ParsePath(path string) (*PIDB, error) {
	data, err := readZipEntry(path, "assignment.json")
	if err != nil {
		return nil, err
	}

	var assignment models.Assignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		return nil, fmt.Errorf("decode assignment: %w", err)
	}

	db := NewPIDB()
	for _, target := range assignment.Targets {
		addr, err := netip.ParseAddr(target)
		if err != nil {
			continue
		}
		address := addr.Unmap().String()
		note := db.UpsertNote(address, "dummy", nil, "")
		note.Data = target
	}
	return db, nil
}
