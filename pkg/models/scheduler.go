package models

import (
	"time"

	"github.com/google/uuid"
)

// Queue is a task configuration for a pool of scan targets. Config is an
// opaque YAML document interpreted by agent modules and parsers; the
// scheduler only requires it to carry a "module" key.
type Queue struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Config    string    `json:"config"`
	GroupSize int       `json:"group_size"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	Reqs      []string  `json:"reqs"`
	CreatedAt time.Time `json:"created_at"`
}

// Target is a single pending target within a queue. Hashval is the
// rate-limit bucket key, Rand the random draw tiebreaker.
type Target struct {
	ID      int64   `json:"id"`
	QueueID int64   `json:"queue_id"`
	Target  string  `json:"target"`
	Hashval string  `json:"hashval"`
	Rand    float64 `json:"rand"`
}

// Readynet marks a (queue, bucket) pair eligible for assignment. A row
// exists iff the queue holds at least one target in the bucket and the
// bucket is not hot.
type Readynet struct {
	QueueID int64  `json:"queue_id"`
	Hashval string `json:"hashval"`
}

// Job is one assigned batch of work. Retval is nil while the agent is
// still running the assignment.
type Job struct {
	ID         uuid.UUID  `json:"id"`
	QueueID    int64      `json:"queue_id"`
	Assignment string     `json:"assignment"`
	Retval     *int       `json:"retval"`
	TimeStart  time.Time  `json:"time_start"`
	TimeEnd    *time.Time `json:"time_end"`
}

// Assignment is the JSON object handed to an agent.
type Assignment struct {
	ID      string         `json:"id"`
	Config  map[string]any `json:"config"`
	Targets []string       `json:"targets"`
}

// Excl family discriminators.
const (
	ExclFamilyNetwork = "network"
	ExclFamilyRegex   = "regex"
)

// Excl is a single exclusion rule.
type Excl struct {
	ID      int64  `json:"id"`
	Family  string `json:"family"`
	Value   string `json:"value"`
	Comment string `json:"comment"`
}
