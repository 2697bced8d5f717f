package planner

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sner-project/sner/internal/parser"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestPlanner builds a planner without database dependencies for
// the pure steps.
func newTestPlanner(t *testing.T, cfg *Config) *Planner {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	return &Planner{
		cfg:       cfg,
		varDir:    t.TempDir(),
		loopSleep: time.Millisecond,
		log:       testLogger(),
	}
}

func TestStepStopPipeline(t *testing.T) {
	p := newTestPlanner(t, nil)
	err := p.runSteps(context.Background(), &stepContext{}, []StepConfig{{"step": "stop_pipeline"}})
	assert.ErrorIs(t, err, ErrStopPipeline)
}

func TestRunStepsUnknownStep(t *testing.T) {
	p := newTestPlanner(t, nil)
	err := p.runSteps(context.Background(), &stepContext{}, []StepConfig{{"step": "frobnicate"}})
	assert.ErrorContains(t, err, "unknown step")
}

func TestStepProjectServicelist(t *testing.T) {
	pidb := parser.NewPIDB()
	pidb.UpsertService("127.0.0.1", "tcp", 22)
	pidb.UpsertService("2001:db8::1", "udp", 53)

	p := newTestPlanner(t, nil)
	sc := &stepContext{pidb: pidb}
	require.NoError(t, p.stepProjectServicelist(context.Background(), sc, nil))
	assert.ElementsMatch(t, []string{"tcp://127.0.0.1:22", "udp://[2001:db8::1]:53"}, sc.data)
}

func TestStepProjectHostlist(t *testing.T) {
	pidb := parser.NewPIDB()
	pidb.UpsertHost("127.0.0.1")
	pidb.UpsertHost("127.0.0.2")

	p := newTestPlanner(t, nil)
	sc := &stepContext{pidb: pidb}
	require.NoError(t, p.stepProjectHostlist(context.Background(), sc, nil))
	assert.ElementsMatch(t, []string{"127.0.0.1", "127.0.0.2"}, sc.data)
}

func TestStepFilterTarpits(t *testing.T) {
	pidb := parser.NewPIDB()
	for port := 1; port <= 5; port++ {
		pidb.UpsertService("127.0.0.1", "tcp", port)
	}
	pidb.UpsertService("127.0.0.2", "tcp", 80)
	vuln := pidb.UpsertVuln("127.0.0.1", "x.vuln", nil, "")
	vuln.Name = "tarpit finding"

	p := newTestPlanner(t, nil)
	sc := &stepContext{pidb: pidb}
	require.NoError(t, p.stepFilterTarpits(context.Background(), sc, StepConfig{"threshold": 3}))

	require.Len(t, pidb.Hosts(), 1)
	assert.Equal(t, "127.0.0.2", pidb.Hosts()[0].Address)
	assert.Len(t, pidb.Services(), 1)
	assert.Empty(t, pidb.Vulns())
}

func TestStepFilterTarpitsUnderThreshold(t *testing.T) {
	pidb := parser.NewPIDB()
	pidb.UpsertService("127.0.0.1", "tcp", 80)

	p := newTestPlanner(t, nil)
	sc := &stepContext{pidb: pidb}
	require.NoError(t, p.stepFilterTarpits(context.Background(), sc, StepConfig{}))
	assert.Len(t, pidb.Hosts(), 1)
}

func TestStepFilterNetranges(t *testing.T) {
	p := newTestPlanner(t, nil)
	sc := &stepContext{data: []string{"127.0.0.1", "10.0.0.1", "2001:db8::1", "not-an-address"}}
	args := StepConfig{"netranges": []any{"127.0.0.0/24", "2001:db8::/32"}}
	require.NoError(t, p.stepFilterNetranges(context.Background(), sc, args))
	assert.Equal(t, []string{"127.0.0.1", "2001:db8::1"}, sc.data)
}

func TestStepEnumerateIPv4(t *testing.T) {
	p := newTestPlanner(t, nil)
	sc := &stepContext{}
	args := StepConfig{"netranges": []any{"127.0.0.0/30"}}
	require.NoError(t, p.stepEnumerateIPv4(context.Background(), sc, args))
	assert.Equal(t, []string{"127.0.0.0", "127.0.0.1", "127.0.0.2", "127.0.0.3"}, sc.data)
}

func TestStepDiscoverIPv6DNS(t *testing.T) {
	p := newTestPlanner(t, nil)
	sc := &stepContext{}
	args := StepConfig{"netranges": []any{"2001:db8::/64"}}
	require.NoError(t, p.stepDiscoverIPv6DNS(context.Background(), sc, args))
	assert.Equal(t, []string{"2001:db8::/64"}, sc.data)
}

func TestStepRunGroup(t *testing.T) {
	cfg := &Config{StepGroups: map[string][]StepConfig{
		"filters": {
			{"step": "filter_netranges", "netranges": []any{"127.0.0.0/8"}},
		},
	}}
	p := newTestPlanner(t, cfg)

	sc := &stepContext{data: []string{"127.0.0.1", "10.0.0.1"}}
	require.NoError(t, p.stepRunGroup(context.Background(), sc, StepConfig{"name": "filters"}))
	assert.Equal(t, []string{"127.0.0.1"}, sc.data)

	err := p.stepRunGroup(context.Background(), sc, StepConfig{"name": "nope"})
	assert.ErrorContains(t, err, "unknown step group")
}

func TestProjectSixEnums(t *testing.T) {
	targets := projectSixEnums([]string{
		"2001:db8::1",
		"2001:db8::2",
		"2001:db8:0:1:0211:22ff:fe33:4455",
		"127.0.0.1",
		"not-an-address",
	})
	assert.Equal(t, []string{"2001:0db8:0000:0000:0000:0000:0000:0-ffff"}, targets)
}

func TestFormatHostAddress(t *testing.T) {
	assert.Equal(t, "127.0.0.1", formatHostAddress("127.0.0.1"))
	assert.Equal(t, "[2001:db8::1]", formatHostAddress("2001:db8::1"))
	assert.Equal(t, "localhost", formatHostAddress("localhost"))
}

func TestIntervalPipelineLastrunGating(t *testing.T) {
	cfg := &Config{Pipelines: []Pipeline{{
		Type:     PipelineTypeInterval,
		Name:     "gated",
		Interval: "1h",
		Steps:    []StepConfig{{"step": "discover_ipv6_dns", "netranges": []any{"2001:db8::/64"}}},
	}}}
	p := newTestPlanner(t, cfg)
	pipeline := &cfg.Pipelines[0]

	require.NoError(t, p.runPipeline(context.Background(), pipeline))
	raw, err := os.ReadFile(p.lastrunPath("gated"))
	require.NoError(t, err)
	first, err := time.Parse(time.RFC3339, string(raw))
	require.NoError(t, err)

	// within the interval the lastrun stamp must not move
	require.NoError(t, p.runPipeline(context.Background(), pipeline))
	raw, err = os.ReadFile(p.lastrunPath("gated"))
	require.NoError(t, err)
	assert.Equal(t, first.Format(time.RFC3339), string(raw))

	// stale stamp triggers a run and a fresh stamp
	stale := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, p.writeLastrun("gated", stale))
	require.NoError(t, p.runPipeline(context.Background(), pipeline))
	second, err := p.readLastrun("gated")
	require.NoError(t, err)
	assert.True(t, second.After(stale.Add(time.Hour)))
}

func TestReadLastrunMalformed(t *testing.T) {
	p := newTestPlanner(t, nil)
	require.NoError(t, os.WriteFile(p.lastrunPath("broken"), []byte("yesterday"), 0o644))
	lastrun, err := p.readLastrun("broken")
	require.NoError(t, err)
	assert.True(t, lastrun.IsZero())
}

func TestIntervalPipelineStopSkipsLastrun(t *testing.T) {
	cfg := &Config{Pipelines: []Pipeline{{
		Type:     PipelineTypeInterval,
		Name:     "stopped",
		Interval: "1h",
		Steps:    []StepConfig{{"step": "stop_pipeline"}},
	}}}
	p := newTestPlanner(t, cfg)

	require.NoError(t, p.runPipeline(context.Background(), &cfg.Pipelines[0]))
	_, err := os.Stat(p.lastrunPath("stopped"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunOnceIsolatesPipelineFailures(t *testing.T) {
	cfg := &Config{Pipelines: []Pipeline{
		{Type: PipelineTypeGeneric, Name: "broken", Steps: []StepConfig{{"step": "frobnicate"}}},
		{Type: PipelineTypeGeneric, Name: "ok", Steps: []StepConfig{{"step": "discover_ipv6_dns", "netranges": []any{"2001:db8::/64"}}}},
	}}
	p := newTestPlanner(t, cfg)

	// must not panic or abort on the broken pipeline
	p.runOnce(context.Background())
}

func TestRunOneshot(t *testing.T) {
	cfg := &Config{Pipelines: []Pipeline{
		{Type: PipelineTypeGeneric, Name: "noop", Steps: []StepConfig{{"step": "stop_pipeline"}}},
	}}
	p := newTestPlanner(t, cfg)
	p.oneshot = true

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("oneshot run did not return")
	}
}
