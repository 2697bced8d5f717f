// Package main is the sner management CLI. It drives the scheduler,
// storage import and the planner against the same database as the
// server.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sner-project/sner/internal/config"
	"github.com/sner-project/sner/internal/planner"
	"github.com/sner-project/sner/internal/scheduler"
	"github.com/sner-project/sner/internal/storage"
	"github.com/sner-project/sner/internal/store"
	"github.com/sner-project/sner/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

type cli struct {
	Debug bool `help:"Enable debug logging."`

	Scheduler struct {
		Enumips      enumipsCmd      `cmd:"" help:"Enumerate IP addresses of networks."`
		Rangetocidr  rangetocidrCmd  `cmd:"" help:"Convert an address range to CIDRs."`
		QueueEnqueue queueEnqueueCmd `cmd:"" name:"queue-enqueue" help:"Add targets to a queue."`
		QueueFlush   queueFlushCmd   `cmd:"" name:"queue-flush" help:"Drop all pending targets of a queue."`
		QueuePrune   queuePruneCmd   `cmd:"" name:"queue-prune" help:"Delete finished jobs of a queue."`
		QueueDelete  queueDeleteCmd  `cmd:"" name:"queue-delete" help:"Delete a queue without jobs."`
		JobReconcile jobReconcileCmd `cmd:"" name:"job-reconcile" help:"Force-fail a stale running job."`
		JobRepeat    jobRepeatCmd    `cmd:"" name:"job-repeat" help:"Enqueue the targets of a finished job again."`
		ExclAdd      exclAddCmd      `cmd:"" name:"excl-add" help:"Add an exclusion rule."`
		ExclList     exclListCmd     `cmd:"" name:"excl-list" help:"List exclusion rules."`
	} `cmd:"" help:"Scheduler management."`

	Auth struct {
		AddKey authAddKeyCmd `cmd:"" name:"add-key" help:"Provision an API key."`
	} `cmd:"" help:"API authentication management."`

	Storage struct {
		Import             storageImportCmd  `cmd:"" help:"Import parsed agent output into storage."`
		Cleanup            storageCleanupCmd `cmd:"" help:"Remove hosts and services without any signal."`
		RebuildVersioninfo rebuildCmd        `cmd:"" name:"rebuild-versioninfo" help:"Rebuild the versioninfo projection."`
	} `cmd:"" help:"Storage management."`

	Planner struct {
		Run plannerRunCmd `cmd:"" help:"Run the planner pipelines."`
	} `cmd:"" help:"Planner management."`
}

// appEnv holds lazily opened shared dependencies for commands that
// talk to the database.
type appEnv struct {
	cfg   *config.Config
	pool  *pgxpool.Pool
	store *store.PostgresStore
	sched *scheduler.Service
}

func openEnv(ctx context.Context, log *slog.Logger) (*appEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pgStore := store.NewPostgresStore(pool)
	return &appEnv{
		cfg:   cfg,
		pool:  pool,
		store: pgStore,
		sched: scheduler.NewService(pool, cfg.Scheduler, log),
	}, nil
}

func (e *appEnv) Close() {
	e.pool.Close()
}

// readTargets merges positional targets with lines of an optional file,
// "-" meaning stdin. Blank lines and comments are skipped.
func readTargets(args []string, file string) ([]string, error) {
	targets := append([]string{}, args...)
	if file == "" {
		return targets, nil
	}

	var r *os.File
	if file == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	return targets, scanner.Err()
}

type enumipsCmd struct {
	Networks []string `arg:"" optional:"" help:"Networks to enumerate."`
	File     string   `help:"File with networks, one per line, - for stdin." type:"path"`
}

func (c *enumipsCmd) Run(_ context.Context, _ *slog.Logger) error {
	networks, err := readTargets(c.Networks, c.File)
	if err != nil {
		return err
	}
	for _, network := range networks {
		addrs, err := scheduler.EnumerateNetwork(network)
		if err != nil {
			return fmt.Errorf("enumerate %s: %w", network, err)
		}
		for _, addr := range addrs {
			fmt.Println(addr)
		}
	}
	return nil
}

type rangetocidrCmd struct {
	Start string `arg:"" help:"First address of the range."`
	End   string `arg:"" help:"Last address of the range."`
}

func (c *rangetocidrCmd) Run(_ context.Context, _ *slog.Logger) error {
	cidrs, err := scheduler.RangeToCIDRs(c.Start, c.End)
	if err != nil {
		return err
	}
	for _, cidr := range cidrs {
		fmt.Println(cidr)
	}
	return nil
}

type queueEnqueueCmd struct {
	Queue   string   `arg:"" help:"Queue name."`
	Targets []string `arg:"" optional:"" help:"Targets to enqueue."`
	File    string   `help:"File with targets, one per line, - for stdin." type:"path"`
}

func (c *queueEnqueueCmd) Run(ctx context.Context, log *slog.Logger) error {
	targets, err := readTargets(c.Targets, c.File)
	if err != nil {
		return err
	}

	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	queue, err := env.store.GetQueueByName(ctx, c.Queue)
	if err != nil {
		return fmt.Errorf("queue %s: %w", c.Queue, err)
	}
	count, err := env.sched.Enqueue(ctx, queue.ID, targets)
	if err != nil {
		return err
	}
	log.Info("targets enqueued", "queue", c.Queue, "count", count)
	return nil
}

type queueFlushCmd struct {
	Queue string `arg:"" help:"Queue name."`
}

func (c *queueFlushCmd) Run(ctx context.Context, log *slog.Logger) error {
	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	queue, err := env.store.GetQueueByName(ctx, c.Queue)
	if err != nil {
		return fmt.Errorf("queue %s: %w", c.Queue, err)
	}
	return env.sched.QueueFlush(ctx, queue.ID)
}

type queuePruneCmd struct {
	Queue string `arg:"" help:"Queue name."`
}

func (c *queuePruneCmd) Run(ctx context.Context, log *slog.Logger) error {
	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	queue, err := env.store.GetQueueByName(ctx, c.Queue)
	if err != nil {
		return fmt.Errorf("queue %s: %w", c.Queue, err)
	}
	return env.sched.QueuePrune(ctx, queue.ID)
}

type queueDeleteCmd struct {
	Queue string `arg:"" help:"Queue name."`
}

func (c *queueDeleteCmd) Run(ctx context.Context, log *slog.Logger) error {
	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	queue, err := env.store.GetQueueByName(ctx, c.Queue)
	if err != nil {
		return fmt.Errorf("queue %s: %w", c.Queue, err)
	}
	return env.sched.QueueDelete(ctx, queue.ID)
}

type jobReconcileCmd struct {
	JobID string `arg:"" help:"Job id."`
}

func (c *jobReconcileCmd) Run(ctx context.Context, log *slog.Logger) error {
	jobID, err := uuid.Parse(c.JobID)
	if err != nil {
		return fmt.Errorf("job id: %w", err)
	}

	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	return env.sched.JobReconcile(ctx, jobID)
}

type jobRepeatCmd struct {
	JobID string `arg:"" help:"Job id."`
}

func (c *jobRepeatCmd) Run(ctx context.Context, log *slog.Logger) error {
	jobID, err := uuid.Parse(c.JobID)
	if err != nil {
		return fmt.Errorf("job id: %w", err)
	}

	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	return env.sched.JobRepeat(ctx, jobID)
}

type exclAddCmd struct {
	Family  string `arg:"" enum:"network,regex" help:"Rule family (network, regex)."`
	Value   string `arg:"" help:"CIDR or regular expression to exclude."`
	Comment string `help:"Rule comment."`
}

func (c *exclAddCmd) Run(ctx context.Context, log *slog.Logger) error {
	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	excl := &models.Excl{Family: c.Family, Value: c.Value, Comment: c.Comment}
	if err := env.store.CreateExcl(ctx, excl); err != nil {
		return err
	}
	log.Info("exclusion added", "id", excl.ID, "family", excl.Family)
	return nil
}

type exclListCmd struct{}

func (c *exclListCmd) Run(ctx context.Context, log *slog.Logger) error {
	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	excls, err := env.store.ListExcls(ctx)
	if err != nil {
		return err
	}
	for _, excl := range excls {
		fmt.Printf("%d\t%s\t%s\t%s\n", excl.ID, excl.Family, excl.Value, excl.Comment)
	}
	return nil
}

type authAddKeyCmd struct {
	Name     string   `arg:"" help:"Key name."`
	Role     string   `enum:"agent,user,operator" default:"agent" help:"Key role (agent, user, operator)."`
	Networks []string `help:"Networks the key may query through the storage routes."`
}

func (c *authAddKeyCmd) Run(ctx context.Context, log *slog.Logger) error {
	raw, err := generateAPIKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	key := &models.APIKey{
		ID:          uuid.New(),
		Name:        c.Name,
		KeyHash:     string(hash),
		KeyPrefix:   raw[:8],
		Role:        c.Role,
		APINetworks: c.Networks,
		CreatedAt:   time.Now().UTC(),
	}
	if err := env.store.CreateAPIKey(ctx, key); err != nil {
		return err
	}

	// the raw key is shown once, only the hash is stored
	fmt.Println(raw)
	return nil
}

// generateAPIKey returns a fresh random key. The sner_ prefix keeps
// leaked keys greppable.
func generateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sner_" + hex.EncodeToString(buf), nil
}

type storageImportCmd struct {
	Parser string   `arg:"" help:"Parser to use (nmap, dummy)."`
	Paths  []string `arg:"" help:"Output files or agent job archives to import."`
}

func (c *storageImportCmd) Run(ctx context.Context, log *slog.Logger) error {
	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	importer := storage.NewImporter(env.store, log)
	for _, path := range c.Paths {
		if err := importer.ImportPath(ctx, c.Parser, path); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		log.Info("imported", "path", path)
	}
	return nil
}

type storageCleanupCmd struct{}

func (c *storageCleanupCmd) Run(ctx context.Context, log *slog.Logger) error {
	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	return env.store.CleanupStorage(ctx)
}

type rebuildCmd struct{}

func (c *rebuildCmd) Run(ctx context.Context, log *slog.Logger) error {
	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	return env.store.RebuildVersioninfo(ctx)
}

type plannerRunCmd struct {
	Oneshot bool `help:"Run one pass over all pipelines and exit."`
}

func (c *plannerRunCmd) Run(ctx context.Context, log *slog.Logger) error {
	env, err := openEnv(ctx, log)
	if err != nil {
		return err
	}
	defer env.Close()

	if env.cfg.Planner.ConfigPath == "" {
		return fmt.Errorf("SNER_PLANNER_CONFIG is required")
	}
	plannerCfg, err := planner.LoadConfig(env.cfg.Planner.ConfigPath)
	if err != nil {
		return fmt.Errorf("load planner config: %w", err)
	}

	importer := storage.NewImporter(env.store, log)
	p := planner.New(plannerCfg, env.store, env.sched, importer, env.cfg, c.Oneshot, log)
	return p.Run(ctx)
}

func main() {
	var root cli
	kctx := kong.Parse(&root,
		kong.Name("sner"),
		kong.Description("Network reconnaissance platform management CLI."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)

	level := slog.LevelInfo
	if root.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(logger)

	if err := kctx.Run(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
