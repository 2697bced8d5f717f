package planner

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sner-project/sner/internal/parser"
	"github.com/sner-project/sner/internal/scheduler"
	"github.com/sner-project/sner/internal/store"
	"github.com/sner-project/sner/pkg/models"
)

// ErrStopPipeline terminates the current pipeline cleanly. Steps return
// it when there is nothing left to do (no finished job to load).
var ErrStopPipeline = errors.New("stop pipeline")

// defaultTarpitThreshold is the services-per-host count above which a
// host is considered a tarpit and dropped before import.
const defaultTarpitThreshold = 200

// stepContext carries data between the steps of one pipeline run. A
// queue pipeline starts with a loaded job and its parsed output; the
// projection steps replace the parsed output with a plain target list.
type stepContext struct {
	job   *models.Job
	queue *models.Queue
	pidb  *parser.PIDB
	data  []string
}

type stepFunc func(p *Planner, ctx context.Context, sc *stepContext, args StepConfig) error

var registeredSteps map[string]stepFunc

func init() {
	registeredSteps = map[string]stepFunc{
		"stop_pipeline":       (*Planner).stepStopPipeline,
		"load_job":            (*Planner).stepLoadJob,
		"import_job":          (*Planner).stepImportJob,
		"archive_job":         (*Planner).stepArchiveJob,
		"project_servicelist": (*Planner).stepProjectServicelist,
		"project_hostlist":    (*Planner).stepProjectHostlist,
		"filter_tarpits":      (*Planner).stepFilterTarpits,
		"filter_netranges":    (*Planner).stepFilterNetranges,
		"enqueue":             (*Planner).stepEnqueue,
		"run_group":           (*Planner).stepRunGroup,
		"enumerate_ipv4":      (*Planner).stepEnumerateIPv4,
		"discover_ipv6_dns":   (*Planner).stepDiscoverIPv6DNS,
		"discover_ipv6_enum":  (*Planner).stepDiscoverIPv6Enum,
		"rescan_services":     (*Planner).stepRescanServices,
		"rescan_hosts":        (*Planner).stepRescanHosts,
		"storage_cleanup":     (*Planner).stepStorageCleanup,
	}
}

func (p *Planner) stepStopPipeline(_ context.Context, _ *stepContext, _ StepConfig) error {
	return ErrStopPipeline
}

// stepLoadJob pulls the oldest finished job from a queue and parses its
// output with the parser named by the queue config module key. Signals
// pipeline stop when the queue has no finished job.
func (p *Planner) stepLoadJob(ctx context.Context, sc *stepContext, args StepConfig) error {
	queueName, err := args.stringArg("queue")
	if err != nil {
		return err
	}

	queue, err := p.store.GetQueueByName(ctx, queueName)
	if err != nil {
		return fmt.Errorf("load_job queue %q: %w", queueName, err)
	}
	job, err := p.store.FindFinishedJob(ctx, queueName)
	if errors.Is(err, store.ErrNotFound) {
		return ErrStopPipeline
	}
	if err != nil {
		return fmt.Errorf("load_job: %w", err)
	}

	var queueConfig struct {
		Module string `yaml:"module"`
	}
	if err := yaml.Unmarshal([]byte(queue.Config), &queueConfig); err != nil {
		return fmt.Errorf("load_job: queue config: %w", err)
	}
	moduleParser, err := parser.Get(queueConfig.Module)
	if err != nil {
		return fmt.Errorf("load_job: %w", err)
	}

	p.log.Info("planner load_job", "job", job.ID, "queue", queue.Name)
	pidb, err := moduleParser.ParsePath(p.sched.JobOutputPath(queue.ID, job.ID))
	if err != nil {
		return fmt.Errorf("load_job: %w", err)
	}

	sc.job = job
	sc.queue = queue
	sc.pidb = pidb
	return nil
}

func (p *Planner) stepImportJob(ctx context.Context, sc *stepContext, _ StepConfig) error {
	if sc.pidb == nil {
		return fmt.Errorf("import_job: no parsed data in context")
	}
	p.log.Info("planner import_job", "job", sc.job.ID, "queue", sc.queue.Name)
	return p.importer.ImportPIDB(ctx, sc.pidb)
}

// stepArchiveJob copies the job output into the planner archive and
// deletes the job.
func (p *Planner) stepArchiveJob(ctx context.Context, sc *stepContext, _ StepConfig) error {
	if sc.job == nil {
		return fmt.Errorf("archive_job: no job in context")
	}
	p.log.Info("planner archive_job", "job", sc.job.ID, "queue", sc.queue.Name)

	archiveDir := filepath.Join(p.varDir, "planner_archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("archive_job: %w", err)
	}
	output, err := os.ReadFile(p.sched.JobOutputPath(sc.queue.ID, sc.job.ID))
	if err != nil {
		return fmt.Errorf("archive_job: %w", err)
	}
	if err := os.WriteFile(filepath.Join(archiveDir, sc.job.ID.String()), output, 0o644); err != nil {
		return fmt.Errorf("archive_job: %w", err)
	}

	if err := p.sched.JobDelete(ctx, sc.job.ID); err != nil {
		return fmt.Errorf("archive_job: %w", err)
	}
	sc.job = nil
	return nil
}

// stepProjectServicelist replaces context data with "proto://host:port"
// strings for every parsed service.
func (p *Planner) stepProjectServicelist(_ context.Context, sc *stepContext, _ StepConfig) error {
	if sc.pidb == nil {
		return fmt.Errorf("project_servicelist: no parsed data in context")
	}
	data := make([]string, 0, len(sc.pidb.Services()))
	for _, service := range sc.pidb.Services() {
		data = append(data, fmt.Sprintf("%s://%s:%d", service.Proto, formatHostAddress(service.Address), service.Port))
	}
	sc.data = data
	return nil
}

// stepProjectHostlist replaces context data with parsed host addresses.
func (p *Planner) stepProjectHostlist(_ context.Context, sc *stepContext, _ StepConfig) error {
	if sc.pidb == nil {
		return fmt.Errorf("project_hostlist: no parsed data in context")
	}
	data := make([]string, 0, len(sc.pidb.Hosts()))
	for _, host := range sc.pidb.Hosts() {
		data = append(data, host.Address)
	}
	sc.data = data
	return nil
}

// stepFilterTarpits drops parsed hosts with too many detected services.
// Such hosts are typically tarpits or middleboxes answering on every
// port and would pollute storage.
func (p *Planner) stepFilterTarpits(_ context.Context, sc *stepContext, args StepConfig) error {
	if sc.pidb == nil {
		return fmt.Errorf("filter_tarpits: no parsed data in context")
	}
	threshold, err := args.intArg("threshold", defaultTarpitThreshold)
	if err != nil {
		return err
	}

	serviceCounts := map[string]int{}
	for _, service := range sc.pidb.Services() {
		serviceCounts[service.Address]++
	}
	overThreshold := map[string]bool{}
	for address, count := range serviceCounts {
		if count > threshold {
			overThreshold[address] = true
		}
	}

	if len(overThreshold) > 0 {
		p.log.Info("planner filter_tarpits", "hosts", len(overThreshold))
		sc.pidb.PruneHosts(overThreshold)
	}
	return nil
}

// stepFilterNetranges keeps only context data items that fall into one
// of the whitelisted networks. Non-address items are dropped.
func (p *Planner) stepFilterNetranges(_ context.Context, sc *stepContext, args StepConfig) error {
	netranges, err := args.stringListArg("netranges")
	if err != nil {
		return err
	}
	whitelist := make([]netip.Prefix, 0, len(netranges))
	for _, netrange := range netranges {
		prefix, err := netip.ParsePrefix(netrange)
		if err != nil {
			return fmt.Errorf("filter_netranges: %w", err)
		}
		whitelist = append(whitelist, prefix)
	}

	var data []string
	for _, item := range sc.data {
		addr, err := netip.ParseAddr(item)
		if err != nil {
			continue
		}
		for _, prefix := range whitelist {
			if prefix.Contains(addr.Unmap()) {
				data = append(data, item)
				break
			}
		}
	}
	sc.data = data
	return nil
}

// stepEnqueue pushes context data into a named queue. The scheduler
// enqueue deduplicates against already queued targets.
func (p *Planner) stepEnqueue(ctx context.Context, sc *stepContext, args StepConfig) error {
	queueName, err := args.stringArg("queue")
	if err != nil {
		return err
	}
	if len(sc.data) == 0 {
		return nil
	}

	queue, err := p.store.GetQueueByName(ctx, queueName)
	if err != nil {
		return fmt.Errorf("enqueue queue %q: %w", queueName, err)
	}
	count, err := p.sched.Enqueue(ctx, queue.ID, sc.data)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	p.log.Info("planner enqueue", "queue", queueName, "targets", count)
	return nil
}

// stepRunGroup runs a named step group from config.
func (p *Planner) stepRunGroup(ctx context.Context, sc *stepContext, args StepConfig) error {
	name, err := args.stringArg("name")
	if err != nil {
		return err
	}
	steps, ok := p.cfg.StepGroups[name]
	if !ok {
		return fmt.Errorf("run_group: unknown step group %q", name)
	}
	return p.runSteps(ctx, sc, steps)
}

// stepEnumerateIPv4 expands configured netranges into individual
// addresses in context data.
func (p *Planner) stepEnumerateIPv4(_ context.Context, sc *stepContext, args StepConfig) error {
	netranges, err := args.stringListArg("netranges")
	if err != nil {
		return err
	}

	var data []string
	for _, netrange := range netranges {
		addrs, err := scheduler.EnumerateNetwork(netrange)
		if err != nil {
			return fmt.Errorf("enumerate_ipv4: %w", err)
		}
		data = append(data, addrs...)
	}
	sc.data = data
	if len(data) > 0 {
		p.log.Info("planner enumerate_ipv4", "targets", len(data))
	}
	return nil
}

// stepDiscoverIPv6DNS puts configured netranges into context data
// verbatim for a six_dns_discover queue; the agent module walks the
// range itself.
func (p *Planner) stepDiscoverIPv6DNS(_ context.Context, sc *stepContext, args StepConfig) error {
	netranges, err := args.stringListArg("netranges")
	if err != nil {
		return err
	}
	sc.data = append([]string(nil), netranges...)
	return nil
}

// stepDiscoverIPv6Enum projects enumeration patterns around known v6
// storage hosts. EUI-64 derived addresses are skipped since their
// neighborhoods are not worth sweeping.
func (p *Planner) stepDiscoverIPv6Enum(ctx context.Context, sc *stepContext, _ StepConfig) error {
	addresses, err := p.store.SixHostAddresses(ctx)
	if err != nil {
		return fmt.Errorf("discover_ipv6_enum: %w", err)
	}
	sc.data = projectSixEnums(addresses)
	if len(sc.data) > 0 {
		p.log.Info("planner discover_ipv6_enum", "targets", len(sc.data))
	}
	return nil
}

// stepRescanServices collects service endpoints whose rescan_time fell
// behind the interval into context data and stamps them rescanned.
func (p *Planner) stepRescanServices(ctx context.Context, sc *stepContext, args StepConfig) error {
	interval, err := args.stringArg("interval")
	if err != nil {
		return err
	}
	d, err := ParseInterval(interval)
	if err != nil {
		return fmt.Errorf("rescan_services: %w", err)
	}

	endpoints, err := p.store.RescanServices(ctx, time.Now().UTC().Add(-d))
	if err != nil {
		return fmt.Errorf("rescan_services: %w", err)
	}
	sc.data = endpoints
	if len(endpoints) > 0 {
		p.log.Info("planner rescan_services", "targets", len(endpoints))
	}
	return nil
}

// stepRescanHosts collects host addresses whose rescan_time fell behind
// the interval into context data and stamps them rescanned.
func (p *Planner) stepRescanHosts(ctx context.Context, sc *stepContext, args StepConfig) error {
	interval, err := args.stringArg("interval")
	if err != nil {
		return err
	}
	d, err := ParseInterval(interval)
	if err != nil {
		return fmt.Errorf("rescan_hosts: %w", err)
	}

	addresses, err := p.store.RescanHosts(ctx, time.Now().UTC().Add(-d))
	if err != nil {
		return fmt.Errorf("rescan_hosts: %w", err)
	}
	sc.data = addresses
	if len(addresses) > 0 {
		p.log.Info("planner rescan_hosts", "targets", len(addresses))
	}
	return nil
}

func (p *Planner) stepStorageCleanup(ctx context.Context, _ *stepContext, _ StepConfig) error {
	if err := p.store.CleanupStorage(ctx); err != nil {
		return fmt.Errorf("storage_cleanup: %w", err)
	}
	p.log.Debug("planner storage_cleanup done")
	return nil
}

// projectSixEnums derives scan6-style sweep patterns from v6 addresses.
// The last group is widened to 0-ffff; EUI-64 addresses (ff:fe in the
// interface identifier) are skipped.
func projectSixEnums(addresses []string) []string {
	seen := map[string]bool{}
	var targets []string
	for _, address := range addresses {
		addr, err := netip.ParseAddr(address)
		if err != nil || !addr.Is6() || addr.Is4In6() {
			continue
		}
		exploded := explodeSix(addr)
		if exploded[27:32] == "ff:fe" {
			continue
		}
		target := exploded[:strings.LastIndex(exploded, ":")+1] + "0-ffff"
		if !seen[target] {
			seen[target] = true
			targets = append(targets, target)
		}
	}
	sort.Strings(targets)
	return targets
}

// explodeSix renders a v6 address in full eight-group form.
func explodeSix(addr netip.Addr) string {
	raw := addr.As16()
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		groups[i] = fmt.Sprintf("%02x%02x", raw[2*i], raw[2*i+1])
	}
	return strings.Join(groups, ":")
}

// formatHostAddress wraps v6 addresses in brackets for host:port forms.
func formatHostAddress(address string) string {
	if addr, err := netip.ParseAddr(address); err == nil && addr.Is6() && !addr.Is4In6() {
		return "[" + address + "]"
	}
	return address
}
