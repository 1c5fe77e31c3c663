package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"edgetutor/internal/logging"
)

// Status classifies one probe result.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarn     Status = "warn"
	StatusCritical Status = "critical"
)

// Resource usage thresholds in percent.
const (
	usageWarnPct     = 80
	usageCriticalPct = 90
)

// Check is one probe outcome.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Prober is anything with a health endpoint the checker can poll.
type Prober interface {
	HealthCheck(ctx context.Context) error
}

// Checker runs the node's periodic health probes: the inference engine, the
// vector store, the metadata store, disk usage, and RAM usage.
type Checker struct {
	probers map[string]Prober
	dataDir string
	logger  logging.Logger

	// onCritical fires once per critical probe per cycle, typically wired
	// to a Supervisor.
	onCritical func(ctx context.Context, name string, detail string)

	// overridable in tests
	diskUsage func(path string) (float64, error)
	ramUsage  func() (float64, error)
}

// NewChecker builds a checker over named dependencies. dataDir is the mount
// whose disk usage is watched.
func NewChecker(probers map[string]Prober, dataDir string, logger logging.Logger) *Checker {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Checker{
		probers:   probers,
		dataDir:   dataDir,
		logger:    logger.WithComponent("health"),
		diskUsage: diskUsagePct,
		ramUsage:  ramUsagePct,
	}
}

// OnCritical registers the escalation callback for critical probes.
func (c *Checker) OnCritical(fn func(ctx context.Context, name, detail string)) {
	c.onCritical = fn
}

// Run probes on the given interval until the context is cancelled.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs every probe once and returns the classified results. A
// probe failure never aborts the remaining probes.
func (c *Checker) ProbeAll(ctx context.Context) []Check {
	var checks []Check
	var merr *multierror.Error

	for name, prober := range c.probers {
		check := Check{Name: name, Status: StatusOK}
		if err := prober.HealthCheck(ctx); err != nil {
			check.Status = StatusCritical
			check.Detail = err.Error()
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
		}
		checks = append(checks, check)
	}
	checks = append(checks, c.usageCheck("disk", func() (float64, error) {
		return c.diskUsage(c.dataDir)
	}))
	checks = append(checks, c.usageCheck("ram", c.ramUsage))

	for _, check := range checks {
		switch check.Status {
		case StatusCritical:
			c.logger.ErrorContext(ctx, "health probe critical",
				"probe", check.Name, "detail", check.Detail)
			if c.onCritical != nil {
				c.onCritical(ctx, check.Name, check.Detail)
			}
		case StatusWarn:
			c.logger.WarnContext(ctx, "health probe warning",
				"probe", check.Name, "detail", check.Detail)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		c.logger.DebugContext(ctx, "probe cycle finished with failures", "error", err.Error())
	}
	return checks
}

func (c *Checker) usageCheck(name string, usage func() (float64, error)) Check {
	pct, err := usage()
	if err != nil {
		return Check{Name: name, Status: StatusWarn, Detail: err.Error()}
	}
	check := Check{Name: name, Detail: fmt.Sprintf("%.1f%% used", pct)}
	switch {
	case pct >= usageCriticalPct:
		check.Status = StatusCritical
	case pct >= usageWarnPct:
		check.Status = StatusWarn
	default:
		check.Status = StatusOK
	}
	return check
}

func diskUsagePct(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("statfs %s reported zero capacity", path)
	}
	free := stat.Bavail * uint64(stat.Bsize)
	return float64(total-free) / float64(total) * 100, nil
}

func ramUsagePct() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	if total == 0 {
		return 0, fmt.Errorf("sysinfo reported zero memory")
	}
	available := (uint64(info.Freeram) + uint64(info.Bufferram)) * uint64(info.Unit)
	return float64(total-available) / float64(total) * 100, nil
}
