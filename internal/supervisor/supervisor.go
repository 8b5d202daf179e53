// Package supervisor drives the three independent tickers that make up the
// running flatline process: the checks tick (poll, ingest, evaluate,
// fix/report), the daily digest, and the self-updater. Within one checks
// tick, ordering is fixed: watcher, then stats, then the pattern matcher,
// then diagnosis, then the fixer, then the reporter.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flatlinehq/flatline/internal/diagnosis"
	"github.com/flatlinehq/flatline/internal/fixer"
	"github.com/flatlinehq/flatline/internal/flconfig"
	"github.com/flatlinehq/flatline/internal/flpaths"
	"github.com/flatlinehq/flatline/internal/patterns"
	"github.com/flatlinehq/flatline/internal/reporter"
	"github.com/flatlinehq/flatline/internal/stats"
	"github.com/flatlinehq/flatline/internal/store"
	"github.com/flatlinehq/flatline/internal/updater"
	"github.com/flatlinehq/flatline/internal/watcher"
)

// ServiceManager stops, starts, and installs the agent's and supervisor's
// managed OS services. Satisfied by internal/svcmgr.Manager.
type ServiceManager interface {
	Stop(name string) error
	Start(name string) error
	Install(dir string) error
}

// Supervisor owns every long-lived component the running process needs and
// drives them off its own ticker set.
type Supervisor struct {
	cfg      flconfig.Config
	paths    flpaths.Paths
	store    *store.Store
	watcher  *watcher.Watcher
	stats    *stats.Engine
	fixer    *fixer.Fixer
	reporter *reporter.Reporter
	updater  *updater.Updater
	svc      ServiceManager
	diag     *diagnosis.Engine // nil disables the LLM diagnosis fallback

	repoDir           string
	currentBinaryPath string
	currentVersionTag string
	log               *slog.Logger

	mu                       sync.Mutex
	previousContainerHealthy *bool
}

// Config bundles everything New needs to assemble a Supervisor.
type Config struct {
	Cfg               flconfig.Config
	Paths             flpaths.Paths
	Store             *store.Store
	Watcher           *watcher.Watcher
	Stats             *stats.Engine
	Fixer             *fixer.Fixer
	Reporter          *reporter.Reporter
	Updater           *updater.Updater
	Service           ServiceManager
	Diagnosis         *diagnosis.Engine
	RepoDir           string
	CurrentBinaryPath string
	CurrentVersionTag string
	Log               *slog.Logger
}

// New assembles a Supervisor from its dependencies. Diagnosis may be nil,
// in which case ticks that find anomalies but no rule match simply skip the
// LLM fallback.
func New(c Config) *Supervisor {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:               c.Cfg,
		paths:             c.Paths,
		store:             c.Store,
		watcher:           c.Watcher,
		stats:             c.Stats,
		fixer:             c.Fixer,
		reporter:          c.Reporter,
		updater:           c.Updater,
		svc:               c.Service,
		diag:              c.Diagnosis,
		repoDir:           c.RepoDir,
		currentBinaryPath: c.CurrentBinaryPath,
		currentVersionTag: c.CurrentVersionTag,
		log:               log,
	}
}

// Run blocks until ctx is cancelled, driving the checks ticker, the daily
// digest schedule, and the updater ticker. The updater's apply step is not
// preemptible: the same select loop that fires these three events means an
// in-progress update delays the next checks tick rather than running
// alongside it.
func (s *Supervisor) Run(ctx context.Context) error {
	checkInterval := time.Duration(s.cfg.Checks.IntervalSecs) * time.Second
	checkTicker := time.NewTicker(checkInterval)
	defer checkTicker.Stop()

	digestSchedule, err := cron.ParseStandard(dailyHealthCronExpr(s.cfg.Reports.DailyHealth))
	if err != nil {
		return fmt.Errorf("parse daily health schedule %q: %w", s.cfg.Reports.DailyHealth, err)
	}
	digestTimer := time.NewTimer(time.Until(digestSchedule.Next(time.Now())))
	defer digestTimer.Stop()

	updateInterval := time.Duration(s.cfg.Update.CheckIntervalSecs) * time.Second
	updateTicker := time.NewTicker(updateInterval)
	defer updateTicker.Stop()

	s.log.Info("supervisor started",
		"check_interval", checkInterval,
		"daily_health", s.cfg.Reports.DailyHealth,
		"update_interval", updateInterval,
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopped")
			return nil
		case <-checkTicker.C:
			s.runCheckTick(ctx)
		case <-digestTimer.C:
			s.runDailyDigest(ctx)
			digestTimer.Reset(time.Until(digestSchedule.Next(time.Now())))
		case <-updateTicker.C:
			s.runUpdateTick(ctx)
		}
	}
}

// dailyHealthCronExpr turns a "HH:MM" config value into a standard 5-field
// cron expression firing once at that time every day. An unparsable window
// falls back to 08:00.
func dailyHealthCronExpr(window string) string {
	parts := strings.Split(window, ":")
	if len(parts) != 2 {
		return "0 8 * * *"
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return "0 8 * * *"
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return "0 8 * * *"
	}
	return fmt.Sprintf("%s %s * * *", parts[1], parts[0])
}
