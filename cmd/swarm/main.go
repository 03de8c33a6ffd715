// Package main provides the swarm headless run driver: it loads a run
// configuration, leases authenticated browser sessions from the session
// cache and drives the scheduler until the quota is met or the run is
// stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/swarm/pkg/browser"
	"github.com/entrhq/swarm/pkg/config"
	"github.com/entrhq/swarm/pkg/executor"
	"github.com/entrhq/swarm/pkg/logging"
	"github.com/entrhq/swarm/pkg/scheduler"
	"github.com/entrhq/swarm/pkg/session"
	"github.com/entrhq/swarm/pkg/types"
)

const version = "0.1.0"

const (
	exitOK        = 0
	exitConfig    = 1
	exitRunFailed = 2
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigFile  string
	Evict       time.Duration
	ShowVersion bool
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("swarm v%s\n", version)
		return
	}

	os.Exit(run(cli))
}

// parseFlags parses command line flags.
func parseFlags() *CLIConfig {
	cli := &CLIConfig{}

	flag.StringVar(&cli.ConfigFile, "config", "", "Path to run configuration file (YAML)")
	flag.DurationVar(&cli.Evict, "evict", 0, "Evict cached session records older than this and exit (e.g. 168h)")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Swarm - Scheduled Browser Action Runner\n\n")
		fmt.Fprintf(os.Stderr, "Usage: swarm [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Run a configured action campaign\n")
		fmt.Fprintf(os.Stderr, "  swarm -config run.yaml\n\n")
		fmt.Fprintf(os.Stderr, "  # Evict session records unused for a week\n")
		fmt.Fprintf(os.Stderr, "  swarm -evict 168h\n\n")
	}

	flag.Parse()
	return cli
}

func run(cli *CLIConfig) int {
	env, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	if env.LogDir != "" {
		logging.SetLogDirectory(env.LogDir)
	}

	if env.LogLevel != "" {
		level, err := logging.ParseLevel(env.LogLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitConfig
		}
		logging.SetLevel(level)
	}

	cacheDir, err := env.ResolveCacheDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	cache, err := session.NewCache(cacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	if cli.Evict > 0 {
		return evict(cache, cli.Evict)
	}

	if cli.ConfigFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		return exitConfig
	}

	runCfg, err := config.LoadRun(cli.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	// NewLogger falls back to stderr on error; the run proceeds either way.
	log, err := logging.NewLogger("swarm")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", err)
	}
	defer log.Close()

	log.Infof("run %s starting: quota=%d roster=%d concurrency=%d",
		logging.GetRunID(), runCfg.Quota, len(runCfg.Roster), runCfg.ConcurrencyLimit)

	manager := browser.NewManager(browser.ManagerOptions{
		Headless:    runCfg.Headless,
		MaxSessions: runCfg.ConcurrencyLimit,
	})
	if err := manager.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}
	defer manager.Shutdown()

	provider := browser.NewProvider(manager, cache, browser.ProviderOptions{
		TargetResource:  runCfg.TargetResource,
		AuthMarkers:     runCfg.AuthMarkers,
		ArtifactDomains: runCfg.ArtifactDomains,
	}, log)

	performer := executor.New(executor.Options{
		SurfaceSelectors: runCfg.SurfaceSelectors,
		SubmitSelectors:  runCfg.SubmitSelectors,
		SuccessPatterns:  runCfg.SuccessIndicators,
	}, log)

	sched := scheduler.New(scheduler.Options{
		Roster:              runCfg.Roster,
		Quota:               runCfg.Quota,
		ConcurrencyLimit:    runCfg.ConcurrencyLimit,
		InterAdmissionDelay: runCfg.InterAdmissionDelay.Std(),
		Payloads:            runCfg.Payloads,
		MaxAttempts:         runCfg.MaxAttempts,
		KeepSessionOpen:     runCfg.KeepSessionOpenOnSuccess,
	}, provider, performer, consoleObserver(), log)

	// Sessions kept open after success are reaped once they sit idle.
	idleDone := make(chan struct{})
	defer close(idleDone)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-idleDone:
				return
			case <-ticker.C:
				if n := manager.CleanupIdle(); n > 0 {
					log.Debugf("closed %d idle sessions", n)
				}
			}
		}
	}()

	// SIGINT and SIGTERM request a graceful stop: no new admissions,
	// in-flight work drains. A second signal aborts outright.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nStop requested, draining in-flight work...")
		sched.Stop()
		<-sigChan
		fmt.Println("Aborting.")
		cancel()
	}()

	err = sched.Run(ctx)
	completed, quota := sched.Progress()
	if err != nil {
		log.Errorf("run ended early: %v (completed %d/%d)", err, completed, quota)
		fmt.Fprintf(os.Stderr, "Run ended early: %v (completed %d/%d)\n", err, completed, quota)
		return exitRunFailed
	}

	log.Infof("run finished: completed %d/%d", completed, quota)
	fmt.Printf("Run finished: completed %d/%d\n", completed, quota)
	if completed < quota {
		return exitRunFailed
	}
	return exitOK
}

// evict removes stale session records and prints what was reclaimed.
func evict(cache *session.Cache, retention time.Duration) int {
	stats, err := cache.Evict(retention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitRunFailed
	}
	fmt.Printf("Scanned %d records, removed %d, reclaimed %s\n",
		stats.Scanned, stats.Removed, session.HumanBytes(stats.BytesReclaimed))
	return exitOK
}

// consoleObserver prints run events as human-readable status lines.
func consoleObserver() types.Observer {
	return types.ObserverFunc(func(event types.RunEvent) {
		stamp := event.Timestamp.Format("15:04:05")
		switch event.Type {
		case types.EventTypeProgress:
			fmt.Printf("[%s] progress: %d/%d\n", stamp, event.Completed, event.Quota)
		case types.EventTypeParticipantOutcome:
			status := "failed"
			if event.Success {
				status = "ok"
			}
			fmt.Printf("[%s] %s: %s (%s)\n", stamp, event.Participant, status, event.Detail)
		case types.EventTypeRunCompleted:
			fmt.Printf("[%s] run completed: %d/%d\n", stamp, event.Completed, event.Quota)
		case types.EventTypeLog:
			fmt.Printf("[%s] %s\n", stamp, event.Message)
		}
	})
}
