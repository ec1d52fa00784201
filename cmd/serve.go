package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawfleet/internal/algochat"
	"github.com/nextlevelbuilder/clawfleet/internal/bootstrap"
	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/config"
	"github.com/nextlevelbuilder/clawfleet/internal/council"
	"github.com/nextlevelbuilder/clawfleet/internal/dedup"
	"github.com/nextlevelbuilder/clawfleet/internal/gateway"
	"github.com/nextlevelbuilder/clawfleet/internal/notify"
	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/internal/scheduler"
	"github.com/nextlevelbuilder/clawfleet/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawfleet/internal/subscribe"
	"github.com/nextlevelbuilder/clawfleet/internal/tracing"
	"github.com/nextlevelbuilder/clawfleet/internal/workflow"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

var errTerminated = errors.New("terminated")

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()
	if err := serve(); err != nil {
		if !errors.Is(err, errTerminated) {
			slog.Error("server failed", "error", err)
		}
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func openStore(cfg *config.Config) (*sqlite.Store, error) {
	path := cfg.DatabasePath()
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	return sqlite.Open(path)
}

func serve() error {
	log := slog.Default()
	started := time.Now()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGINT is a clean stop; SIGTERM exits non-zero so supervisors
	// notice an externally forced shutdown.
	var sigMu sync.Mutex
	var received os.Signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		sigMu.Lock()
		received = sig
		sigMu.Unlock()
		log.Info("server: shutdown signal", "signal", sig.String())
		cancel()
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		shutdownTracing(flushCtx)
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	pub := bus.New()
	ded := dedup.New(log)
	dedup.SetGlobal(ded)

	procs := procman.New(procman.Options{
		Command:        cfg.Agent.Command,
		DefaultTimeout: time.Duration(cfg.Agent.SessionTimeoutMin) * time.Minute,
		Credits: procman.CreditConfig{
			Enabled:        cfg.Agent.Credits.Enabled,
			CreditsPerTurn: cfg.Agent.Credits.PerTurn,
			CreditsPerAlgo: cfg.Agent.Credits.PerAlgo,
			WelcomeCredits: cfg.Agent.Credits.WelcomeCredits,
		},
	}, st, log)

	subs := subscribe.NewManager(procs, nil, log)
	wireSessionTopics(procs, subs, pub)
	councils := council.New(st, procs, pub, log)

	notifier := notify.New(st, pub, log)
	if cfg.Notify.DiscordToken != "" {
		notifier.RegisterSender(notify.NewDiscordSender(cfg.Notify.DiscordToken))
	}

	sched := scheduler.New(st, procs, notifier, councils, pub, log,
		scheduler.Options{ApprovalCouncilID: cfg.Scheduler.ApprovalCouncilID})
	workflows := workflow.New(st, procs, pub, log)

	defaultAgentID, err := bootstrap.EnsureDefaults(ctx, st, log)
	if err != nil {
		return err
	}
	if cfg.AlgoChat.DefaultAgentID == "" {
		cfg.AlgoChat.DefaultAgentID = defaultAgentID
	}

	srv := gateway.NewServer(cfg, pub, st, ded, log)
	srv.SetWorkflowEngine(workflows)
	srv.SetScheduler(sched)
	srv.SetQuestionService(notifier)
	srv.SetActiveSessionsFn(func() int { return len(procs.ActiveSessionIDs()) })
	srv.SetDispatcher(&localDispatcher{st: st, procs: procs, agentID: defaultAgentID, log: log})
	if cfg.Telemetry.Endpoint != "" {
		srv.SetHTTPMiddleware(tracing.HTTPMiddleware)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.AlgoChat.Enabled {
		if err := wireAlgoChat(ctx, g, gctx, cfg, st, procs, subs, councils, ded, pub, notifier, log); err != nil {
			return err
		}
	}

	// Namespaces are registered by the components above; load persisted
	// entries only after all of them exist.
	if err := ded.Init(ctx, st); err != nil {
		return err
	}
	g.Go(func() error { return ded.Run(gctx) })

	if cfg.Scheduler.Enabled {
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error { return srv.Start(gctx) })

	log.Info("server: ready", "addr", cfg.Addr(), "version", Version)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	procs.Shutdown(stopCtx)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	log.Info("server: stopped",
		"uptime", time.Since(started).Round(time.Second).String(),
		"sessions_active", len(procs.ActiveSessionIDs()),
		"heap_mb", mem.HeapAlloc/(1<<20))

	sigMu.Lock()
	sig := received
	sigMu.Unlock()
	if sig == syscall.SIGTERM {
		return errTerminated
	}
	return nil
}

// wireSessionTopics attaches a stream shaper to each session on its first
// event and fans the shaped events onto the session's WebSocket topic.
// The triggering event itself is not replayed.
func wireSessionTopics(procs *procman.Manager, subs *subscribe.Manager, pub bus.Publisher) {
	var mu sync.Mutex
	streamed := make(map[string]bool)
	procs.SubscribeAll(func(sessionID string, ev procman.Event) {
		mu.Lock()
		seen := streamed[sessionID]
		if ev.Type == procman.EventSessionExited {
			delete(streamed, sessionID)
		} else if !seen {
			streamed[sessionID] = true
		}
		mu.Unlock()
		if seen || ev.Type == procman.EventSessionExited {
			return
		}
		topic := protocol.TopicSession + ":" + sessionID
		subs.SubscribeWS(sessionID, func(eventType string, payload map[string]any) {
			pub.Broadcast(bus.Event{Topic: topic, Type: eventType, Payload: payload})
		})
	})
}

// wireAlgoChat builds the chain transport: the wallet-daemon client, the
// PSK ratchet layer, the poller, and the bridge, and registers their
// loops on the group.
func wireAlgoChat(ctx context.Context, g *errgroup.Group, gctx context.Context,
	cfg *config.Config, st *sqlite.Store, procs *procman.Manager,
	subs *subscribe.Manager, councils *council.Engine, ded *dedup.Service,
	pub bus.Publisher, notifier *notify.Service, log *slog.Logger) error {

	walletURL := cfg.AlgoChat.WalletURL
	if walletURL == "" {
		walletURL = cfg.AlgoChat.AlgodURL
	}
	if walletURL == "" {
		return errors.New("algochat enabled but no wallet daemon url configured")
	}
	if cfg.AlgoChat.MainAddress == "" {
		return errors.New("algochat enabled but no main address configured")
	}

	allow, err := config.LoadAllowlist(cfg.AlgoChat.AllowlistPath)
	if err != nil {
		return fmt.Errorf("load allowlist: %w", err)
	}

	node := algochat.NewRemoteNode(walletURL, cfg.AlgoChat.MainAddress, cfg.AlgoChat.WalletToken)
	psk, err := algochat.NewRatchetManager(ctx, st, node, log)
	if err != nil {
		return err
	}
	poller := algochat.NewSyncManager(node, node, psk, cfg.AlgoChat.MainAddress, cfg.AlgoChat.SyncInterval, log)

	bridge := algochat.New(st, procs, procs.Approvals(), subs, councils, ded, pub,
		node, psk, node, poller, algochat.Options{
			Network:           cfg.AlgoChat.Network,
			OwnerAddress:      cfg.AlgoChat.OwnerAddress,
			Allowlist:         allow,
			DailyBudgetMicro:  cfg.AlgoChat.DailyBudgetMicro,
			DefaultAgentID:    cfg.AlgoChat.DefaultAgentID,
			SyncInterval:      cfg.AlgoChat.SyncInterval,
			WorkTaskMaxPerDay: cfg.WorkTasks.MaxPerDay,
			Credits: procman.CreditConfig{
				Enabled:        cfg.Agent.Credits.Enabled,
				CreditsPerTurn: cfg.Agent.Credits.PerTurn,
				CreditsPerAlgo: cfg.Agent.Credits.PerAlgo,
				WelcomeCredits: cfg.Agent.Credits.WelcomeCredits,
			},
		}, log)
	poller.SetHandler(bridge)

	procs.SetApprovalChangeHook(bridge.OnApprovalChange)
	procs.SetOwnerCheck(func(addr string) bool {
		return addr != "" && (addr == cfg.AlgoChat.OwnerAddress || allow.Contains(addr))
	})

	// Chain notifications ride the bridge's status channel.
	notifier.RegisterSender(notify.SenderFunc{
		Name: "algochat",
		Fn: func(ctx context.Context, config map[string]any, text string) error {
			addr, _ := config["address"].(string)
			if addr == "" {
				return errors.New("algochat channel config missing address")
			}
			return bridge.SendStatus(ctx, addr, text)
		},
	})

	g.Go(func() error { return allow.Watch(gctx, log) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return bridge.RunDiscovery(gctx) })
	return nil
}
