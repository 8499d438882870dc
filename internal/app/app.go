// Package app wires the convoflow services from a Config and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/convoflow/convoflow/internal/agents"
	"github.com/convoflow/convoflow/internal/bus"
	"github.com/convoflow/convoflow/internal/channels"
	"github.com/convoflow/convoflow/internal/config"
	"github.com/convoflow/convoflow/internal/embedding"
	"github.com/convoflow/convoflow/internal/enrich"
	"github.com/convoflow/convoflow/internal/learning"
	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/orchestrator"
	"github.com/convoflow/convoflow/internal/patterns"
	"github.com/convoflow/convoflow/internal/policy"
	"github.com/convoflow/convoflow/internal/provider"
	"github.com/convoflow/convoflow/internal/routing"
	"github.com/convoflow/convoflow/internal/sicc"
	"github.com/convoflow/convoflow/internal/snapshot"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/tools"
	"github.com/convoflow/convoflow/internal/trigger"
)

// ErrNoProvider is returned by operations that need an LLM when none is
// configured.
var ErrNoProvider = errors.New("no LLM provider configured")

const (
	queueBuffer  = 256
	queueWorkers = 4
	flushTimeout = 10 * time.Second
)

// Options adjust how New builds the services.
type Options struct {
	// LLM replaces the configured provider stack (used by tests).
	LLM provider.LLMProvider
	// Embedder replaces the configured embedding provider (used by tests).
	Embedder *embedding.Provider
}

// App holds every long-lived service. Fields are nil when the matching
// feature is disabled.
type App struct {
	Config *config.Config

	Store     *store.Store
	Prom      *metrics.Prometheus
	Metrics   *metrics.Recorder
	Embedder  *embedding.Provider
	LLM       provider.LLMProvider
	AgentRepo *agents.Repository
	Agents    *agents.Registry
	Memory    *memory.Store
	Patterns  *patterns.Store
	Settings  *learning.SettingsStore
	Pipeline  *learning.Pipeline
	Learning  *learning.Analyzer
	Worker    *learning.Worker
	Snapshots *snapshot.Manager
	SICC      *sicc.Analyzer
	Hook      *sicc.Hook
	Tools     *tools.Registry

	Queue        bus.WorkQueue
	Bus          *bus.MessageBus
	Triggers     *trigger.Repository
	Engine       *trigger.Engine
	Orchestrator *orchestrator.Orchestrator

	WhatsApp *channels.WhatsAppChannel
	Slack    *channels.SlackChannel
	Email    *channels.EmailSender

	queueOnce sync.Once
	stopQueue func()
	closeOnce sync.Once
	closeErr  error
}

// New opens the store and builds the service graph. A missing LLM provider
// is not an error here; the orchestrator is simply left nil.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	st, err := store.Open(config.ExpandHome(cfg.Database.Path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, Store: st}
	db := st.DB()

	if cfg.Metrics.Enabled {
		a.Prom = metrics.NewPrometheus()
	}
	a.Metrics = metrics.NewRecorder(db, a.Prom)

	a.Embedder = opts.Embedder
	if a.Embedder == nil {
		a.Embedder = embedding.New(ctx, cfg.Embedding)
	}
	if !a.Embedder.Available() {
		slog.Warn("No embedding backend loaded, memory search disabled")
	}

	a.LLM = opts.LLM
	if a.LLM == nil {
		router, err := provider.Resolve(cfg)
		if err != nil {
			slog.Warn("LLM provider unavailable", "error", err)
		} else {
			a.LLM = router
		}
	}

	a.AgentRepo = agents.NewRepository(db)
	a.Agents = agents.NewRegistry(a.AgentRepo, cfg.Registry.SyncInterval)
	if _, err := a.Agents.LoadAll(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load agents: %w", err)
	}

	a.Memory = memory.NewStore(db, a.Embedder)
	a.Patterns = patterns.NewStore(db)
	a.Settings = learning.NewSettingsStore(db, learning.SettingsFromConfig(cfg))
	a.Pipeline = learning.NewPipeline(db, a.Settings, a.Memory, a.Patterns, a.Metrics)
	a.Learning = learning.NewAnalyzer(st, a.Pipeline)
	a.Snapshots = snapshot.NewManager(db, a.Memory, a.Patterns, a.Metrics)
	a.Worker = learning.NewWorker(learning.WorkerDeps{
		Agents:    a.Agents,
		Pipeline:  a.Pipeline,
		Analyzer:  a.Learning,
		Patterns:  a.Patterns,
		Lifecycle: memory.NewLifecycle(db),
		Snapshots: a.Snapshots,
	}, learning.WorkerOptions{
		Interval:      time.Duration(cfg.SICC.ConsolidationFrequencyHours) * time.Hour,
		WindowHours:   cfg.SICC.AnalysisWindowHours,
		MinMessages:   cfg.SICC.AnalysisMinMessages,
		RetryAttempts: cfg.SICC.RetryAttempts,
	})

	if len(cfg.Bus.Brokers) > 0 {
		a.Queue = bus.NewKafkaQueue(cfg.Bus.Brokers, cfg.Bus.GroupID)
	} else {
		a.Queue = bus.NewLocalQueue(queueBuffer, queueWorkers)
	}

	a.SICC = sicc.NewAnalyzer(a.Pipeline, a.Memory, a.Patterns, a.Metrics)
	sicc.Serve(a.Queue, cfg.Bus.LearningTopic, a.SICC)
	a.Hook = sicc.NewHook(sicc.QueueSink{Queue: a.Queue, Topic: cfg.Bus.LearningTopic}, cfg.SICC.BatchSize, a.Prom)
	if !cfg.SICC.Enabled {
		a.Hook.Disable()
	}

	a.Tools = tools.NewRegistry()
	a.Tools.Register(tools.NewMemorySearchTool(a.Memory))
	a.Tools.Register(tools.NewRememberTool(a.Pipeline))
	a.Tools.Register(tools.NewRecordLookupTool(st))
	a.Tools.Register(tools.NewWebhookPostTool(cfg.Triggers.ChannelTimeout))

	a.Bus = bus.NewMessageBus(0)
	a.buildChannels()

	a.Triggers = trigger.NewRepository(db)
	a.Engine = trigger.NewEngine(a.Triggers, st, a.executors(), a.Queue, a.Prom, trigger.Options{
		TickInterval:  cfg.Triggers.TickInterval,
		MaxConcurrent: cfg.Triggers.MaxConcurrent,
		ActionTopic:   cfg.Bus.ActionTopic,
		EventTopic:    cfg.Bus.EventTopic,
		ActionTimeout: cfg.Triggers.ChannelTimeout,
	})
	a.Engine.Serve()

	if a.LLM != nil {
		a.Orchestrator = a.buildOrchestrator()
	}
	return a, nil
}

func (a *App) buildChannels() {
	cfg := a.Config.Channels
	if cfg.WhatsApp.Enabled {
		a.WhatsApp = channels.NewWhatsAppChannel(cfg.WhatsApp, a.Bus, a.Config.Orchestrator.DefaultAgent)
	}
	if cfg.Slack.Enabled {
		a.Slack = channels.NewSlackChannel(cfg.Slack, a.Bus)
	}
	if cfg.SMTP.Enabled {
		a.Email = channels.NewEmailSender(cfg.SMTP)
	}
}

// executors registers one executor per action whose backend is configured.
// change_status and call_tool only need the store and the tool registry.
func (a *App) executors() *trigger.Executors {
	execs := trigger.NewExecutors(
		trigger.ChangeStatusAction{Records: a.Store},
		trigger.CallToolAction{Tools: a.Tools},
	)
	if a.WhatsApp != nil {
		execs.Register(trigger.SendMessageAction{Sender: a.WhatsApp})
	}
	if a.Email != nil {
		execs.Register(trigger.SendEmailAction{Sender: a.Email})
	}
	if a.Slack != nil {
		execs.Register(trigger.NotifyTeamAction{Notifier: a.Slack})
	}
	return execs
}

func (a *App) buildOrchestrator() *orchestrator.Orchestrator {
	cfg := a.Config
	eopts := enrich.DefaultOptions()
	eopts.TokenBudget = cfg.Orchestrator.TokenBudget
	return orchestrator.New(orchestrator.Deps{
		Agents:   a.Agents,
		Router:   routing.NewAnalyzer(a.LLM, cfg.Model.Name, cfg.Model.Timeout),
		LLM:      a.LLM,
		Enricher: enrich.New(a.Memory, a.Patterns, a.Embedder, eopts),
		Store:    a.Store,
		Memory:   a.Memory,
		Patterns: a.Patterns,
		Metrics:  a.Metrics,
		Hook:     a.Hook,
		Tools:    a.Tools,
		Policy:   policy.NewTierEngine(cfg.Orchestrator.MaxToolTier, cfg.Orchestrator.ExternalMaxToolTier),
		Events:   a.Engine,
	}, orchestrator.Options{
		HistoryLimit:       cfg.Orchestrator.HistoryLimit,
		EnrichmentEnabled:  cfg.Orchestrator.EnrichmentEnable,
		LLMTimeout:         cfg.Model.Timeout,
		DefaultModel:       cfg.Model.Name,
		DefaultMaxTokens:   cfg.Model.MaxTokens,
		DefaultTemperature: cfg.Model.Temperature,
	})
}

// StartQueue runs the work queue in the background. The returned function
// flushes the learning hook, stops the queue and waits for queued jobs to
// finish. Calling StartQueue again returns the same stop function.
func (a *App) StartQueue(ctx context.Context) func() {
	a.queueOnce.Do(func() {
		qctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.Queue.Run(qctx); err != nil {
				slog.Error("Work queue stopped", "error", err)
			}
		}()
		var once sync.Once
		a.stopQueue = func() {
			once.Do(func() {
				flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
				a.Hook.Shutdown(flushCtx)
				flushCancel()
				cancel()
				<-done
			})
		}
	})
	return a.stopQueue
}

// Serve runs every background service until ctx is cancelled or one of them
// fails.
func (a *App) Serve(ctx context.Context) error {
	if a.Orchestrator == nil {
		return ErrNoProvider
	}
	stop := a.StartQueue(ctx)
	defer stop()

	if a.WhatsApp != nil {
		if err := a.WhatsApp.Start(ctx); err != nil {
			slog.Warn("WhatsApp channel not started", "error", err)
		}
	}
	if a.Slack != nil {
		if err := a.Slack.Start(ctx); err != nil {
			slog.Warn("Slack channel not started", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Agents.Run(gctx)
		return nil
	})
	if a.Config.SICC.Enabled {
		g.Go(func() error {
			a.Worker.Run(gctx)
			return nil
		})
	}
	if a.Config.Triggers.Enabled {
		g.Go(func() error {
			a.Engine.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return ignoreCanceled(a.Bus.DispatchOutbound(gctx))
	})
	gateway := orchestrator.NewGateway(a.Bus, a.Orchestrator, a.Config.Orchestrator.Workers, a.Config.Orchestrator.DefaultAgent)
	g.Go(func() error {
		return gateway.Run(gctx)
	})
	if addr := a.Config.Channels.Webhook.Addr; addr != "" {
		handler := channels.NewWebhookHandler(a.Bus, a.Config.Channels.Webhook.Secret, a.Config.Orchestrator.DefaultAgent)
		srv := channels.NewWebhookServer(addr, handler)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	if a.Prom != nil && a.Config.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, a.Config.Metrics.Addr, a.Prom.Handler())
		})
	}

	slog.Info("Convoflow running",
		"agents", a.Agents.Stats().Total,
		"sicc", a.Config.SICC.Enabled,
		"triggers", a.Config.Triggers.Enabled,
		"kafka", len(a.Config.Bus.Brokers) > 0)
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close stops the queue if it is running and releases every resource.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.stopQueue != nil {
			a.stopQueue()
		}
		var errs []error
		if err := a.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
		if a.WhatsApp != nil {
			if err := a.WhatsApp.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop whatsapp: %w", err))
			}
		}
		if err := a.Embedder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close embedder: %w", err))
		}
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
