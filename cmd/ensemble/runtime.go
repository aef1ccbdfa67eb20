package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ensembleai/ensemble/internal/agent"
	"github.com/ensembleai/ensemble/internal/background"
	"github.com/ensembleai/ensemble/internal/broker"
	"github.com/ensembleai/ensemble/internal/channels"
	"github.com/ensembleai/ensemble/internal/config"
	"github.com/ensembleai/ensemble/internal/coordinator"
	"github.com/ensembleai/ensemble/internal/dispatch"
	"github.com/ensembleai/ensemble/internal/embeddings"
	openaiembed "github.com/ensembleai/ensemble/internal/embeddings/openai"
	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/internal/knowledge"
	"github.com/ensembleai/ensemble/internal/learning"
	"github.com/ensembleai/ensemble/internal/observability"
	"github.com/ensembleai/ensemble/internal/providers"
	"github.com/ensembleai/ensemble/internal/rooms"
	"github.com/ensembleai/ensemble/internal/security"
	"github.com/ensembleai/ensemble/internal/sidekick"
	"github.com/ensembleai/ensemble/internal/summary"
	"github.com/ensembleai/ensemble/internal/tools"
	"github.com/ensembleai/ensemble/pkg/models"
)

const memoryDBName = "memory.db"

// memoryRuntime is the read-mostly slice of the stack: the event store
// and the memory engines over it. Introspection commands (explain, how,
// memory *) open only this much and never touch a provider.
type memoryRuntime struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *eventstore.Store
	embedder  *embeddings.Lazy
	graph     *knowledge.Graph
	tree      *summary.Tree
	learnings *learning.Store
	rooms     *rooms.Manager
	artifacts *rooms.ArtifactStore
	tasks     *coordinator.TaskStore
}

func openMemoryRuntime(configPath string) (*memoryRuntime, error) {
	cfg, err := config.Load(configPath, slog.Default())
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{Level: "warn", Format: "text"})

	store, err := eventstore.Open(filepath.Join(cfg.Workspace, memoryDBName), logger)
	if err != nil {
		return nil, err
	}
	db := store.DB()

	embedder := buildEmbedder(cfg, logger)
	graph := knowledge.NewGraph(db, embedder, logger,
		knowledge.WithThresholds(cfg.Memory.Extraction.CandidateFloor, cfg.Memory.Extraction.MergeThreshold))
	tree, err := summary.NewTree(db, unavailableCompleter{}, embedder, summary.Config{
		StalenessThreshold: cfg.Memory.Summary.StalenessThreshold,
		MaxRefreshBatch:    cfg.Memory.Summary.MaxRefreshBatch,
		MaxSourceEvents:    cfg.Memory.Summary.MaxSourceEvents,
	}, logger)
	if err != nil {
		return nil, err
	}
	roomMgr, err := rooms.NewManager(db, cfg.Workspace, logger)
	if err != nil {
		return nil, err
	}
	artifacts, err := rooms.NewArtifactStore(cfg.Workspace)
	if err != nil {
		return nil, err
	}

	return &memoryRuntime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		embedder:  embedder,
		graph:     graph,
		tree:      tree,
		learnings: learning.NewStore(db, embedder, logger),
		rooms:     roomMgr,
		artifacts: artifacts,
		tasks:     coordinator.NewTaskStore(db, logger),
	}, nil
}

// runtime is the full running stack behind the `agent` command.
type runtime struct {
	*memoryRuntime

	metrics    *observability.Metrics
	provider   providers.ChatProvider
	cheap      *cheapCompleter
	registry   *tools.Registry
	executor   *tools.Executor
	skills     *tools.SkillLoader
	roster     *dispatch.Roster
	loop       *agent.Loop
	dispatcher *dispatch.Dispatcher
	bus        *coordinator.Bus
	coord      *coordinator.Coordinator
	sidekicks  *sidekick.Manager
	scheduler  *background.Manager
	broker     *broker.Broker
	channels   *channels.Registry
	audit      *security.AuditLog
	turns      *turnRouter
}

// runtimeOptions carries per-invocation overrides on top of the config.
type runtimeOptions struct {
	// CLIRoom replaces the configured default room of the interactive
	// session when set.
	CLIRoom string
}

func openRuntime(ctx context.Context, configPath string, opts runtimeOptions) (*runtime, error) {
	mem, err := openMemoryRuntime(configPath)
	if err != nil {
		return nil, err
	}
	cfg := mem.cfg
	if opts.CLIRoom != "" {
		cfg.Channels.CLI.DefaultRoom = opts.CLIRoom
	}
	logger := mem.logger
	metrics := observability.NewMetrics()
	db := mem.store.DB()

	provider, err := buildProviderStack(cfg, logger)
	if err != nil {
		return nil, err
	}
	cheap := &cheapCompleter{provider: provider, model: cfg.Providers.CheapModel}

	// The summary tree in the memory runtime carries a stub completer;
	// rebuild it with the real cheap-model path for background refreshes.
	tree, err := summary.NewTree(db, cheap, mem.embedder, summary.Config{
		StalenessThreshold: cfg.Memory.Summary.StalenessThreshold,
		MaxRefreshBatch:    cfg.Memory.Summary.MaxRefreshBatch,
		MaxSourceEvents:    cfg.Memory.Summary.MaxSourceEvents,
	}, logger)
	if err != nil {
		return nil, err
	}
	mem.tree = tree

	audit, err := security.OpenAuditLog(filepath.Join(cfg.Workspace, "audit.log"), logger)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, mem.store, metrics, logger)
	skillDir := cfg.Security.SkillsDir
	if !filepath.IsAbs(skillDir) {
		skillDir = filepath.Join(cfg.Workspace, skillDir)
	}
	skills := tools.NewSkillLoader(skillDir, logger)
	if err := skills.Load(); err != nil {
		logger.Warn("skill load failed", "error", err)
	}

	roster := buildRoster(cfg, registry)
	registerBuiltinTools(registry, mem, logger)

	scheduler := background.NewManager(background.Config{
		Workers:        cfg.Memory.Tasks.Workers,
		QueueCap:       cfg.Memory.Tasks.QueueCapacity,
		QuietThreshold: time.Duration(cfg.Memory.Tasks.QuietThreshold) * time.Second,
	}, nil, metrics, logger)

	builder := agent.NewContextBuilder(mem.tree, mem.store, mem.learnings, mem.graph,
		agent.Budget{Total: cfg.Memory.Context.TokenBudget}, cfg.Memory.Context.RecentEvents)
	loop := agent.NewLoop(provider, registry, executor, builder, mem.store, mem.learnings,
		scheduler.Activity(), metrics, agent.Config{
			MaxToolRounds: cfg.Memory.Context.MaxToolRounds,
			CheapModel:    cfg.Providers.CheapModel,
		}, logger)

	chanRegistry := channels.NewRegistry(logger)
	announce := func(ctx context.Context, roomID, text string) {
		env := &models.Envelope{
			Channel:   channelOfRoom(roomID),
			ChatID:    roomID,
			Sender:    "system",
			Content:   text,
			Timestamp: time.Now().UTC(),
			RoomID:    roomID,
		}
		if err := chanRegistry.Send(ctx, roomID, env); err != nil {
			logger.Debug("announce skipped", "room", roomID, "error", err)
		}
	}
	dispatcher := dispatch.NewDispatcher(roster, loop, mem.store, announce, logger)

	bus := coordinator.NewBus(db, logger)
	analyzer := coordinator.NewLLMAnalyzer(provider, cfg.Providers.CheapModel, logger)
	coord := coordinator.New(mem.tasks, bus, roster, dispatcher,
		analyzer, mem.learnings, mem.store, metrics, logger, coordinator.Config{})

	sidekicks := sidekick.NewManager(provider, registry, executor, mem.store, metrics,
		logger, cfg.Rooms.Sidekicks)

	turns := &turnRouter{
		rooms:      mem.rooms,
		dispatcher: dispatcher,
		coord:      coord,
		waiters:    make(map[string]chan turnResult),
		finished:   make(map[string]turnResult),
	}

	brk := broker.New(broker.Config{
		CommitWindow: time.Duration(cfg.Memory.Broker.GroupCommitMS) * time.Millisecond,
		CommitBatch:  cfg.Memory.Broker.GroupCommitSize,
		HighWater:    cfg.Memory.Broker.HighWaterMark,
		InMemory:     cfg.Memory.Broker.InMemory,
	}, mem.store, turns, metrics, logger)

	rt := &runtime{
		memoryRuntime: mem,
		metrics:       metrics,
		provider:      provider,
		cheap:         cheap,
		registry:      registry,
		executor:      executor,
		skills:        skills,
		roster:        roster,
		loop:          loop,
		dispatcher:    dispatcher,
		bus:           bus,
		coord:         coord,
		sidekicks:     sidekicks,
		scheduler:     scheduler,
		broker:        brk,
		channels:      chanRegistry,
		audit:         audit,
		turns:         turns,
	}
	if err := rt.registerBackgroundTasks(); err != nil {
		return nil, err
	}
	rt.addConnectors()
	return rt, nil
}

// start brings up the broker, the scheduler, the skill watcher, and the
// channel connectors, in that order.
func (rt *runtime) start(ctx context.Context) error {
	rt.broker.Start(ctx)
	if err := rt.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := rt.skills.Watch(ctx); err != nil {
		rt.logger.Warn("skill watcher unavailable", "error", err)
	}
	return rt.channels.StartAll(ctx, rt.sink)
}

// stop tears the stack down in the reverse of start.
func (rt *runtime) stop(ctx context.Context) {
	rt.channels.StopAll(ctx)
	rt.scheduler.Stop()
	rt.dispatcher.Wait()
	rt.broker.Stop()
	rt.bus.Close()
	_ = rt.audit.Close()
}

// sink is the shared inbound path for every connector: resolve the
// room, enqueue through the group-commit broker, then wait for the
// turn's reply.
func (rt *runtime) sink(ctx context.Context, env *models.Envelope) (string, error) {
	room, err := rt.resolveRoom(ctx, env)
	if err != nil {
		return "", err
	}
	rt.scheduler.Activity().Pulse()

	ev, err := rt.broker.Enqueue(ctx, room.ID, env)
	if err != nil {
		return "", err
	}
	return rt.turns.await(ctx, ev.ID)
}

// resolveRoom prefers an exact room id (the CLI addresses rooms by
// name); anything else goes through the channel mapping, which creates
// direct or open rooms on first contact.
func (rt *runtime) resolveRoom(ctx context.Context, env *models.Envelope) (*models.Room, error) {
	if room, err := rt.rooms.Get(env.ChatID); err == nil {
		return room, nil
	}
	return rt.rooms.MapChannelToRoom(ctx, env.Channel, env.ChatID)
}

func (rt *runtime) addConnectors() {
	cfg := rt.cfg.Channels
	if cfg.CLI.Enabled {
		rt.channels.Add(channels.NewCLIConnector(cfg.CLI.DefaultRoom, "user", rt.logger))
	}
	if cfg.Telegram.Enabled {
		rt.channels.Add(channels.NewTelegramConnector(cfg.Telegram, rt.logger))
	}
	if cfg.Discord.Enabled {
		rt.channels.Add(channels.NewDiscordConnector(cfg.Discord, rt.logger))
	}
	if cfg.Slack.Enabled {
		rt.channels.Add(channels.NewSlackConnector(cfg.Slack, rt.logger))
	}
}

func (rt *runtime) registerBackgroundTasks() error {
	extractor := knowledge.NewExtractor(rt.graph, rt.store, rt.cheap, rt.tree,
		rt.cfg.Memory.Extraction.BatchSize, rt.logger)

	defs := []*background.Task{
		{
			Name:          "extraction",
			Priority:      background.PriorityHigh,
			Interval:      time.Duration(rt.cfg.Memory.Extraction.IntervalSeconds) * time.Second,
			RequiresQuiet: true,
			Timeout:       120 * time.Second,
			Run: func(ctx context.Context, _ string) error {
				_, err := extractor.RunOnce(ctx)
				return err
			},
		},
		{
			Name:          "summary_refresh",
			Priority:      background.PriorityMedium,
			Interval:      time.Duration(rt.cfg.Memory.Summary.IntervalSeconds) * time.Second,
			RequiresQuiet: true,
			Timeout:       300 * time.Second,
			Run: func(ctx context.Context, _ string) error {
				_, err := rt.tree.RefreshOnce(ctx)
				return err
			},
		},
		{
			Name:     "learning_decay",
			Priority: background.PriorityLow,
			Interval: time.Duration(rt.cfg.Memory.Learning.IntervalSeconds) * time.Second,
			Timeout:  60 * time.Second,
			Run: func(ctx context.Context, _ string) error {
				if _, err := rt.learnings.DecayConfidence(ctx); err != nil {
					return err
				}
				now := time.Now().UTC()
				if _, err := rt.graph.DecayEdges(ctx, now); err != nil {
					return err
				}
				_, err := rt.graph.DecayFacts(ctx, now)
				return err
			},
		},
		{
			Name:     "cross_pollination",
			Priority: background.PriorityLow,
			Interval: time.Duration(rt.cfg.Memory.Learning.IntervalSeconds) * time.Second,
			Timeout:  60 * time.Second,
			Run: func(ctx context.Context, _ string) error {
				_, err := rt.learnings.CrossPollinate(ctx)
				return err
			},
		},
		{
			Name:     "room_archive",
			Priority: background.PriorityLow,
			Interval: 24 * time.Hour,
			Timeout:  60 * time.Second,
			Run: func(ctx context.Context, _ string) error {
				_, err := rt.rooms.ArchiveIdle(ctx)
				return err
			},
		},
	}
	for _, def := range defs {
		if err := rt.scheduler.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// buildRoster turns the configured role cards into the dispatch roster
// and seeds the per-bot tool masks. A leader card is always present.
func buildRoster(cfg *config.Config, registry *tools.Registry) *dispatch.Roster {
	cards := cfg.Bots
	hasLeader := false
	for _, card := range cards {
		if card.Name == models.LeaderName {
			hasLeader = true
		}
	}
	if !hasLeader {
		cards = append([]models.RoleCard{{
			Name:         models.LeaderName,
			Role:         "coordinator",
			AllowedTools: []string{"*"},
		}}, cards...)
	}
	roster := dispatch.NewRoster(cards...)
	for _, card := range cards {
		registry.SetMask(card.Name, card.AllowedTools)
	}
	return roster
}

func buildEmbedder(cfg *config.Config, logger *slog.Logger) *embeddings.Lazy {
	emb := cfg.Memory.Embedding
	factory := func() (embeddings.Embedder, error) {
		key := cfg.Providers.OpenAI.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("embeddings: no OpenAI API key configured")
		}
		return openaiembed.New(openaiembed.Config{
			APIKey:    key,
			BaseURL:   cfg.Providers.OpenAI.BaseURL,
			Model:     emb.Model,
			Dimension: emb.Dimension,
		})
	}
	return embeddings.NewLazy(emb.Provider, emb.Dimension, factory, nil, logger)
}

// buildProviderStack assembles the failover chain in configured-default
// order. At least one provider key must be present.
func buildProviderStack(cfg *config.Config, logger *slog.Logger) (providers.ChatProvider, error) {
	var anthropicP, openaiP providers.ChatProvider

	if key := firstNonEmpty(cfg.Providers.Anthropic.APIKey, os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey: key,
			Model:  cfg.Providers.Anthropic.Model,
		})
		if err != nil {
			return nil, err
		}
		anthropicP = p
	}
	if key := firstNonEmpty(cfg.Providers.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")); key != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Model:   cfg.Providers.OpenAI.Model,
		})
		if err != nil {
			return nil, err
		}
		openaiP = p
	}

	ordered := []providers.ChatProvider{}
	if cfg.Providers.Default == "openai" {
		ordered = appendProvider(ordered, openaiP, anthropicP)
	} else {
		ordered = appendProvider(ordered, anthropicP, openaiP)
	}
	if len(ordered) == 0 {
		return nil, preconditionErrorf("no LLM provider configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	fc := providers.DefaultFailoverConfig()
	fc.RequestsPerMinute = cfg.Providers.RateLimit.RequestsPerMinute
	return providers.NewFailover(fc, logger, ordered...), nil
}

func appendProvider(out []providers.ChatProvider, ps ...providers.ChatProvider) []providers.ChatProvider {
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// channelOfRoom recovers the originating connector from a channel-mapped
// room id ("telegram-12345"); plain room names belong to the CLI.
func channelOfRoom(roomID string) models.ChannelType {
	for _, ch := range []models.ChannelType{models.ChannelTelegram, models.ChannelDiscord, models.ChannelSlack} {
		if strings.HasPrefix(roomID, string(ch)+"-") {
			return ch
		}
	}
	return models.ChannelCLI
}

// cheapCompleter adapts the chat provider to the one-shot completion
// surface the extractor, summary tree, and analyzer consume.
type cheapCompleter struct {
	provider providers.ChatProvider
	model    string
}

func (c *cheapCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.provider.Chat(ctx, system,
		[]providers.Message{{Role: providers.RoleUser, Content: prompt}},
		nil, providers.Options{Model: c.model, MaxTokens: 1024})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// unavailableCompleter backs the read-only memory runtime, where no
// provider is opened. Summary refreshes are background-only, so lookup
// commands never reach it.
type unavailableCompleter struct{}

func (unavailableCompleter) Complete(context.Context, string, string) (string, error) {
	return "", preconditionErrorf("no provider in read-only mode")
}

// turnResult is one finished turn's reply.
type turnResult struct {
	reply string
	err   error
}

// turnRouter is the broker handler: it routes each dispatched event to
// the coordinator or the dispatcher per room policy, and hands the reply
// back to whichever connector sink is awaiting the event id.
type turnRouter struct {
	rooms      *rooms.Manager
	dispatcher *dispatch.Dispatcher
	coord      *coordinator.Coordinator

	mu       sync.Mutex
	waiters  map[string]chan turnResult
	finished map[string]turnResult
}

func (t *turnRouter) Handle(ctx context.Context, roomID string, ev *models.Event) error {
	room, err := t.rooms.Get(roomID)
	if err != nil {
		t.deliver(ev.ID, turnResult{err: err})
		return err
	}

	var reply string
	if room.Policy.CoordinatorMode {
		reply, err = t.coord.HandleRequest(ctx, room, ev)
	} else {
		reply, err = t.dispatcher.Dispatch(ctx, room, ev)
	}
	t.deliver(ev.ID, turnResult{reply: reply, err: err})
	return err
}

// deliver hands the result to a registered waiter, or parks it for the
// enqueue path that has not registered yet.
func (t *turnRouter) deliver(eventID string, res turnResult) {
	t.mu.Lock()
	if ch, ok := t.waiters[eventID]; ok {
		delete(t.waiters, eventID)
		t.mu.Unlock()
		ch <- res
		return
	}
	t.finished[eventID] = res
	t.mu.Unlock()
}

// await blocks until the event's turn completes. The handler may finish
// before the waiter registers; the finished map closes that race.
func (t *turnRouter) await(ctx context.Context, eventID string) (string, error) {
	t.mu.Lock()
	if res, ok := t.finished[eventID]; ok {
		delete(t.finished, eventID)
		t.mu.Unlock()
		return res.reply, res.err
	}
	ch := make(chan turnResult, 1)
	t.waiters[eventID] = ch
	t.mu.Unlock()

	select {
	case res := <-ch:
		return res.reply, res.err
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.waiters, eventID)
		t.mu.Unlock()
		return "", ctx.Err()
	}
}
