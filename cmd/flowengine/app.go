package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/flowfile"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/isolation"
	"github.com/rendis/flowengine/internal/knowledge"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/internal/llm/openai"
	"github.com/rendis/flowengine/internal/memory"
	"github.com/rendis/flowengine/internal/metrics"
	"github.com/rendis/flowengine/internal/multimodal"
	"github.com/rendis/flowengine/internal/plugins"
	"github.com/rendis/flowengine/internal/runners"
	"github.com/rendis/flowengine/internal/streaming"
	"github.com/rendis/flowengine/internal/tools"
	"github.com/rendis/flowengine/internal/transport"
	"github.com/rendis/flowengine/internal/validation"
	"github.com/rendis/flowengine/pkg/schema"
)

// appOptions are the run-time hooks that differ between commands.
type appOptions struct {
	Recorder  engine.RunRecorder
	Hub       streaming.EventHub
	Metrics   *metrics.Collector
	Transport transport.Transport
}

// app is the wired engine shared by the run and serve commands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	registry  *execution.Registry
	validator *validation.FlowValidator
	loader    *flowfile.Loader
	flows     *flowfile.DirResolver
	catalog   *tools.Catalog
	knowledge *knowledge.Searcher
	memory    *memory.Manager
	driver    *engine.Driver
	toolSets  *plugins.Manager
	redis     *redis.Client
}

// lateFlows resolves sub-flows through a resolver created after the runners.
type lateFlows struct {
	resolver *flowfile.DirResolver
}

func (l *lateFlows) Resolve(ctx context.Context, flowID string) (*graph.Graph, error) {
	if l.resolver == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not found: no flow directory", flowID)
	}
	return l.resolver.Resolve(ctx, flowID)
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: execution.NewRegistry(), catalog: tools.NewCatalog()}

	var err error
	if a.knowledge, err = a.knowledgeSearcher(); err != nil {
		return nil, err
	}

	if opts.Transport == nil {
		opts.Transport = transport.NewLogTransport(logger)
	}
	if err := tools.RegisterBuiltins(a.catalog, tools.BuiltinOptions{Transport: opts.Transport}); err != nil {
		return nil, err
	}
	if len(cfg.ToolSets) > 0 {
		a.toolSets = plugins.NewManager(a.catalog, plugins.Options{Logger: logger})
		a.toolSets.LoadAll(ctx, cfg.ToolSets)
	}

	mem, err := a.memoryManager(ctx)
	if err != nil {
		return nil, err
	}
	a.memory = mem

	var model llm.Model
	var builder *multimodal.Builder
	if cfg.OpenAIAPIKey != "" || cfg.OpenAIBaseURL != "" {
		m := openai.New(openai.Options{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.Model,
			VisionModel: cfg.VisionModel,
		})
		model = m
		builder = multimodal.NewBuilder(m, cfg.VisionModel, logger)
	} else {
		builder = multimodal.NewBuilder(nil, "", logger)
	}

	flows := &lateFlows{}
	deps := runners.Deps{
		Model:             model,
		Memory:            mem,
		MultiModal:        builder,
		Tools:             a.catalog,
		Knowledge:         a.knowledge,
		Transport:         opts.Transport,
		Flows:             flows,
		Sandboxes:         sandboxes(isolation.NewIsolator(logger)),
		MaxLoopIterations: cfg.MaxLoopIterations,
		Logger:            logger,
	}
	if err := runners.RegisterBuiltins(a.registry, deps); err != nil {
		return nil, err
	}

	a.validator, err = validation.NewFlowValidator(a.registry)
	if err != nil {
		return nil, err
	}
	a.loader = flowfile.NewLoader(a.validator)

	a.driver = engine.New(a.registry, engine.Options{
		MaxSteps: cfg.MaxSteps,
		Logger:   logger,
		Recorder: opts.Recorder,
		Hub:      opts.Hub,
		Metrics:  opts.Metrics,
	})

	if cfg.FlowDir != "" {
		if err := os.MkdirAll(cfg.FlowDir, 0o755); err != nil {
			return nil, fmt.Errorf("create flow dir: %w", err)
		}
		a.flows, err = flowfile.NewDirResolver(cfg.FlowDir, a.loader, logger)
		if err != nil {
			return nil, err
		}
		flows.resolver = a.flows
		codes, err := a.flows.RegisterTools(a.catalog, a.driver)
		if err != nil {
			return nil, err
		}
		if len(codes) > 0 {
			logger.Info("flow tools registered", slog.Any("codes", codes))
		}
	}
	return a, nil
}

// memoryManager uses Redis when redis_addr is set and in-process stores otherwise.
func (a *app) memoryManager(ctx context.Context) (*memory.Manager, error) {
	opts := memory.Options{Tokens: llm.NewTiktokenCounter(a.cfg.Model), Logger: a.logger}
	if a.cfg.RedisAddr == "" {
		opts.History = memory.NewInMemoryHistory()
		opts.LongTerm = memory.NewInMemoryLongTerm()
		return memory.NewManager(opts), nil
	}

	a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		_ = a.redis.Close()
		return nil, fmt.Errorf("connect redis %s: %w", a.cfg.RedisAddr, err)
	}
	ro := memory.RedisOptions{KeyPrefix: a.cfg.RedisPrefix, MaxLen: int64(a.cfg.HistoryLimit)}
	opts.History = memory.NewRedisHistory(a.redis, ro)
	opts.LongTerm = memory.NewRedisLongTerm(a.redis, ro)
	return memory.NewManager(opts), nil
}

// seedHistory appends the JSON array of memory records in path to the chat
// history of t's conversation and returns how many were added.
func (a *app) seedHistory(ctx context.Context, path string, t *schema.Trigger) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read history file: %w", err)
	}
	var records []memory.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeParse, "history file %s", path).WithCause(err)
	}
	for i, r := range records {
		if r.Role == "" || strings.TrimSpace(r.Content) == "" {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "history record %d needs a role and content", i)
		}
	}
	if len(records) == 0 {
		return 0, nil
	}
	if err := a.memory.History().Append(ctx, memory.ConversationKey(t), records...); err != nil {
		return 0, err
	}
	return len(records), nil
}

// knowledgeSearcher indexes every configured knowledge directory as a dataset.
func (a *app) knowledgeSearcher() (*knowledge.Searcher, error) {
	s := knowledge.NewSearcher(nil)
	for name, dir := range a.cfg.Knowledge {
		r, err := knowledge.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("knowledge dataset %s: %w", name, err)
		}
		s.AddDataset(name, r)
		a.logger.Info("knowledge dataset loaded",
			slog.String("dataset", name), slog.String("dir", dir), slog.Int("fragments", r.Len()))
	}
	return s, nil
}

// sandboxes registers the interpreters found on PATH next to the built-in
// expr sandbox. Every one runs under iso.
func sandboxes(iso isolation.Isolator) map[string]runners.Sandbox {
	interpreters := map[string][]string{
		"python":     {"python3", "-c"},
		"javascript": {"node", "-e"},
	}
	out := make(map[string]runners.Sandbox)
	for language, argv := range interpreters {
		if _, err := exec.LookPath(argv[0]); err != nil {
			continue
		}
		sb := runners.NewProcessSandbox(argv[0], argv[1:]...)
		sb.Isolator = iso
		out[language] = sb
	}
	return out
}

// resolveFlow accepts either a flow file path or a flow id from the flow dir.
func (a *app) resolveFlow(ctx context.Context, ref string) (*graph.Graph, error) {
	if flowfile.DetectFormat(ref) != "" {
		if _, err := os.Stat(ref); err == nil {
			return a.loader.LoadGraph(ref)
		}
	}
	if a.flows == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not found", ref)
	}
	return a.flows.Resolve(ctx, ref)
}

func (a *app) Close() error {
	var errs []error
	if a.toolSets != nil {
		errs = append(errs, a.toolSets.StopAll())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
