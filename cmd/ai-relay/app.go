package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sweetpotato0/ai-relay/config"
	"github.com/sweetpotato0/ai-relay/contrib/provider/claude"
	"github.com/sweetpotato0/ai-relay/contrib/provider/cohere"
	"github.com/sweetpotato0/ai-relay/contrib/provider/gemini"
	"github.com/sweetpotato0/ai-relay/contrib/provider/groq"
	"github.com/sweetpotato0/ai-relay/contrib/provider/ollama"
	"github.com/sweetpotato0/ai-relay/contrib/provider/openai"
	"github.com/sweetpotato0/ai-relay/contrib/transcript/mongo"
	"github.com/sweetpotato0/ai-relay/contrib/transcript/pg"
	"github.com/sweetpotato0/ai-relay/dispatcher"
	"github.com/sweetpotato0/ai-relay/extractor"
	"github.com/sweetpotato0/ai-relay/middleware/limiter"
	"github.com/sweetpotato0/ai-relay/pkg/logging"
	"github.com/sweetpotato0/ai-relay/pkg/telemetry"
	"github.com/sweetpotato0/ai-relay/provider"
	"github.com/sweetpotato0/ai-relay/runtime"
	"github.com/sweetpotato0/ai-relay/tool"
	"github.com/sweetpotato0/ai-relay/tool/mcp"
	"github.com/sweetpotato0/ai-relay/transcript"
)

// app is the wired relay. close releases everything in reverse order of construction.
type app struct {
	cfg         config.Config
	log         *slog.Logger
	registry    *provider.Registry
	manager     *runtime.Manager
	catalog     *tool.Catalog
	transcripts transcript.Store
	closers     []func(context.Context) error
}

func builtinAdapters() []provider.Adapter {
	return []provider.Adapter{
		openai.New(openai.OpenAI()),
		openai.New(openai.DeepSeek()),
		openai.New(openai.OpenRouter()),
		openai.New(openai.Compatible()),
		groq.New(),
		cohere.New(),
		gemini.New(),
		claude.New(),
		ollama.New(),
	}
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	logging.SetLogger(log)

	a := &app{cfg: cfg, log: log}
	if err := a.init(ctx); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Environment: a.cfg.Telemetry.Environment,
		Endpoint:    a.cfg.Telemetry.Endpoint,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
		Disable:     !a.cfg.Telemetry.Enabled,
		Logger:      logging.WithComponent("telemetry"),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	a.registry, err = provider.NewRegistry(builtinAdapters()...)
	if err != nil {
		return err
	}
	for _, name := range a.cfg.ProviderNames() {
		if _, err := a.registry.Resolve(name); err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
	}

	opts := []dispatcher.Option{dispatcher.WithLogger(logging.WithComponent("dispatcher"))}
	if l := a.limiter(); l != nil {
		opts = append(opts, dispatcher.WithLimiter(l))
	}
	if tags := a.tags(); tags != nil {
		opts = append(opts, dispatcher.WithTags(*tags))
	}
	d := dispatcher.New(a.registry, opts...)

	if err := a.openTranscripts(ctx); err != nil {
		return err
	}
	mopts := []runtime.Option{runtime.WithLogger(logging.WithComponent("runtime"))}
	if a.transcripts != nil {
		mopts = append(mopts, runtime.WithRecorder(a.transcripts))
	}
	a.manager = runtime.NewManager(d, mopts...)
	a.closers = append(a.closers, func(context.Context) error { return a.manager.Close() })

	a.catalog = tool.NewCatalog(tool.WithCatalogLogger(logging.WithComponent("tools")))
	a.closers = append(a.closers, func(context.Context) error { return a.catalog.Close() })
	for _, server := range a.cfg.MCP {
		p, err := mcp.NewProvider(ctx, server, mcp.WithLogger(logging.WithComponent("mcp").With("server", server.Name)))
		if err != nil {
			return fmt.Errorf("mcp server %q: %w", server.Name, err)
		}
		if err := a.catalog.Add(ctx, p); err != nil {
			_ = p.Close()
			return fmt.Errorf("mcp server %q: %w", server.Name, err)
		}
	}
	return nil
}

func (a *app) limiter() limiter.Limiter {
	rl := a.cfg.RateLimit
	if !rl.Enabled() {
		return nil
	}
	if rl.Redis == nil {
		return limiter.NewLocal(rl.Requests, rl.Window)
	}
	l, client := limiter.NewRedisFromConfig(&limiter.RedisConfig{
		Addr:     rl.Redis.Addr,
		Password: rl.Redis.Password,
		DB:       rl.Redis.DB,
		Key:      rl.Redis.Key,
	}, rl.Requests, rl.Window)
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return l
}

func (a *app) tags() *extractor.Config {
	t := a.cfg.Tags
	if t == (config.TagsConfig{}) {
		return nil
	}
	cfg := extractor.DefaultConfig()
	if t.ReasoningOpen != "" {
		cfg.ReasoningOpen, cfg.ReasoningClose = t.ReasoningOpen, t.ReasoningClose
	}
	if t.ToolOpen != "" {
		cfg.ToolOpen, cfg.ToolClose = t.ToolOpen, t.ToolClose
	}
	return &cfg
}

func (a *app) openTranscripts(ctx context.Context) error {
	tc := a.cfg.Transcript
	switch tc.Backend {
	case config.TranscriptNone:
		return nil
	case config.TranscriptPostgres:
		store, err := pg.New(ctx, &pg.Config{DSN: tc.Postgres.DSN, Table: tc.Postgres.Table})
		if err != nil {
			return err
		}
		a.transcripts = store
	case config.TranscriptMongoDB:
		store, err := mongo.New(ctx, &mongo.Config{
			URI:        tc.MongoDB.URI,
			Database:   tc.MongoDB.Database,
			Collection: tc.MongoDB.Collection,
		})
		if err != nil {
			return err
		}
		a.transcripts = store
	default:
		a.transcripts = transcript.NewInMemory(tc.Limit)
	}
	return nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
