package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	catalogmongo "goa.design/agentsetup/features/catalog/mongo"
	memorymongo "goa.design/agentsetup/features/memory/mongo"
	memoryclient "goa.design/agentsetup/features/memory/mongo/clients/mongo"
	"goa.design/agentsetup/features/model/anthropic"
	"goa.design/agentsetup/features/model/bedrock"
	"goa.design/agentsetup/features/model/middleware"
	"goa.design/agentsetup/features/model/openai"
	queuepulse "goa.design/agentsetup/features/queue/pulse"
	clientspulse "goa.design/agentsetup/features/queue/pulse/clients/pulse"
	runlogmongo "goa.design/agentsetup/features/runlog/mongo"
	runlogclient "goa.design/agentsetup/features/runlog/mongo/clients/mongo"
	sessionmongo "goa.design/agentsetup/features/session/mongo"
	sessionclient "goa.design/agentsetup/features/session/mongo/clients/mongo"
	"goa.design/agentsetup/runtime/setup/catalog"
	"goa.design/agentsetup/runtime/setup/catalog/memory"
	"goa.design/agentsetup/runtime/setup/generator/llm"
	"goa.design/agentsetup/runtime/setup/model"
	"goa.design/agentsetup/runtime/setup/orchestrator"
	"goa.design/agentsetup/runtime/setup/runlog"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/session/inmem"
	"goa.design/agentsetup/runtime/setup/stage"
	"goa.design/agentsetup/runtime/setup/stages"
	"goa.design/agentsetup/runtime/setup/telemetry"
)

// app holds the wired components shared by every mode.
type app struct {
	cfg     *config
	logger  telemetry.Logger
	orch    *orchestrator.Orchestrator
	store   session.Store
	events  runlog.Store
	env     stage.Env
	mongo   *mongodriver.Client
	rdb     *redis.Client
	pulse   clientspulse.Client
	pingers []health.Pinger
	closers []func(context.Context) error
}

// newApp connects the backing services named in cfg and wires the pipeline.
// Mongo and Redis are optional: without them sessions stay in memory and no
// notifications or progress streams are published.
func newApp(ctx context.Context, cfg *config) (*app, error) {
	a := &app{cfg: cfg, logger: telemetry.NewClueLogger()}
	if err := a.connect(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.wire(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	a.store = inmem.New()
	if a.cfg.Mongo.URI != "" {
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(a.cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		a.mongo = mc
		a.closers = append(a.closers, mc.Disconnect)
		sc, err := sessionclient.New(sessionclient.Options{Client: mc, Database: a.cfg.Mongo.Database, Timeout: a.cfg.Mongo.Timeout})
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		store, err := sessionmongo.NewStore(sc)
		if err != nil {
			return err
		}
		mem, err := memorymongo.NewStoreFromMongo(memoryclient.Options{Client: mc, Database: a.cfg.Mongo.Database, Timeout: a.cfg.Mongo.Timeout})
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
		events, err := runlogmongo.NewStoreFromMongo(runlogclient.Options{Client: mc, Database: a.cfg.Mongo.Database, Timeout: a.cfg.Mongo.Timeout})
		if err != nil {
			return fmt.Errorf("progress log: %w", err)
		}
		a.store = store
		a.events = events
		a.env.Memory = mem
		a.env.Streams = append(a.env.Streams, runlog.Recorder(events, a.logger))
		a.pingers = append(a.pingers, sc, events.Client())
	}
	if a.cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr, Password: a.cfg.Redis.Password})
		a.rdb = rdb
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return err
		}
		a.pulse = pc
		a.env.Streams = append(a.env.Streams, queuepulse.ChunkStream(pc, a.logger))
	}
	return nil
}

func (a *app) wire(ctx context.Context) error {
	client, err := a.modelClient(ctx)
	if err != nil {
		return err
	}
	cat, err := a.catalog(ctx)
	if err != nil {
		return err
	}
	gen, err := llm.New(llm.Options{
		Client:    client,
		Catalog:   cat,
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return err
	}
	reg, err := stages.NewRegistry(stages.Options{
		SOPWriter:       gen,
		GraphCompiler:   gen,
		ToolMatcher:     gen,
		ToolSynthesizer: gen,
		MaxConcurrency:  a.cfg.MaxConcurrency,
	})
	if err != nil {
		return err
	}
	a.orch, err = orchestrator.New(orchestrator.Options{
		Router:  reg,
		Logger:  a.logger,
		Metrics: telemetry.NewOTELMetrics(),
		Tracer:  telemetry.NewOTELTracer(),
	})
	if err != nil {
		return err
	}
	a.env.Trace.Name = "agent-setup"
	a.env.Logger = a.logger
	return nil
}

// modelClient builds the configured provider behind the adaptive rate
// limiter. With Redis the budget is shared by every worker using the model.
func (a *app) modelClient(ctx context.Context) (model.Client, error) {
	var (
		client model.Client
		err    error
	)
	switch a.cfg.Provider {
	case providerOpenAI:
		client, err = openai.NewFromAPIKey(a.cfg.OpenAI.APIKey, a.cfg.Model)
	case providerAnthropic:
		client, err = anthropic.NewFromAPIKey(a.cfg.Anthropic.APIKey, a.cfg.Model, a.cfg.MaxTokens)
	case providerBedrock:
		rt := bedrockruntime.New(bedrockruntime.Options{
			Region:      a.cfg.Bedrock.Region,
			Credentials: aws.NewCredentialsCache(envCredentials()),
		})
		client, err = bedrock.New(rt, bedrock.Options{DefaultModel: a.cfg.Model, MaxTokens: a.cfg.MaxTokens})
	default:
		err = fmt.Errorf("unknown provider %q", a.cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%s client: %w", a.cfg.Provider, err)
	}
	opts := middleware.Options{TokensPerMinute: a.cfg.TokensPerMinute}
	if a.rdb != nil {
		m, err := rmap.Join(ctx, "agent-setup-rate-limits", a.rdb)
		if err != nil {
			return nil, fmt.Errorf("join rate limit map: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { m.Close(); return nil })
		opts.Shared = m
		opts.Key = a.cfg.Provider + "/" + a.cfg.Model
	}
	return middleware.New(ctx, opts).Wrap(client), nil
}

func (a *app) catalog(ctx context.Context) (catalog.Catalog, error) {
	if a.mongo == nil {
		return memory.New(a.cfg.Tools...)
	}
	cat, err := catalogmongo.New(ctx, catalogmongo.Options{Client: a.mongo, Database: a.cfg.Mongo.Database, Timeout: a.cfg.Mongo.Timeout})
	if err != nil {
		return nil, fmt.Errorf("tool catalog: %w", err)
	}
	for _, t := range a.cfg.Tools {
		if err := cat.Upsert(ctx, t); err != nil {
			return nil, fmt.Errorf("seed tool %q: %w", t.Name, err)
		}
	}
	a.pingers = append(a.pingers, cat)
	return cat, nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn(ctx, "shutdown", "err", err)
		}
	}
}

// envCredentials reads static AWS credentials from the environment.
func envCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		creds := aws.Credentials{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}
		if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
			return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
		}
		return creds, nil
	})
}
