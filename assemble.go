package nodeflow

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/display"
	redisrelay "github.com/nodeflow/nodeflow/features/events/redis"
	fanthropic "github.com/nodeflow/nodeflow/features/model/anthropic"
	"github.com/nodeflow/nodeflow/features/model/bedrock"
	"github.com/nodeflow/nodeflow/features/model/middleware"
	fopenai "github.com/nodeflow/nodeflow/features/model/openai"
	tracemongo "github.com/nodeflow/nodeflow/features/trace/mongo"
	"github.com/nodeflow/nodeflow/model"
	"github.com/nodeflow/nodeflow/node"
	"github.com/nodeflow/nodeflow/nodes"
	"github.com/nodeflow/nodeflow/router"
	"github.com/nodeflow/nodeflow/secrets"
	"github.com/nodeflow/nodeflow/telemetry"
	"github.com/nodeflow/nodeflow/trace"
)

type (
	// AssemblyOptions supplies the collaborators a configuration document
	// cannot carry: process seams and clients that hold live credentials.
	AssemblyOptions struct {
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// Vault backs secret-id references in node configs.
		Vault secrets.Vault
		// BedrockRuntime is required when model.provider is "bedrock"; AWS
		// credentials are resolved by the caller, not by the document.
		BedrockRuntime bedrock.RuntimeClient
		// Email and Slack back the outbound sender nodes. No-op when nil.
		Email nodes.EmailSender
		Slack nodes.SlackSender
	}

	// Assembly is a fully wired engine built from a configuration document:
	// the provider client (rate limited when configured), the built-in node
	// registry, the router with its intelligent phase, trace persistence and
	// event relaying.
	Assembly struct {
		Engine *Engine
		// Registry holds the built-in node types; callers register custom
		// types on it before starting workflows.
		Registry *node.Registry
		// Models is the assembled provider client, nil when model.provider is
		// empty.
		Models model.Client

		closers []func(context.Context) error
	}
)

// FromConfig assembles an engine from a configuration document. The returned
// Assembly owns the external connections it opened; release them with Close.
func FromConfig(ctx context.Context, cfg config.Config, opts AssemblyOptions) (*Assembly, error) {
	a := &Assembly{}

	client, err := buildModelClient(cfg, opts)
	if err != nil {
		return nil, err
	}
	if client != nil && cfg.Model.RateLimitTPM > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(cfg.Model.RateLimitTPM, 0)
		client = limiter.Middleware()(client)
	}
	a.Models = client

	reg := node.NewRegistry()
	if err := nodes.Register(reg, nodes.Deps{
		Models:       client,
		DefaultModel: cfg.Model.Default,
		Email:        opts.Email,
		Slack:        opts.Slack,
	}); err != nil {
		return nil, err
	}
	a.Registry = reg
	formatters := display.NewRegistry()
	nodes.RegisterFormatters(formatters)

	var routerOpts []router.Option
	if client != nil {
		routingModel := cfg.Router.Model
		if routingModel == "" {
			routingModel = cfg.Model.Default
		}
		routerOpts = append(routerOpts, router.WithLLM(client, routingModel))
	}
	if cfg.Router.LLMTimeout > 0 {
		routerOpts = append(routerOpts, router.WithLLMTimeout(cfg.Router.LLMTimeout))
	}

	var recorder *trace.Recorder
	if cfg.Trace.MongoURI != "" {
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Trace.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect trace store: %w", err)
		}
		a.closers = append(a.closers, mc.Disconnect)
		sink, err := tracemongo.New(tracemongo.Options{Client: mc, Database: cfg.Trace.Database})
		if err != nil {
			return nil, errors.Join(err, a.Close(ctx))
		}
		recorder = trace.NewRecorder(sink, opts.Logger, cfg.Trace.QueueSize)
		a.closers = append(a.closers, func(context.Context) error {
			recorder.Close()
			return nil
		})
	}

	var relay EventRelay
	if cfg.Events.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
		})
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		r, err := redisrelay.NewRelay(redisrelay.Options{Client: rdb})
		if err != nil {
			return nil, errors.Join(err, a.Close(ctx))
		}
		relay = r
	}

	eng, err := New(Params{
		Registry:       reg,
		Router:         router.New(reg, opts.Logger, routerOpts...),
		Formatters:     formatters,
		Recorder:       recorder,
		Vault:          opts.Vault,
		SecretDefaults: secrets.NewStatic(cfg.Secrets),
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		Tracer:         opts.Tracer,
		Scheduler:      cfg.SchedulerConfig(),
		Defaults:       cfg.DefaultOptions(),
		Relay:          relay,
	})
	if err != nil {
		return nil, errors.Join(err, a.Close(ctx))
	}
	a.Engine = eng
	return a, nil
}

// Close releases the external connections the assembly opened, newest first.
func (a *Assembly) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildModelClient(cfg config.Config, opts AssemblyOptions) (model.Client, error) {
	switch cfg.Model.Provider {
	case "":
		return nil, nil
	case "openai":
		c, err := fopenai.NewFromAPIKey(cfg.APIKey(), cfg.Model.Default)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "anthropic":
		c, err := fanthropic.NewFromAPIKey(cfg.APIKey(), cfg.Model.Default)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "bedrock":
		if opts.BedrockRuntime == nil {
			return nil, errors.New("bedrock runtime client is required when model.provider is bedrock")
		}
		c, err := bedrock.New(bedrock.Options{Runtime: opts.BedrockRuntime, DefaultModel: cfg.Model.Default})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("model provider %q is not supported", cfg.Model.Provider)
	}
}
