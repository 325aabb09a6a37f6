// Package app assembles the stores, the upstream client and the HTTP API
// from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"streamchat/internal/backoff"
	"streamchat/internal/checkpoint"
	"streamchat/internal/config"
	"streamchat/internal/httpapi"
	"streamchat/internal/integrations/openai"
	"streamchat/internal/integrations/paramstore"
	"streamchat/internal/repository"
	"streamchat/internal/usecase"
)

// App is a wired service instance.
type App struct {
	Config       *config.Config
	Orchestrator *usecase.Orchestrator
	Sessions     *usecase.SessionService
	Router       http.Handler

	store       repository.Store
	checkpoints *checkpoint.Store
	logger      *slog.Logger
}

type options struct {
	llm       usecase.LLMClient
	moderator usecase.Moderator
	params    *paramstore.Client
	logger    *slog.Logger
}

type Option func(*options)

// WithLLM replaces the OpenAI client. Moderation is then taken from
// WithModerator only.
func WithLLM(llm usecase.LLMClient) Option {
	return func(o *options) { o.llm = llm }
}

func WithModerator(m usecase.Moderator) Option {
	return func(o *options) { o.moderator = m }
}

// WithParamStore supplies the parameter store used to fetch the API key
// when none is configured.
func WithParamStore(ps *paramstore.Client) Option {
	return func(o *options) { o.params = ps }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// LoadConfig reads the environment and, when PARAM_PREFIX is set, the
// parameters under <prefix>/config. The returned parameter store client is
// nil without a prefix.
func LoadConfig(ctx context.Context) (*config.Config, *paramstore.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.ParamPrefix == "" {
		return cfg, nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}
	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, nil, fmt.Errorf("create parameter store client: %w", err)
	}
	cfg, err = config.LoadWithParameters(ctx, ps)
	if err != nil {
		return nil, nil, err
	}
	return cfg, ps, nil
}

// New opens the stores named by cfg and builds the router. The caller must
// Close the App.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger

	store, err := repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	hashes, err := checkpoint.OpenHashStore(ctx, cfg.RedisURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	checkpoints, err := checkpoint.NewStore(hashes)
	if err != nil {
		_ = hashes.Close()
		_ = store.Close()
		return nil, fmt.Errorf("create checkpoint store: %w", err)
	}

	a := &App{Config: cfg, store: store, checkpoints: checkpoints, logger: log}
	if err := a.wire(o); err != nil {
		_ = a.closeStores()
		return nil, err
	}
	log.Info("app ready",
		"model", cfg.OpenAI.Model,
		"moderation", cfg.OpenAI.ModerationEnabled,
		"max_retries", cfg.Stream.MaxRetries,
	)
	return a, nil
}

func (a *App) wire(o options) error {
	cfg := a.Config
	llm, moderator := o.llm, o.moderator
	if llm == nil {
		client, err := newOpenAIClient(cfg, o.params)
		if err != nil {
			return err
		}
		llm = client
		if cfg.OpenAI.ModerationEnabled && moderator == nil {
			moderator = client
		}
	}

	orchOpts := []usecase.Option{usecase.WithLogger(a.logger)}
	if moderator != nil {
		orchOpts = append(orchOpts, usecase.WithModerator(moderator))
	}
	orch, err := usecase.NewOrchestrator(a.store, a.checkpoints, llm, usecase.Config{
		Model:              cfg.OpenAI.Model,
		MaxTokens:          cfg.OpenAI.MaxTokens,
		Temperature:        cfg.OpenAI.Temperature,
		SystemPrompt:       cfg.Prompt.System,
		ContinuePrompt:     cfg.Prompt.Continue,
		MaxContextMessages: cfg.Prompt.MaxContextMessages,
		MaxInputLength:     cfg.Prompt.MaxMessageLength,
		Retry:              backoff.NewPolicy(cfg.Stream.MaxRetries, cfg.Stream.BaseDelay),
		TurnTimeout:        cfg.Stream.TurnTimeout,
	}, orchOpts...)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	sessions, err := usecase.NewSessionService(a.store)
	if err != nil {
		return fmt.Errorf("create session service: %w", err)
	}
	h, err := httpapi.NewHandler(orch, sessions, a.logger)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	a.Orchestrator = orch
	a.Sessions = sessions
	a.Router = httpapi.NewRouter(h, cfg.CORSOrigins)
	return nil
}

func newOpenAIClient(cfg *config.Config, params *paramstore.Client) (*openai.Client, error) {
	opts := []openai.Option{
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithHeaderTimeout(cfg.OpenAI.HeaderTimeout),
	}
	if cfg.OpenAI.APIKey != "" {
		opts = append(opts, openai.WithAPIKey(cfg.OpenAI.APIKey))
	}
	var getter openai.Getter
	if params != nil {
		getter = params
	}
	client, err := openai.NewClient(getter, cfg.ParamPrefix, opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return client, nil
}

// Close waits for running turns to finalize, bounded by ctx, then closes
// the stores.
func (a *App) Close(ctx context.Context) error {
	var waitErr error
	if a.Orchestrator != nil {
		if err := a.Orchestrator.Wait(ctx); err != nil {
			waitErr = fmt.Errorf("wait for running turns: %w", err)
		}
	}
	return errors.Join(waitErr, a.closeStores())
}

func (a *App) closeStores() error {
	return errors.Join(a.checkpoints.Close(), a.store.Close())
}
