package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"appforge/internal/artifactstore"
	"appforge/internal/embed"
	"appforge/internal/gateway/config"
	"appforge/internal/gateway/handler"
	"appforge/internal/gateway/server"
	"appforge/internal/generate"
	"appforge/internal/llm"
	"appforge/internal/publish"
	"appforge/internal/ratelimit"
	"appforge/internal/stackplan"
	"appforge/internal/templateindex"
	"appforge/internal/types"
	"appforge/internal/validate"
	"appforge/internal/workflow"
)

type App struct {
	server *server.Server
	llm    llm.Client
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cli, err := newLLMClient(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to init llm client: %w", err)
	}
	if cfg.LLM.RequestsSec > 0 {
		cli = llm.Wrap(cli, llm.RateLimit(cfg.LLM.RequestsSec, 1))
	}

	embedder := newEmbedder(ctx, cfg.LLM)

	index, err := newIndex(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init template index: %w", err)
	}
	gate, err := newGate(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init rate gate: %w", err)
	}
	store, err := newRunStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init run store: %w", err)
	}

	engine := workflow.New(
		index,
		embedder,
		stackplan.New(embedder, cli),
		generate.New(cli),
		validate.New(),
		gate,
		store,
	)
	engine.RetryBudget = cfg.RetryBudget
	engine.Artifacts = newSink(cfg)

	svc := handler.NewService(engine, index, embedder)
	srv := server.New(cfg.Port, server.NewMux(svc))

	return &App{server: srv, llm: cli}, nil
}

func (a *App) Start() error {
	return a.server.Start()
}

func (a *App) Shutdown(ctx context.Context) error {
	defer a.llm.Close()
	return a.server.Shutdown(ctx)
}

func newLLMClient(ctx context.Context, cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg.Model)
	case "groq":
		return llm.NewGroqClient(cfg.GroqKey, cfg.Model)
	case "fake":
		log.Printf("no completion provider configured, using the deterministic fake")
		return llm.NewFakeClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func newEmbedder(ctx context.Context, cfg config.LLMConfig) embed.Embedder {
	if cfg.Provider == "gemini" && cfg.GeminiKey != "" {
		emb, err := embed.NewGeminiEmbedder(ctx, cfg.EmbedModel)
		if err == nil {
			return emb
		}
		log.Printf("gemini embedder unavailable, falling back to hashing: %v", err)
	}
	return embed.NewHashEmbedder(0)
}

func newIndex(ctx context.Context, cfg *config.Config) (*templateindex.Index, error) {
	if cfg.DatabaseURL == "" {
		return templateindex.New(), nil
	}
	ix, err := templateindex.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("template index: postgres unavailable, using memory: %v", err)
		return templateindex.New(), nil
	}
	return ix, nil
}

func newGate(ctx context.Context, cfg *config.Config) (ratelimit.Gate, error) {
	if cfg.DatabaseURL == "" {
		return ratelimit.NewMemoryGate(ratelimit.DefaultWindow, nil), nil
	}
	gate, err := ratelimit.NewPostgresGate(ctx, cfg.DatabaseURL, ratelimit.DefaultWindow, nil)
	if err != nil {
		log.Printf("rate gate: postgres unavailable, using memory: %v", err)
		return ratelimit.NewMemoryGate(ratelimit.DefaultWindow, nil), nil
	}
	return gate, nil
}

func newRunStore(ctx context.Context, cfg *config.Config) (*workflow.RunStore, error) {
	if cfg.DatabaseURL == "" {
		return workflow.NewRunStore(), nil
	}
	store, err := workflow.NewPostgresRunStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("run store: postgres unavailable, using memory: %v", err)
		return workflow.NewRunStore(), nil
	}
	return store, nil
}

// newSink assembles the destinations for accepted file sets. Nil when
// neither object storage nor a code host is configured.
func newSink(cfg *config.Config) workflow.ArtifactSink {
	var sinks []workflow.ArtifactSink

	if cfg.Artifact.Enabled {
		s3, err := artifactstore.NewS3Store(artifactstore.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
		})
		if err != nil {
			log.Printf("artifact store disabled: %v", err)
		} else {
			sinks = append(sinks, s3)
		}
	}

	if cfg.Publish.Enabled {
		gh, err := publish.NewGitHub(cfg.Publish.Token, cfg.Publish.Owner)
		if err != nil {
			log.Printf("github publishing disabled: %v", err)
		} else {
			sinks = append(sinks, publishSink{gh})
		}
	}

	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return multiSink(sinks)
	}
}

// publishSink adapts a Publisher to the engine's sink interface. The run id
// becomes the repository name.
type publishSink struct {
	pub publish.Publisher
}

func (p publishSink) SaveRun(ctx context.Context, runID string, files []types.GeneratedFile) error {
	url, err := p.pub.Publish(ctx, "app-"+runID, files)
	if err != nil {
		return err
	}
	log.Printf("run %s published to %s", runID, url)
	return nil
}

// multiSink fans one accepted file set out to every destination. A failing
// destination does not block the others.
type multiSink []workflow.ArtifactSink

func (m multiSink) SaveRun(ctx context.Context, runID string, files []types.GeneratedFile) error {
	var firstErr error
	for _, s := range m {
		saveCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		err := s.SaveRun(saveCtx, runID, files)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
