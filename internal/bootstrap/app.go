package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"smile-backend/internal/account"
	"smile-backend/internal/cases"
	"smile-backend/internal/imagecheck"
	"smile-backend/internal/llm"
	gemini "smile-backend/internal/llm/gemini"
	openai "smile-backend/internal/llm/openai"
	"smile-backend/internal/protocol"
	"smile-backend/internal/queue"
	"smile-backend/internal/services/health"
	"smile-backend/internal/shared/config"
	"smile-backend/internal/shared/server"
	"smile-backend/internal/shared/storage/db"
	"smile-backend/internal/shared/storage/object"
	localstore "smile-backend/internal/shared/storage/object/local"
	s3store "smile-backend/internal/shared/storage/object/s3"
	"smile-backend/internal/usage"
)

// App holds shared dependencies for the HTTP server and the queue worker.
type App struct {
	Config         config.Config
	Router         *gin.Engine
	DB             *sql.DB
	Store          object.ObjectStore
	Queue          queue.Client
	CasesRepo      cases.Repo
	CatalogRepo    protocol.CatalogRepo
	UsageService   *usage.Service
	CaseService    *cases.Service
	CaseProcessor  CaseProcessor
	CaseHandler    *cases.Handler
	UsageHandler   *usage.Handler
	AccountHandler *account.Handler
	Health         *health.Service
}

// CaseProcessor allows callers to override case processing for tests.
type CaseProcessor interface {
	ProcessCase(ctx context.Context, caseID string) error
}

// Build prepares shared dependencies and wires the router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Store:  store,
		Queue:  queueClient,
		Health: health.NewService(),
	}

	if err := buildServices(app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:         app.Config,
		CaseHandler:    app.CaseHandler,
		UsageHandler:   app.UsageHandler,
		AccountHandler: app.AccountHandler,
		Health:         app.Health,
	})

	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	if db.IsLambdaRuntime() {
		opts := db.OptionsFromEnv(db.DefaultLambdaOptions())
		sqlDB, err = db.GetSingleton(ctx, cfg.DatabaseURL, opts)
	} else {
		opts := db.OptionsFromEnv(db.DefaultServerOptions())
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, opts)
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}

	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: migrations failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}

	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context) (queue.Client, error) {
	if strings.TrimSpace(os.Getenv("SMILE_SQS_QUEUE_URL")) == "" {
		return nil, nil
	}
	return queue.NewSQSClient(ctx)
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func buildServices(app *App) error {
	cfg := app.Config

	var casesRepo cases.Repo
	var catalogRepo protocol.CatalogRepo
	var usageSvc *usage.Service
	if app.DB != nil {
		casesRepo = &cases.PGRepo{DB: app.DB}
		catalogRepo = &protocol.PGCatalogRepo{DB: app.DB}
		usageSvc = usage.NewPostgresService(usage.NewPGStore(app.DB))
	} else {
		casesRepo = cases.NewMemoryRepo()
		catalogRepo = protocol.DefaultMemoryCatalog()
		usageSvc = usage.NewService()
	}

	providers, protocolProvider, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	var editor llm.ImageEditor
	var verdict *imagecheck.Validator
	if cfg.GeminiAPIKey != "" {
		geminiClient, err := gemini.NewClient(cfg.GeminiAPIKey)
		if err != nil {
			return err
		}
		editor = geminiClient
		verdict = imagecheck.NewValidator(geminiClient, cfg.GeminiModel, 0)
	}

	caseSvc := &cases.Service{
		Repo:        casesRepo,
		Usage:       usageSvc,
		Store:       app.Store,
		Catalog:     catalogRepo,
		Providers:   providers,
		Protocol:    protocolProvider,
		Editor:      editor,
		EditorModel: cfg.GeminiEditModel,
		Verdict:     verdict,
		Queue:       app.Queue,
		Prompts:     llm.NewPromptRegistry(cases.DefaultPrompts()...),
		SafetyNet:   buildSafetyNet(cfg),
		ChainBudget: cfg.CaseChainBudget,
	}

	app.CasesRepo = casesRepo
	app.CatalogRepo = catalogRepo
	app.UsageService = usageSvc
	app.CaseService = caseSvc
	app.CaseProcessor = caseSvc
	app.CaseHandler = cases.NewHandler(caseSvc)
	app.UsageHandler = usage.NewHandler(usageSvc)
	app.AccountHandler = account.NewHandler(account.NewService(casesRepo))

	if app.CaseHandler == nil || app.UsageHandler == nil {
		return errors.New("failed to initialize handlers")
	}

	return nil
}

// buildProviders assembles the analysis fallback chain in priority order and
// picks the protocol-design provider. At least one provider key is required.
func buildProviders(cfg config.Config) ([]cases.Provider, cases.Provider, error) {
	var providers []cases.Provider

	if cfg.OpenAIAPIKey != "" {
		client, err := openai.NewClient(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, cases.Provider{}, err
		}
		providers = append(providers, cases.Provider{Client: client, Model: cfg.OpenAIModel})
	}
	if cfg.GeminiAPIKey != "" {
		client, err := gemini.NewClient(cfg.GeminiAPIKey)
		if err != nil {
			return nil, cases.Provider{}, err
		}
		providers = append(providers, cases.Provider{Client: client, Model: cfg.GeminiModel})
	}

	if len(providers) == 0 {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: no provider API keys configured; case processing will fail")
			return nil, cases.Provider{}, nil
		}
		return nil, cases.Provider{}, errors.New("at least one of OPENAI_API_KEY or GEMINI_API_KEY is required")
	}

	return providers, providers[0], nil
}

func buildSafetyNet(cfg config.Config) cases.SafetyNet {
	sn := cases.DefaultSafetyNet()
	if cfg.SafetyNetMinScore > 0 {
		sn.MinConfidence = float64(cfg.SafetyNetMinScore)
	}
	return sn
}
