package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/cadence/internal/clients/featuregate"
	"github.com/bobmcallan/cadence/internal/clients/gemini"
	"github.com/bobmcallan/cadence/internal/clients/moderation"
	"github.com/bobmcallan/cadence/internal/clients/publisher"
	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/gateway"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/mcpserver"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/bobmcallan/cadence/internal/services/authz"
	"github.com/bobmcallan/cadence/internal/services/consent"
	"github.com/bobmcallan/cadence/internal/services/ratelimit"
	"github.com/bobmcallan/cadence/internal/services/token"
	"github.com/bobmcallan/cadence/internal/storage"
	"github.com/bobmcallan/cadence/internal/tools"
)

// Collaborators are the external services the gateway calls. Nil fields
// are built from config by NewApp; tests supply fakes.
type Collaborators struct {
	Generator interfaces.ContentGenerator
	Moderator interfaces.Moderator
	Publisher interfaces.Publisher
	Features  interfaces.FeatureGate
}

// App holds all initialized services, clients, and the MCP server.
// It is the shared core used by cmd/cadence-server and cmd/cadence-admin.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	Tokens      *token.Service
	Authz       *authz.Service
	Limiter     *ratelimit.Limiter
	Consent     *consent.Coordinator
	Registry    *tools.Registry
	Features    interfaces.FeatureGate
	Dispatcher  *gateway.Dispatcher
	MCPServer   *server.MCPServer
	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// ResolveConfigPath picks the config file: the given path, CADENCE_CONFIG,
// cadence.toml beside the binary, then config/cadence.toml.
func ResolveConfigPath(configPath string) string {
	if configPath == "" {
		configPath = os.Getenv("CADENCE_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(getBinaryDir(), "cadence.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/cadence.toml"
		}
	}
	return configPath
}

// NewApp loads configuration, opens storage and builds every service.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	common.LoadVersionFromFile()

	config, err := common.LoadConfig(ResolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if config.IsProduction() {
		if missing := config.ValidateRequired(); len(missing) > 0 {
			return nil, fmt.Errorf("missing required production settings: %s", strings.Join(missing, ", "))
		}
	}

	// Resolve relative audit path to binary directory
	if p := config.Storage.SQLite.Path; p != "" && !filepath.IsAbs(p) {
		config.Storage.SQLite.Path = filepath.Join(getBinaryDir(), p)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	storageManager, err := storage.NewManager(ctx, logger, config.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	collab, err := buildCollaborators(ctx, config, logger)
	if err != nil {
		storageManager.Close()
		return nil, err
	}

	return New(config, logger, storageManager, collab), nil
}

// buildCollaborators creates the external clients from config. Without a
// Gemini key content generation reports upstream_failure.
func buildCollaborators(ctx context.Context, config *common.Config, logger *common.Logger) (Collaborators, error) {
	var collab Collaborators

	var geminiClient *gemini.Client
	if key := config.Clients.Gemini.APIKey; key != "" {
		c, err := gemini.NewClient(ctx, key,
			gemini.WithLogger(logger),
			gemini.WithModel(config.Clients.Gemini.Model),
		)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize Gemini client")
		} else {
			geminiClient = c
		}
	} else {
		logger.Warn().Msg("Gemini API key not configured - content generation will be unavailable")
	}

	if geminiClient != nil {
		collab.Generator = geminiClient
	} else {
		collab.Generator = unavailableGenerator{}
	}

	switch config.Clients.Moderation.Provider {
	case "gemini":
		if geminiClient == nil {
			return collab, fmt.Errorf("moderation provider gemini requires a Gemini API key")
		}
		collab.Moderator = geminiClient
	case "", "keyword":
		collab.Moderator = moderation.NewKeywordModerator(config.Clients.Moderation.Blocked)
	default:
		return collab, fmt.Errorf("unknown moderation provider: %s (supported: keyword, gemini)", config.Clients.Moderation.Provider)
	}

	pc := config.Clients.Publisher
	collab.Publisher = publisher.NewClient(pc.BaseURL, pc.APIKey,
		publisher.WithLogger(logger),
		publisher.WithRateLimit(pc.RateLimit),
		publisher.WithTimeout(pc.GetTimeout()),
	)
	collab.Features = featuregate.NewGate(config.Features)
	return collab, nil
}

// New wires services over an opened storage manager.
func New(config *common.Config, logger *common.Logger, sm interfaces.StorageManager, collab Collaborators, opts ...Option) *App {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if collab.Features == nil {
		collab.Features = featuregate.NewGate(config.Features)
	}
	if collab.Moderator == nil {
		collab.Moderator = moderation.NewKeywordModerator(config.Clients.Moderation.Blocked)
	}
	if collab.Generator == nil {
		collab.Generator = unavailableGenerator{}
	}

	tokens := token.NewService(sm.AuthStore(), token.ConfigFromAuth(config),
		token.WithClock(o.now),
		token.WithLogger(logger),
	)

	authzOpts := []authz.Option{authz.WithClock(o.now), authz.WithLogger(logger)}
	if o.newCode != nil {
		authzOpts = append(authzOpts, authz.WithCodeGenerator(o.newCode))
	}
	authzService := authz.NewService(sm.AuthStore(), tokens, config.Auth.SupportedScopes, config.Auth.GetAuthorizationTTL(), authzOpts...)

	limiter := ratelimit.NewLimiter(sm.CounterStore(), config.RateLimit,
		ratelimit.WithClock(o.now),
		ratelimit.WithLogger(logger),
	)

	coordinator := consent.NewCoordinator(sm.ActionStore(), config.Consent.GetConsentTTL(), config.Consent.GetUndoWindow(),
		consent.WithClock(o.now),
		consent.WithLogger(logger),
		consent.WithRetry(config.Consent.MaxRetries, 200*time.Millisecond, 2*time.Second),
		consent.WithStaleAfter(config.Consent.GetStaleAfter()),
	)

	registry := tools.NewRegistry()

	dispatcher := gateway.New(gateway.Dependencies{
		Auth:      tokens,
		Registry:  registry,
		Limiter:   limiter,
		Consent:   coordinator,
		Features:  collab.Features,
		Moderator: collab.Moderator,
		Generator: collab.Generator,
		Publisher: collab.Publisher,
		Audit:     sm.AuditStore(),
	},
		gateway.WithCallTimeout(config.Consent.GetCallTimeout()),
		gateway.WithClock(o.now),
		gateway.WithLogger(logger),
	)

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     sm,
		Tokens:      tokens,
		Authz:       authzService,
		Limiter:     limiter,
		Consent:     coordinator,
		Registry:    registry,
		Features:    collab.Features,
		Dispatcher:  dispatcher,
		MCPServer:   mcpserver.New(dispatcher, logger),
		StartupTime: o.now(),
	}

	logger.Info().Int("tools", len(registry.List())).Msg("App initialized")
	return a
}

// Close releases all resources held by the App.
func (a *App) Close() {
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
		a.Storage = nil
	}
}

// Option adjusts wiring, mainly for tests.
type Option func(*options)

type options struct {
	now     func() time.Time
	newCode func() string
}

// WithClock sets the time source shared by every service.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCodeGenerator sets the authorization code generator.
func WithCodeGenerator(f func() string) Option {
	return func(o *options) { o.newCode = f }
}

// unavailableGenerator stands in when no content model is configured.
type unavailableGenerator struct{}

func (unavailableGenerator) GenerateContent(context.Context, string, string, string) (*models.GeneratedContent, error) {
	return nil, common.NewError(common.CodeUpstreamFailure, "content generation is not configured")
}
