package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/connector/internal/bots"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/channel/adapters/amazonalexa"
	"github.com/memohai/connector/internal/channel/adapters/callr"
	"github.com/memohai/connector/internal/channel/adapters/ciscospark"
	"github.com/memohai/connector/internal/channel/adapters/kik"
	"github.com/memohai/connector/internal/channel/adapters/line"
	"github.com/memohai/connector/internal/channel/adapters/messenger"
	"github.com/memohai/connector/internal/channel/adapters/microsoft"
	"github.com/memohai/connector/internal/channel/adapters/slack"
	"github.com/memohai/connector/internal/channel/adapters/slackapp"
	"github.com/memohai/connector/internal/channel/adapters/telegram"
	"github.com/memohai/connector/internal/channel/adapters/twilio"
	"github.com/memohai/connector/internal/channel/adapters/twitter"
	"github.com/memohai/connector/internal/channel/adapters/webchat"
	"github.com/memohai/connector/internal/config"
	"github.com/memohai/connector/internal/conversation"
	"github.com/memohai/connector/internal/db"
	"github.com/memohai/connector/internal/forwarder"
	"github.com/memohai/connector/internal/handlers"
	"github.com/memohai/connector/internal/healthcheck"
	channelchecker "github.com/memohai/connector/internal/healthcheck/checkers/channel"
	"github.com/memohai/connector/internal/logger"
	"github.com/memohai/connector/internal/pipeline"
	"github.com/memohai/connector/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook relay and admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		runServe()
		return nil
	},
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStores,
			provideHTTPClient,
			provideSlackAdapter,
			provideSlackAppAdapter,
			provideChannelRegistry,
			provideChannelService,
			bots.NewService,
			provideConversationService,
			provideForwarder,
			provideDeliverer,
			provideIngestor,
			provideReconciler,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideOAuthHandler),
			provideServerHandler(provideBotsHandler),
			provideServerHandler(provideChannelsHandler),
			provideServerHandler(provideAuthHandler),
			provideServer,
		),
		fx.Invoke(
			startReconciler,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

type stores struct {
	fx.Out

	Bots          bots.Store
	Channels      channel.Store
	Conversations conversation.Store
}

func provideStores(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (stores, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		log.Warn("using in-memory storage, state is lost on restart")
		return stores{
			Bots:          bots.NewMemoryStore(),
			Channels:      channel.NewMemoryStore(),
			Conversations: conversation.NewMemoryStore(),
		}, nil
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return stores{}, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return stores{
		Bots:          bots.NewPGStore(pool),
		Channels:      channel.NewPGStore(pool),
		Conversations: conversation.NewPGStore(pool),
	}, nil
}

func provideHTTPClient(cfg config.Config) *http.Client {
	return &http.Client{Timeout: cfg.HTTP.TimeoutDuration()}
}

func provideSlackAdapter(log *slog.Logger, client *http.Client) *slack.SlackAdapter {
	return slack.NewSlackAdapter(log, client)
}

func provideSlackAppAdapter(log *slog.Logger, client *http.Client, store channel.Store, workspace *slack.SlackAdapter) *slackapp.SlackAppAdapter {
	return slackapp.NewSlackAppAdapter(log, client, store, workspace)
}

func provideChannelRegistry(log *slog.Logger, client *http.Client, slackAdapter *slack.SlackAdapter, slackApp *slackapp.SlackAppAdapter) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(telegram.NewTelegramAdapter(log, client))
	registry.MustRegister(messenger.NewMessengerAdapter(log, client))
	registry.MustRegister(slackAdapter)
	registry.MustRegister(slackApp)
	registry.MustRegister(twilio.NewTwilioAdapter(log, client))
	registry.MustRegister(callr.NewCallrAdapter(log, client))
	registry.MustRegister(kik.NewKikAdapter(log, client))
	registry.MustRegister(line.NewLineAdapter(log, client))
	registry.MustRegister(twitter.NewTwitterAdapter(log, client))
	registry.MustRegister(ciscospark.NewSparkAdapter(log, client))
	registry.MustRegister(microsoft.NewMicrosoftAdapter(log, client))
	registry.MustRegister(amazonalexa.NewAlexaAdapter(log))
	registry.MustRegister(webchat.NewWebchatAdapter(log))
	return registry
}

func provideChannelService(log *slog.Logger, store channel.Store, registry *channel.Registry, cfg config.Config) *channel.Service {
	return channel.NewService(log, store, registry, cfg.Server.BaseURL)
}

func provideConversationService(log *slog.Logger, store conversation.Store, channels *channel.Service, botService *bots.Service) *conversation.Service {
	return conversation.NewService(log, store, channels, botService)
}

func provideForwarder(log *slog.Logger, cfg config.Config) *forwarder.Client {
	return forwarder.NewClient(log, cfg.Forwarder.TimeoutDuration())
}

func provideDeliverer(log *slog.Logger, registry *channel.Registry, conversations *conversation.Service, cfg config.Config) *pipeline.Deliverer {
	return pipeline.NewDeliverer(log, registry, conversations, pipeline.DeliveryConfig{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		RetryDelay:  cfg.Delivery.Delay(),
	})
}

func provideIngestor(log *slog.Logger, channels *channel.Service, registry *channel.Registry, conversations *conversation.Service, botService *bots.Service, fwd *forwarder.Client, delivery *pipeline.Deliverer) *pipeline.Ingestor {
	return pipeline.NewIngestor(log, channels, registry, conversations, botService, fwd, delivery)
}

func provideReconciler(log *slog.Logger, channels *channel.Service, cfg config.Config) *channel.Reconciler {
	return channel.NewReconciler(log, channels, cfg.Reconcile.Schedule)
}

func providePingHandler(log *slog.Logger, registry *channel.Registry) *handlers.PingHandler {
	return handlers.NewPingHandler(log, registry)
}

func provideWebhookHandler(log *slog.Logger, ingestor *pipeline.Ingestor) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, ingestor)
}

func provideOAuthHandler(log *slog.Logger, slackApp *slackapp.SlackAppAdapter, channels *channel.Service, cfg config.Config) *handlers.OAuthHandler {
	return handlers.NewOAuthHandler(log, slackApp, channels, cfg.Server.BaseURL)
}

func provideBotsHandler(log *slog.Logger, botService *bots.Service, channels *channel.Service) *handlers.BotsHandler {
	checks := healthcheck.NewAggregate(channelchecker.NewChecker(log, channels))
	return handlers.NewBotsHandler(log, botService, checks)
}

func provideChannelsHandler(log *slog.Logger, channels *channel.Service, botService *bots.Service, registry *channel.Registry) *handlers.ChannelsHandler {
	return handlers.NewChannelsHandler(log, channels, botService, registry)
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, cfg.Auth.JWTSecret, cfg.Auth.ExpiresIn())
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startReconciler(lc fx.Lifecycle, reconciler *channel.Reconciler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return reconciler.Start() },
		OnStop:  func(ctx context.Context) error { return reconciler.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Auth.JWTSecret == "" {
				logger.Warn("auth.jwt_secret is empty, admin API tokens cannot be verified")
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
