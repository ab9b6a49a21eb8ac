package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vklachkov/glashatay/internal/admin"
	"github.com/vklachkov/glashatay/internal/config"
	"github.com/vklachkov/glashatay/internal/convert"
	"github.com/vklachkov/glashatay/internal/deliver"
	"github.com/vklachkov/glashatay/internal/logging"
	"github.com/vklachkov/glashatay/internal/manager"
	"github.com/vklachkov/glashatay/internal/pair"
	"github.com/vklachkov/glashatay/internal/poller"
	"github.com/vklachkov/glashatay/internal/source"
	"github.com/vklachkov/glashatay/internal/store"
	"github.com/vklachkov/glashatay/internal/store/redisstore"
)

const shutdownTimeout = 10 * time.Second

var serveVerbose bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the forwarding service and the admin API",
	RunE:  serveAction,
}

func init() {
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "log at debug level")
	rootCmd.AddCommand(serveCmd)
}

func serveAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireSecrets(); err != nil {
		return err
	}

	level := cfg.Log.Level
	if serveVerbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("glashatay starting",
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("config", configPath),
		zap.String("storage", cfg.Storage.Driver),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pairs, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	deps, err := buildDeps(cfg, pairs, logger)
	if err != nil {
		return err
	}
	opts := poller.Options{
		PageSize:     cfg.Poller.PageSize,
		WaitStep:     cfg.Poller.WaitStep.Duration,
		CycleTimeout: cfg.Poller.CycleTimeout.Duration,
	}

	mgr := manager.New(pairs, func(id pair.ID, pc pair.Config) manager.Runner {
		return poller.New(id, pc, deps, opts)
	}, logger)
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.Admin.Listen,
		Handler: admin.NewHandler(mgr, admin.Options{
			JWTSecret:       cfg.Admin.JWTSecret,
			DefaultInterval: cfg.Poller.DefaultInterval.Duration,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("admin api listening",
			zap.String("addr", cfg.Admin.Listen),
			zap.Bool("auth", cfg.Admin.JWTSecret != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested", zap.Int("pollers", mgr.Running()))
	case err := <-serveErr:
		runErr = fmt.Errorf("admin api: %w", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown", zap.Error(err))
	}

	logger.Info("waiting for pollers", zap.Int("pollers", mgr.Running()))
	mgr.Wait()
	logger.Info("glashatay stopped")
	return runErr
}

// openStore opens the configured pair store and returns its closer.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pair.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "redis":
		rs, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return rs, func() { _ = rs.Close() }, nil

	default:
		if cfg.Storage.Backup {
			backup, err := store.Backup(cfg.Storage.Path)
			if err != nil {
				return nil, nil, fmt.Errorf("backup database: %w", err)
			}
			if backup != "" {
				logger.Info("database backed up", zap.String("path", backup))
			}
		}
		db, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		return db, func() { _ = db.Close() }, nil
	}
}

// buildDeps wires the source readers, the converter and the bot shared by
// all pollers.
func buildDeps(cfg *config.Config, pairs pair.Store, logger *zap.Logger) (poller.Deps, error) {
	vk, err := source.NewVK(source.VKOptions{
		Server:            cfg.VK.Server,
		APIVersion:        cfg.VK.APIVersion,
		Language:          cfg.VK.Language,
		ServiceKey:        cfg.VK.ServiceKey,
		RequestsPerSecond: cfg.VK.RequestsPerSecond,
		Timeout:           cfg.VK.RequestTimeout.Duration,
		SaveResponses:     cfg.VK.Debug.SaveResponses,
		ResponsesDir:      cfg.VK.Debug.ResponsesDir,
		Logger:            logger,
	})
	if err != nil {
		return poller.Deps{}, err
	}
	if cfg.VK.Debug.SaveResponses {
		if err := os.MkdirAll(cfg.VK.Debug.ResponsesDir, 0o755); err != nil {
			return poller.Deps{}, fmt.Errorf("create responses dir: %w", err)
		}
	}

	bot, err := deliver.NewTelegram(deliver.TelegramOptions{
		APIBase:           cfg.Telegram.APIBase,
		Token:             cfg.Telegram.BotToken,
		MessagesPerSecond: cfg.Telegram.MessagesPerSecond,
		Timeout:           cfg.Telegram.RequestTimeout.Duration,
		Logger:            logger,
	})
	if err != nil {
		return poller.Deps{}, err
	}

	conv, err := buildConverter(cfg)
	if err != nil {
		return poller.Deps{}, err
	}

	return poller.Deps{
		Store: pairs,
		Fetcher: &source.Router{
			VK:  vk,
			RSS: source.NewRSSWall(source.RSSOptions{}),
		},
		Converter:  conv,
		Bot:        bot,
		Downloader: deliver.NewHTTPDownloader(nil, cfg.Telegram.MaxPhotoBytes),
		Logger:     logger,
	}, nil
}

func buildConverter(cfg *config.Config) (*convert.Converter, error) {
	var patterns []string
	if cfg.Privacy.Redact.Enabled {
		patterns = cfg.Privacy.Redact.Patterns
	}
	conv, err := convert.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("privacy.redact: %w", err)
	}
	return conv, nil
}
