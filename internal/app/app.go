package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/tasksync/internal/auth"
	"github.com/hitoshi/tasksync/internal/config"
	"github.com/hitoshi/tasksync/internal/database"
	"github.com/hitoshi/tasksync/internal/device"
	"github.com/hitoshi/tasksync/internal/dispatch"
	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/hitoshi/tasksync/internal/handler"
	"github.com/hitoshi/tasksync/internal/logger"
	"github.com/hitoshi/tasksync/internal/metrics"
	"github.com/hitoshi/tasksync/internal/middleware"
	"github.com/hitoshi/tasksync/internal/retry"
	"github.com/hitoshi/tasksync/internal/security"
	"github.com/hitoshi/tasksync/internal/session"
	"github.com/hitoshi/tasksync/internal/task"
	"github.com/hitoshi/tasksync/internal/tokenstore"
)

const (
	shutdownTimeout = 30 * time.Second
	dbPingTimeout   = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルを反映
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("store_backend", cfg.StoreBackend),
		slog.Bool("device_channel", cfg.DeviceChannelEnabled()),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, MigrateDirection(args))
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// runServe はローカルAPIとバックグラウンド同期を起動する。
// 全依存関係をワイヤリングし、保存済みトークンがあればセッションを復元する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. 状態更新ループ
	// シャットダウン中の書き込みフラッシュにも使うため、ctxとは独立して止める
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := dispatch.New(log, 0)
	go loop.Run(loopCtx)

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. 資格情報ストアとOAuthクライアント
	tokens, err := tokenstore.Open(tokenstore.Options{
		ServiceName: cfg.KeyringService,
		Backend:     cfg.KeyringBackend,
		FileDir:     cfg.KeyringFileDir,
		Password:    cfg.KeyringPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}

	authClient := auth.NewClient(auth.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
		AuthURL:      cfg.OAuthAuthURL,
		TokenURL:     cfg.OAuthTokenURL,
		UserInfoURL:  cfg.OAuthUserInfoURL,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}, tokens, log)
	authClient.SetRecorder(collector)

	// 4. ドキュメントストアとタスクリポジトリ
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	tasks := task.NewRepository(store, loop, log)
	tasks.SetRecorder(collector)

	catalog, err := loadCatalog(cfg.ProductCatalogPath)
	if err != nil {
		return err
	}

	// 5. デバイスチャネル
	devices, err := loadRegistry(cfg.DeviceRegistryPath)
	if err != nil {
		return err
	}
	dialer := device.NewPahoDialer(device.MQTTConfig{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  "tasksync-" + uuid.NewString(),
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		KeepAlive: cfg.MQTTKeepAlive,
	})
	channel := device.NewChannel(devices, dialer, loop, retry.Policy{
		InitialDelay: cfg.MQTTReconnectDelay,
		MaxDelay:     cfg.MQTTReconnectMaxDelay,
		MaxAttempts:  cfg.MQTTReconnectMaxAttempts,
	}, log)
	channel.SetRecorder(collector)

	// ブローカー未設定の場合はチャネルを開始しない（制御コマンドは503になる）
	var sessionDevices session.DeviceChannel
	if cfg.DeviceChannelEnabled() {
		sessionDevices = channel
	} else {
		log.Info("device channel disabled, MQTT_BROKER_URL is not set")
	}

	// 6. セッションの復元
	controller := session.NewController(authClient, tokens, tasks, sessionDevices, loop,
		session.Options{UserEmail: cfg.UserEmail}, log)
	if err := controller.Restore(ctx); err != nil {
		log.Warn("failed to restore session", slog.String("error", err.Error()))
	}

	go logBackgroundEvents(ctx, log, tasks.Errors(), channel.Events())

	// 7. ルーターの構築
	limiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitControl))
	defer limiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         log,
		Session:        controller,
		AuthConfig:     handler.AuthHandlerConfig{CookieSecure: cfg.CookieSecure},
		Tasks:          tasks,
		Catalog:        catalog,
		Sanitizer:      security.NewTextSanitizer(),
		Devices:        channel,
		ControlLimiter: limiter,
		Gatherer:       registry,
		StatusRecorder: collector,
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	}
	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 9. 未送信の書き込みを流してから購読とブローカー接続を閉じる
	if err := tasks.Flush(shutdownCtx); err != nil {
		log.Warn("failed to flush pending writes", slog.String("error", err.Error()))
	}
	tasks.Unsubscribe()
	channel.Stop()

	log.Info("API server stopped gracefully")
	return nil
}

// openStore はSTORE_BACKENDに従ってドキュメントストアを開く。
// 戻り値のcloseはストアが使うリソースを解放する。
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (docstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendFirebase:
		store := docstore.NewFirebaseStore(docstore.FirebaseConfig{
			BaseURL:   cfg.FirebaseDatabaseURL,
			AuthToken: cfg.FirebaseAuth,
			Retry:     retry.DefaultPolicy(),
		}, log)
		return store, func() {}, nil

	case config.BackendPostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
			db.Close()
			return nil, nil, err
		}
		if err := database.Migrate(cfg.DatabaseURL, "up"); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		log.Info("database connection established")
		return docstore.NewPostgresStore(db, cfg.DatabaseURL, log), func() { db.Close() }, nil

	default:
		log.Warn("using in-memory document store, tasks are lost on exit")
		return docstore.NewMemoryStore(), func() {}, nil
	}
}

// loadCatalog は商品カタログを読み込む。パスが空の場合は空のカタログを返す。
func loadCatalog(path string) (*task.Catalog, error) {
	if path == "" {
		return task.NewCatalog(nil), nil
	}
	catalog, err := task.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load product catalog: %w", err)
	}
	slog.Info("product catalog loaded", slog.Int("products", catalog.Len()))
	return catalog, nil
}

// loadRegistry はデバイスレジストリを読み込む。パスが空の場合は空のレジストリを返す。
func loadRegistry(path string) (*device.Registry, error) {
	if path == "" {
		return device.NewRegistry(nil)
	}
	registry, err := device.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load device registry: %w", err)
	}
	return registry, nil
}

// logBackgroundEvents は非同期の書き込み失敗とデバイスの状態変化をログに出力する。
func logBackgroundEvents(ctx context.Context, log *slog.Logger, errs <-chan error, events <-chan device.StatusEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			log.Warn("task sync error", slog.String("error", err.Error()))
		case ev := <-events:
			log.Info("device status changed",
				slog.String("device_id", ev.DeviceID),
				slog.Bool("online", ev.Online),
			)
		}
	}
}

// runMigrate はpostgresバックエンドのスキーマを移行する。
func runMigrate(cfg *config.Config, direction string) error {
	if cfg.StoreBackend != config.BackendPostgres {
		return fmt.Errorf("migrate requires STORE_BACKEND=%s, got %q", config.BackendPostgres, cfg.StoreBackend)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.String("direction", direction),
	)

	if err := database.Migrate(cfg.DatabaseURL, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
