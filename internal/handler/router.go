package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/tasksync/internal/metrics"
	"github.com/hitoshi/tasksync/internal/middleware"
	"github.com/hitoshi/tasksync/internal/security"
	"github.com/hitoshi/tasksync/internal/task"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// セッション
	Session    SessionService
	AuthConfig AuthHandlerConfig

	// タスク
	Tasks     TaskService
	Catalog   *task.Catalog
	Sanitizer *security.TextSanitizer

	// デバイス
	Devices        DeviceService
	ControlLimiter *middleware.RateLimiter

	// メトリクス
	Gatherer       prometheus.Gatherer
	StatusRecorder middleware.StatusRecorder
}

// NewRouter はローカルAPIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Metrics → Logging → Session（/api/* のみ）
//
// 認証ルート（/auth/*）、/health、/metrics はセッション検証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}
	r.Use(middleware.NewLoggingMiddleware(logger))

	authHandler := NewAuthHandler(deps.Session, deps.AuthConfig)
	taskHandler := NewTaskHandler(deps.Tasks, deps.Catalog, deps.Sanitizer)
	deviceHandler := NewDeviceHandler(deps.Devices)

	// --- 認証不要のルート ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", authHandler.Login)
		r.Get("/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// --- ログインが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Session))

		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", taskHandler.List)
			r.Post("/", taskHandler.Create)
			r.Put("/{id}", taskHandler.Update)
			r.Delete("/{id}", taskHandler.Delete)
		})

		r.Route("/api/devices", func(r chi.Router) {
			r.Get("/", deviceHandler.List)

			control := http.HandlerFunc(deviceHandler.Control)
			if deps.ControlLimiter != nil {
				// デバイスごとに制御コマンドをレート制限する
				r.With(deps.ControlLimiter.Middleware("device_control", func(r *http.Request) string {
					return chi.URLParam(r, "id")
				})).Post("/{id}/control", control)
			} else {
				r.Post("/{id}/control", control)
			}
		})
	})

	return r
}
