package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/quizbank/internal/metrics"
	"github.com/hitoshi/quizbank/internal/middleware"
	"github.com/hitoshi/quizbank/internal/model"
)

// HealthChecker はDB疎通確認のためのインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionValidator  middleware.SessionValidator
	RoleLookup        middleware.RoleLookup
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	// StorageTimeout はセッション検証のストレージ呼び出しに設定する期限。0なら設定しない。
	StorageTimeout time.Duration

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
	Metrics       metrics.MetricsCollector
	Logger        *slog.Logger

	SessionService SessionServiceInterface
	UserService    UserServiceInterface
	ProblemService ProblemServiceInterface
	StatService    StatServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS
//	  公開ルート:   Sensitive / Lookup(IP単位のスライディングウィンドウ、枠は別々)
//	  保護ルート:   Authenticate → General(ユーザー単位のトークンバケット) → RequireRole
//
// レート制限は認証より前に評価され、未認証の総当たりも制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	sessionHandler := NewSessionHandler(deps.SessionService)
	userHandler := NewUserHandler(deps.UserService)
	problemHandler := NewProblemHandler(deps.ProblemService)
	statHandler := NewStatHandler(deps.StatService)

	sensitive := deps.RateLimiter.SensitiveMiddleware()
	lookup := deps.RateLimiter.LookupMiddleware()
	authenticate := middleware.NewAuthenticateMiddleware(deps.SessionValidator, deps.StorageTimeout)
	adminOnly := middleware.NewRequireMinRoleMiddleware(deps.RoleLookup, model.RoleAdmin)
	suOnly := middleware.NewRequireRolesMiddleware(deps.RoleLookup, model.RoleSU)

	r.Get("/health", newHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// --- 認証不要のルート（IP単位のレート制限） ---
		r.With(lookup).Get("/user/check_field", userHandler.CheckField)

		r.Group(func(r chi.Router) {
			r.Use(sensitive)

			r.Post("/session/login", sessionHandler.Login)
			r.Post("/user/register", userHandler.Register)

			// リフレッシュトークンの総当たりもIP単位で制限する
			r.With(authenticate).Post("/session/refresh", sessionHandler.Refresh)
		})

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(authenticate)
			r.Use(deps.RateLimiter.GeneralMiddleware())

			// /session と /user は公開ルートと前方一致するためサブルーターにしない
			r.Post("/session/logout", sessionHandler.Logout)
			r.Post("/session/list", sessionHandler.List)
			r.With(adminOnly).Post("/session/kick", sessionHandler.Kick)

			r.Get("/user/me", userHandler.Me)
			r.Get("/user/info", userHandler.Info)
			r.With(suOnly).Put("/user/role", userHandler.SetRole)

			r.Route("/problem", func(r chi.Router) {
				r.Get("/list_set", problemHandler.ListSets)
				r.Get("/search", problemHandler.Search)
				r.Get("/get", problemHandler.Get)
				r.Get("/count", problemHandler.Count)
				r.Get("/random", problemHandler.Random)

				r.Group(func(r chi.Router) {
					r.Use(adminOnly)
					r.Post("/create_set", problemHandler.CreateSet)
					r.Post("/add", problemHandler.Add)
					r.Post("/delete", problemHandler.Delete)
				})
			})

			r.Route("/stat", func(r chi.Router) {
				r.Post("/report", statHandler.Report)
				r.Get("/me", statHandler.Mine)
			})
		})
	})

	return r
}

// newHealthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func newHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable"})
				return
			}
		}
		writeOK(w)
	}
}
