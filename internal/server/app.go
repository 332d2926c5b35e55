// Package server assembles the HTTP handler for the queue coordination
// service: DI wiring plus route-by-route handlers. It is modeled directly
// on the teacher's internal/server.App/Handler pattern — dependencies are
// accepted as fields rather than constructed inline, so both main() and
// tests build the exact same handler chain.
package server

import (
	"net/http"

	"github.com/rjsadow/waitline/internal/analytics"
	"github.com/rjsadow/waitline/internal/archive"
	"github.com/rjsadow/waitline/internal/auth"
	"github.com/rjsadow/waitline/internal/auth/oauth"
	"github.com/rjsadow/waitline/internal/config"
	"github.com/rjsadow/waitline/internal/coordinator"
	"github.com/rjsadow/waitline/internal/middleware"
	"github.com/rjsadow/waitline/internal/notify"
	"github.com/rjsadow/waitline/internal/router"
	"github.com/rjsadow/waitline/internal/store"
	"github.com/rjsadow/waitline/internal/stream"
)

// App holds every dependency the HTTP surface needs. Archiver is nil when
// no archive bucket is configured; the close handler skips export in that
// case rather than failing the mutation.
type App struct {
	Config     *config.Config
	DB         *store.DB
	Registry   *coordinator.Registry
	Sessions   *auth.Sessions
	OAuthFlow  *oauth.Flow
	Dispatcher *notify.Dispatcher
	Analytics  *analytics.Sink
	Archiver   *archive.Archiver
	RateLimit  *router.RateLimiter
	Captcha    *router.CaptchaVerifier
	Stream     *stream.Hub
	VAPIDKeys  *notify.VAPIDKeys
	Directory  *router.ShortCodeDirectory
}

// Handler builds the complete HTTP handler: route table plus the
// security-headers/request-id wrapper the teacher applies to every route.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{app: a}

	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	mux.HandleFunc("POST /api/queue/create", h.rateLimited(h.handleQueueCreate))
	mux.HandleFunc("POST /api/queue/{code}/join", h.rateLimited(h.handleJoin))
	mux.HandleFunc("POST /api/queue/{code}/declare-nearby", h.handleDeclareNearby)
	mux.HandleFunc("POST /api/queue/{code}/leave", h.handleLeave)
	mux.HandleFunc("POST /api/queue/{code}/advance", h.handleAdvance)
	mux.HandleFunc("POST /api/queue/{code}/kick", h.handleKick)
	mux.HandleFunc("POST /api/queue/{code}/close", h.handleClose)
	mux.HandleFunc("GET /api/queue/{code}/snapshot", h.handleSnapshot)
	mux.HandleFunc("GET /api/queue/{code}/connect", h.handleConnect)

	mux.HandleFunc("GET /api/auth/{provider}", h.handleOAuthBegin)
	mux.HandleFunc("GET /api/auth/{provider}/callback", h.handleOAuthCallback)
	mux.HandleFunc("POST /api/auth/exchange", h.handleExchange)
	mux.HandleFunc("GET /api/auth/me", h.handleAuthMe)
	mux.HandleFunc("POST /api/auth/logout", h.handleLogout)

	mux.HandleFunc("GET /api/push/vapid", h.handlePushVAPID)
	mux.HandleFunc("POST /api/push/subscribe", h.handlePushSubscribe)

	mux.HandleFunc("GET /queue/{code}", h.handleQueueRedirect)

	var top http.Handler = mux
	if a.Config != nil && len(a.Config.AllowedOrigins) > 0 {
		top = router.CORS(a.Config.AllowedOrigins, top)
	}
	return middleware.SecurityHeaders(middleware.RequestID(top))
}
