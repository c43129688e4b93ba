package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hireloop/mailengine/internal/ratelimit"
	"github.com/hireloop/mailengine/internal/web/handlers"
	"github.com/hireloop/mailengine/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	AccountHandler *handlers.AccountHandler
	ThreadHandler  *handlers.ThreadHandler
	SendHandler    *handlers.SendHandler
	Limiter        *ratelimit.Limiter
}

// NewRouter wires all routes into a Chi router. Authentication lives in the
// proxy in front of this service; every API route requires the identity
// header it sets.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(deps.Limiter))
		r.Use(middleware.RequireUser)

		r.Get("/accounts", deps.AccountHandler.HandleList)
		r.Post("/accounts", deps.AccountHandler.HandleLink)
		r.Delete("/accounts/{accountID}", deps.AccountHandler.HandleUnlink)
		r.Get("/accounts/{accountID}/limits", deps.AccountHandler.HandleLimits)

		r.Get("/threads", deps.ThreadHandler.HandleList)
		r.Get("/threads/{threadID}", deps.ThreadHandler.HandleGet)
		r.Post("/threads/{threadID}/archive", deps.ThreadHandler.HandleArchive)

		r.Post("/send", deps.SendHandler.HandleSend)
		r.Post("/deliverability", deps.SendHandler.HandleDeliverability)
	})

	return r
}
