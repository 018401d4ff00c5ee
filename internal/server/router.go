package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openjobspec/ojs-thread-engine/internal/api"
	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// NewRouter creates the HTTP router with all OJS routes. Event streaming
// routes are mounted only when subscriber is non-nil.
func NewRouter(backend core.Backend, cfg Config, subscriber core.EventSubscriber) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(api.OJSHeaders)
	r.Use(api.RequestLogger)
	r.Use(api.LimitBody)
	r.Use(api.ValidateContentType)
	r.Use(api.VerifySigner(cfg.AllowUnsigned))

	threadH := api.NewThreadHandler(backend)
	adminH := api.NewAdminHandler(backend)
	systemH := api.NewSystemHandler(backend)

	r.Get("/ojs/manifest", systemH.Manifest)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/ojs/v1", func(r chi.Router) {
		r.Get("/health", systemH.Health)

		r.Route("/threads", func(r chi.Router) {
			r.Post("/", threadH.Create)
			r.Get("/", threadH.List)

			r.Route("/{address}", func(r chi.Router) {
				r.Get("/", threadH.Get)
				r.Patch("/", threadH.Update)
				r.Delete("/", threadH.Delete)
				r.Post("/pause", threadH.Pause)
				r.Post("/resume", threadH.Resume)
				r.Post("/reset", threadH.Reset)
				r.Post("/deposit", threadH.Deposit)
				r.Post("/withdraw", threadH.Withdraw)
				r.Post("/crank", threadH.Crank)
				r.Get("/receipts/latest", threadH.LatestReceipt)
				if subscriber != nil {
					r.Get("/events", api.NewEventHandler(subscriber).Thread)
				}
			})
		})

		if subscriber != nil {
			r.Get("/events", api.NewEventHandler(subscriber).All)
		}

		r.Get("/failures", adminH.ListFailures)
		r.Delete("/failures/{address}", adminH.ClearFailure)

		r.Post("/workers", adminH.RegisterWorker)
		r.Get("/workers", adminH.ListWorkers)

		r.Get("/ledger/{address}", adminH.Ledger)
		r.Put("/accounts/{address}", adminH.PutAccount)
		r.Get("/clock", adminH.Clock)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, core.NewNotFoundError("Route", r.URL.Path))
	})

	return r
}
