// Package httpapi exposes the strategy registry, token lifecycle, sessions
// and energy accounting over a JSON REST API.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	app "github.com/R3E-Network/strategy_layer/internal/app"
	"github.com/R3E-Network/strategy_layer/internal/app/metrics"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/engine/events"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
	"github.com/R3E-Network/strategy_layer/internal/httputil"
	"github.com/R3E-Network/strategy_layer/internal/middleware"
	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

// defaultEventLimit bounds /v1/events when no limit is given.
const defaultEventLimit = 100

// Options configures the HTTP surface.
type Options struct {
	// JWTSecret verifies bearer tokens. Without it every /v1 request is
	// rejected.
	JWTSecret []byte
	// RateLimit is requests per second per caller. Zero disables limiting.
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
	// RateLimiter overrides the limiter built from RateLimit, so the caller
	// can run its cleanup loop.
	RateLimiter *middleware.RateLimiter
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns the router exposing the REST API.
func NewHandler(application *app.Application, opts Options, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log}

	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst, log.Named("ratelimit"))
	}
	auth := middleware.NewAuthMiddleware(opts.JWTSecret, log.Named("auth"), nil)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(middleware.LoggingMiddleware(log))
	r.Use(middleware.NewCORSMiddleware(opts.CORSOrigins).Handler)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(auth.Handler)
		api.Use(limiter.Handler)

		api.Get("/services", h.services)
		api.Get("/events", h.recentEvents)

		api.Route("/strategies", func(sr chi.Router) {
			sr.Post("/", h.createStrategy)
			sr.Get("/", h.listStrategies)
			sr.Get("/by-name", h.strategyByName)
			sr.Route("/{strategyID}", func(one chi.Router) {
				one.Get("/", h.getStrategy)
				one.Post("/owner/offer", h.offerOwner)
				one.Delete("/owner/offer", h.cancelOwnerOffer)
				one.Post("/owner/claim", h.claimOwner)
				one.Post("/fee/request", h.requestFeeChange)
				one.Post("/fee/resolve", h.resolveFeeChange)
				one.Put("/payment-assets", h.changePaymentAssets)
				one.Put("/fee-payee", h.changeFeePayee)
				one.Get("/tokens", h.listStrategyTokens)
				one.Post("/tokens", h.mint)
			})
		})

		api.Route("/tokens/{tokenID}", func(tr chi.Router) {
			tr.Get("/", h.getToken)
			tr.Delete("/", h.burn)
			tr.Post("/transfer", h.transfer)
			tr.Post("/borrow", h.borrow)
			tr.Post("/release", h.release)
			tr.Post("/session/start", h.startSession)
			tr.Post("/session/stop", h.stopSession)
			tr.Post("/energy/use", h.useEnergy)
			tr.Get("/energy/quote", h.quoteRefill)
			tr.Post("/energy/refill", h.refillEnergy)
			tr.Post("/refill-capacity", h.changeRefillCapacity)
		})

		api.Get("/holders/{holder}/tokens", h.listHeld)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, apperr.Wrap(apperr.ErrRouteNotFound, "%s %s", r.Method, r.URL.Path))
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) services(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.app.Descriptors())
}

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, apperr.Wrap(apperr.ErrInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	var list []events.Event
	switch {
	case q.Get("token") != "":
		id, err := chain.ParseAddress(q.Get("token"))
		if err != nil {
			httputil.WriteError(w, apperr.WithCause(apperr.ErrInvalidArgument, err))
			return
		}
		list = h.app.Events.RecentByToken(chain.Hex(id), limit)
	case q.Get("strategy") != "":
		id, err := chain.ParseAddress(q.Get("strategy"))
		if err != nil {
			httputil.WriteError(w, apperr.WithCause(apperr.ErrInvalidArgument, err))
			return
		}
		list = h.app.Events.RecentByStrategy(chain.Hex(id), limit)
	case q.Get("type") != "":
		list = h.app.Events.RecentByType(events.EventType(strings.TrimSpace(q.Get("type"))), limit)
	default:
		list = h.app.Events.Recent(limit)
	}
	if list == nil {
		list = []events.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

// caller returns the authenticated caller. Routes under /v1 always have one.
func caller(r *http.Request) chain.Address {
	addr, _ := middleware.CallerFrom(r.Context())
	return addr
}

// pathAddress parses the named URL parameter as an address.
func pathAddress(r *http.Request, param string) (chain.Address, error) {
	addr, err := chain.ParseAddress(chi.URLParam(r, param))
	if err != nil {
		return chain.ZeroAddress, apperr.WithCause(apperr.ErrInvalidArgument, err)
	}
	return addr, nil
}

// bodyAddress parses an address taken from a request body field.
func bodyAddress(field, raw string) (chain.Address, error) {
	addr, err := chain.ParseAddress(raw)
	if err != nil {
		return chain.ZeroAddress, apperr.Wrap(apperr.ErrInvalidArgument, "%s: %v", field, err)
	}
	return addr, nil
}
