package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/auth/ratelimit"
	"github.com/vocdoni/ballot-integrity/coordinator"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/publisher"
)

const (
	// MaxBodySize bounds request bodies, biometric samples included.
	MaxBodySize = 8 << 20
	// RequestTimeout bounds every request but the live stream.
	RequestTimeout = 45 * time.Second
)

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host        string
	Port        int
	Coordinator *coordinator.Coordinator
	Publisher   *publisher.Publisher
	Signer      *auth.Signer
	// Limiter bounds casting attempts per voter and failed authentications
	// per client address. A default limiter is created when nil.
	Limiter *ratelimit.Limiter
}

// API type represents the API HTTP server with bearer token authentication.
type API struct {
	router  *chi.Mux
	coord   *coordinator.Coordinator
	pub     *publisher.Publisher
	signer  *auth.Signer
	limiter *ratelimit.Limiter
	server  *http.Server
	addr    net.Addr
}

// New creates a new API instance with the given configuration and starts
// the HTTP server.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Coordinator == nil {
		return nil, fmt.Errorf("missing coordinator instance")
	}
	if conf.Signer == nil {
		return nil, fmt.Errorf("missing token signer")
	}
	limiter := conf.Limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultCapacity, ratelimit.DefaultMax, ratelimit.DefaultWindow)
	}
	a := &API{
		coord:   conf.Coordinator,
		pub:     conf.Publisher,
		signer:  conf.Signer,
		limiter: limiter,
	}

	// Initialize router
	a.initRouter()
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", conf.Host, conf.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	a.addr = ln.Addr()
	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting API server", "address", a.addr.String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw(err, "API server stopped")
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// Addr returns the address the server listens on.
func (a *API) Addr() net.Addr {
	return a.addr
}

// Close gracefully shuts the HTTP server down.
func (a *API) Close(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// registerHandlers registers all the API handlers. Long lived stream
// connections are kept out of the throttling and timeout middleware.
func (a *API) registerHandlers() {
	register := func(r chi.Router, method, endpoint string, h http.HandlerFunc) {
		log.Debugw("register handler", "endpoint", endpoint, "method", method)
		r.Method(method, endpoint, h)
	}
	throttle := middleware.Throttle(100)
	backlog := middleware.ThrottleBacklog(5000, 40000, 60*time.Second)
	timeout := middleware.Timeout(RequestTimeout)

	// public endpoints
	a.router.Group(func(r chi.Router) {
		r.Use(throttle, backlog, timeout)
		register(r, http.MethodGet, PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
			httpWriteOK(w)
		})
		register(r, http.MethodGet, ElectionsEndpoint, a.elections)
		register(r, http.MethodGet, ElectionEndpoint, a.election)
		register(r, http.MethodGet, ElectionCountEndpoint, a.count)
	})

	// authenticated endpoints
	a.router.Group(func(r chi.Router) {
		r.Use(a.authenticate)
		register(r, http.MethodGet, StreamEndpoint, a.stream)
		r.Group(func(r chi.Router) {
			r.Use(throttle, backlog, timeout)
			register(r, http.MethodPost, BallotsEndpoint, a.castBallot)
			register(r, http.MethodGet, BallotHistoryEndpoint, a.history)
			register(r, http.MethodGet, BallotVerifyEndpoint, a.verifyBallot)
			register(r, http.MethodGet, ElectionResultsEndpoint, a.results)
			register(r, http.MethodGet, ElectionBreakdownEndpoint, a.breakdown)
			register(r, http.MethodGet, ElectionAuditEndpoint, a.audit)
			register(r, http.MethodPost, ElectionsEndpoint, a.newElection)
			register(r, http.MethodPost, ElectionStatusEndpoint, a.setElectionStatus)
			register(r, http.MethodPost, RollEndpoint, a.importRoll)
			register(r, http.MethodPost, EnrollEndpoint, a.enroll)
		})
	})
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	// Create the router with a basic middleware stack
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}).Handler)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.RequestSize(MaxBodySize))

	// Register the API handlers
	a.registerHandlers()
}
