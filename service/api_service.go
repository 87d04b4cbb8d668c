package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/ballot-integrity/api"
	"github.com/vocdoni/ballot-integrity/log"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP server.
const shutdownTimeout = 10 * time.Second

// APIService represents a service that manages the HTTP API server.
type APIService struct {
	conf   api.APIConfig
	api    *api.API
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewAPI creates a new APIService instance serving the components of the
// stack on host and port.
func NewAPI(stack *Stack, host string, port int) *APIService {
	return &APIService{
		conf: api.APIConfig{
			Host:        host,
			Port:        port,
			Coordinator: stack.Coordinator,
			Publisher:   stack.Publisher,
			Signer:      stack.Signer,
			Limiter:     stack.Limiter,
		},
	}
}

// Start begins the API server. It returns an error if the service
// is already running or if it fails to start.
func (as *APIService) Start(ctx context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel != nil {
		return fmt.Errorf("service already running")
	}

	_, as.cancel = context.WithCancel(ctx)

	var err error
	as.api, err = api.New(&as.conf)
	if err != nil {
		as.cancel = nil
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop halts the API server.
func (as *APIService) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel != nil {
		as.cancel()
		as.cancel = nil
	}
	if as.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := as.api.Close(ctx); err != nil {
			log.Warnw("API server shutdown", "error", err.Error())
		}
		as.api = nil
	}
}

// HostPort returns the host and port of the API server.
func (as *APIService) HostPort() (string, int) {
	return as.conf.Host, as.conf.Port
}

// Addr returns the address the server listens on, or an empty string if the
// service is not running.
func (as *APIService) Addr() string {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.api == nil {
		return ""
	}
	return as.api.Addr().String()
}
