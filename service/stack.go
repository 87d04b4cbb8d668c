package service

import (
	"fmt"
	"path/filepath"

	"github.com/vocdoni/arbo/memdb"
	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/auth/ratelimit"
	"github.com/vocdoni/ballot-integrity/biometric"
	"github.com/vocdoni/ballot-integrity/config"
	"github.com/vocdoni/ballot-integrity/coordinator"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/publisher"
	"github.com/vocdoni/ballot-integrity/scope"
	"github.com/vocdoni/ballot-integrity/scope/sqldir"
	"github.com/vocdoni/ballot-integrity/storage"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"
)

// Stack holds the components built from a configuration.
type Stack struct {
	Storage     *storage.Storage
	Roll        scope.Roll
	Gate        *biometric.Gate
	Publisher   *publisher.Publisher
	Coordinator *coordinator.Coordinator
	Signer      *auth.Signer
	Limiter     *ratelimit.Limiter

	closers []func() error
}

// NewStack builds every component described by cfg. The configuration must
// be valid.
func NewStack(cfg *config.Config) (*Stack, error) {
	s := &Stack{}
	var kv db.Database
	switch cfg.Storage.DBType {
	case config.DBTypeMemory:
		kv = memdb.New()
	default:
		var err error
		kv, err = metadb.New(config.DBTypePebble, filepath.Join(cfg.Storage.DataDir, "storage"))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}
	s.Storage = storage.New(kv)
	s.closers = append(s.closers, func() error { s.Storage.Close(); return nil })

	switch cfg.Roll.Driver {
	case config.RollSQLite, config.RollPostgres:
		dir, err := sqldir.Open(cfg.Roll.Driver, cfg.Roll.DSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Roll = dir
		s.closers = append(s.closers, dir.Close)
	default:
		s.Roll = scope.NewStorageDirectory(s.Storage)
	}

	var verifier biometric.Verifier
	switch cfg.Biometric.Mode {
	case config.BiometricEmbedding:
		verifier = biometric.NewEmbedding(biometric.EmbeddingConfig{
			URL:        cfg.Biometric.EmbeddingURL,
			Threshold:  cfg.Biometric.EmbeddingThreshold,
			Timeout:    cfg.Biometric.EmbeddingTimeout,
			MaxRetries: cfg.Biometric.EmbeddingRetries,
		})
	default:
		verifier = biometric.NewPerceptual(cfg.Biometric.PerceptualTolerance)
	}
	s.Gate = biometric.NewGate(verifier, s.Storage)

	s.Publisher = publisher.New(cfg.PubSubBuffer)
	s.closers = append(s.closers, func() error { s.Publisher.Close(); return nil })

	var err error
	s.Coordinator, err = coordinator.New(coordinator.Config{
		MasterSecret:    []byte(cfg.Ballot.MasterSecret),
		AllowRevote:     cfg.Ballot.AllowRevote,
		RevoteReason:    cfg.Ballot.RevoteReason,
		RequireLocation: cfg.Ballot.RequireLocation,
	}, s.Storage, s.Roll, s.Gate, s.Publisher)
	if err != nil {
		s.Close()
		return nil, err
	}
	if s.Signer, err = auth.NewSigner([]byte(cfg.Auth.TokenSecret)); err != nil {
		s.Close()
		return nil, err
	}
	s.Limiter = ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.Max, cfg.RateLimit.Window)
	log.Infow("stack ready",
		"storage", cfg.Storage.DBType,
		"roll", cfg.Roll.Driver,
		"biometric", string(verifier.Mode()))
	return s, nil
}

// Close releases the components in reverse creation order.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warnw("error closing component", "error", err.Error())
		}
	}
	s.closers = nil
}
