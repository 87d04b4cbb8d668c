// Package biometric matches a voter's biometric sample against the template
// enrolled for that voter. Two interchangeable verifiers are provided: a
// perceptual average hash computed locally and an embedding vector obtained
// from an external service.
package biometric

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/storage"
	"github.com/vocdoni/ballot-integrity/types"
)

var (
	// ErrMalformedSample is returned for an empty or undecodable sample.
	ErrMalformedSample = errors.New("malformed biometric sample")
	// ErrAlreadyEnrolled is returned when enrolling a voter that already has
	// a template.
	ErrAlreadyEnrolled = errors.New("voter already enrolled")
	// ErrNotEnrolled is returned when a voter has no template and enrollment
	// is not allowed.
	ErrNotEnrolled = errors.New("voter not enrolled")
	// ErrServiceUnavailable is returned when the embedding service does not
	// answer within the configured bounds.
	ErrServiceUnavailable = errors.New("embedding service unavailable")
)

// Verifier enrolls and matches biometric samples. A non-match is reported as
// false with a nil error; errors are reserved for malformed input and
// unavailable dependencies.
type Verifier interface {
	Mode() types.TemplateMode
	Enroll(ctx context.Context, sample []byte) (*types.BiometricTemplate, error)
	Match(ctx context.Context, sample []byte, tmpl *types.BiometricTemplate) (bool, error)
}

// TemplateStore persists one immutable template per voter.
type TemplateStore interface {
	Template(voterID string) (*types.BiometricTemplate, error)
	SetTemplateIfAbsent(t *types.BiometricTemplate) error
}

// DecodeSample decodes a base64 sample, optionally wrapped in a data URL
// such as "data:image/png;base64,....".
func DecodeSample(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 || !strings.HasSuffix(s[:i], ";base64") {
			return nil, fmt.Errorf("%w: unsupported data URL", ErrMalformedSample)
		}
		s = s[i+1:]
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty sample", ErrMalformedSample)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSample, err)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty sample", ErrMalformedSample)
	}
	return data, nil
}

// Gate combines a Verifier with the template store and implements
// enrollment on first use.
type Gate struct {
	verifier Verifier
	store    TemplateStore
}

// NewGate returns a Gate using the given verifier and template store.
func NewGate(v Verifier, store TemplateStore) *Gate {
	return &Gate{verifier: v, store: store}
}

// Verify checks the sample against the template of voterID. If the voter has
// no template and allowEnroll is true, because another authentication factor
// already succeeded, the sample becomes the voter's template and the check
// succeeds. Without a template and without allowEnroll it returns
// ErrNotEnrolled.
func (g *Gate) Verify(ctx context.Context, voterID string, sample []byte, allowEnroll bool) (bool, error) {
	if len(sample) == 0 {
		return false, fmt.Errorf("%w: empty sample", ErrMalformedSample)
	}
	tmpl, err := g.store.Template(voterID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if !allowEnroll {
			return false, ErrNotEnrolled
		}
		if _, err := g.Enroll(ctx, voterID, sample); err == nil {
			return true, nil
		} else if !errors.Is(err, ErrAlreadyEnrolled) {
			return false, err
		}
		// lost an enrollment race, match against the winner
		if tmpl, err = g.store.Template(voterID); err != nil {
			return false, fmt.Errorf("load template: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("load template: %w", err)
	}
	if tmpl.Mode != g.verifier.Mode() {
		log.Warnw("biometric template mode mismatch",
			"voterId", voterID, "template", tmpl.Mode, "verifier", g.verifier.Mode())
		return false, nil
	}
	return g.verifier.Match(ctx, sample, tmpl)
}

// Enroll captures the sample as the template of voterID. Templates are
// immutable, so a second enrollment returns ErrAlreadyEnrolled.
func (g *Gate) Enroll(ctx context.Context, voterID string, sample []byte) (*types.BiometricTemplate, error) {
	if _, err := g.store.Template(voterID); err == nil {
		return nil, ErrAlreadyEnrolled
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load template: %w", err)
	}
	tmpl, err := g.verifier.Enroll(ctx, sample)
	if err != nil {
		return nil, err
	}
	tmpl.VoterID = voterID
	tmpl.CreatedAt = time.Now().UTC()
	if err := g.store.SetTemplateIfAbsent(tmpl); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrAlreadyEnrolled
		}
		return nil, fmt.Errorf("store template: %w", err)
	}
	log.Infow("biometric template enrolled", "voterId", voterID, "mode", tmpl.Mode)
	return tmpl, nil
}
