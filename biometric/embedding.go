package biometric

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/types"
)

const (
	// DefaultThreshold is the default minimum cosine similarity of a match.
	DefaultThreshold = 0.5
	// DefaultEmbeddingTimeout bounds a whole embedding request, retries
	// included.
	DefaultEmbeddingTimeout = 15 * time.Second
	// DefaultEmbeddingRetries is the number of retries after a failed call.
	DefaultEmbeddingRetries = 3

	embedPath = "/embed"
)

// EmbeddingConfig configures the external embedding service client.
type EmbeddingConfig struct {
	URL        string
	Threshold  float64
	Timeout    time.Duration
	MaxRetries uint64
	HTTPClient *http.Client
}

// Embedding is a Verifier delegating feature extraction to an external
// service and comparing vectors by cosine similarity.
type Embedding struct {
	url        string
	threshold  float64
	timeout    time.Duration
	maxRetries uint64
	client     *http.Client
}

type embedRequest struct {
	ImageBase64 string `json:"image_base64"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	DetScore  float64   `json:"det_score"`
}

// NewEmbedding returns an embedding verifier. Zero values in cfg select the
// defaults.
func NewEmbedding(cfg EmbeddingConfig) *Embedding {
	e := &Embedding{
		url:        strings.TrimSuffix(cfg.URL, "/"),
		threshold:  cfg.Threshold,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		client:     cfg.HTTPClient,
	}
	if e.threshold == 0 {
		e.threshold = DefaultThreshold
	}
	if e.timeout <= 0 {
		e.timeout = DefaultEmbeddingTimeout
	}
	if e.maxRetries == 0 {
		e.maxRetries = DefaultEmbeddingRetries
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	return e
}

// Mode implements Verifier.
func (*Embedding) Mode() types.TemplateMode {
	return types.TemplateEmbedding
}

// Embed obtains the embedding vector of a sample. Timeouts, transport
// failures and 5xx answers are retried up to the configured bound and then
// reported as ErrServiceUnavailable.
func (e *Embedding) Embed(ctx context.Context, sample []byte) ([]float64, error) {
	if len(sample) == 0 {
		return nil, fmt.Errorf("%w: empty sample", ErrMalformedSample)
	}
	body, err := json.Marshal(embedRequest{ImageBase64: base64.StdEncoding.EncodeToString(sample)})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var vector []float64
	attempt := 0
	op := func() error {
		attempt++
		v, err := e.call(ctx, body)
		if err != nil {
			log.Debugw("embedding request failed", "attempt", attempt, "error", err.Error())
			return err
		}
		vector = v
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, e.maxRetries), ctx)); err != nil {
		if errors.Is(err, ErrMalformedSample) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return vector, nil
}

func (e *Embedding) call(ctx context.Context, body []byte) ([]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+embedPath, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("embedding service status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		// the service could not find a face or decode the image
		return nil, backoff.Permanent(fmt.Errorf("%w: service status %d: %s",
			ErrMalformedSample, resp.StatusCode, strings.TrimSpace(string(data))))
	}
	var out embedResponse
	if err := json.Unmarshal(data, &out); err != nil || len(out.Embedding) == 0 {
		return nil, fmt.Errorf("invalid embedding response")
	}
	return out.Embedding, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or -1 if
// the vectors have different lengths or a zero norm.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Enroll implements Verifier.
func (e *Embedding) Enroll(ctx context.Context, sample []byte) (*types.BiometricTemplate, error) {
	v, err := e.Embed(ctx, sample)
	if err != nil {
		return nil, err
	}
	return &types.BiometricTemplate{Mode: types.TemplateEmbedding, Embedding: v}, nil
}

// Match implements Verifier.
func (e *Embedding) Match(ctx context.Context, sample []byte, tmpl *types.BiometricTemplate) (bool, error) {
	if tmpl == nil || tmpl.Mode != types.TemplateEmbedding {
		return false, nil
	}
	v, err := e.Embed(ctx, sample)
	if err != nil {
		return false, err
	}
	return CosineSimilarity(v, tmpl.Embedding) >= e.threshold, nil
}
