package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUpstreamUnavailable marks a scoring failure. The engine treats it as
// "no new assessment" for the cycle; it must never be turned into an
// implied Low probability.
var ErrUpstreamUnavailable = errors.New("risk scorer unavailable")

// Scorer is the external prediction model: features in, probability out.
type Scorer interface {
	Score(ctx context.Context, features map[string]float64) (float64, error)
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(ctx context.Context, features map[string]float64) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, features map[string]float64) (float64, error) {
	return f(ctx, features)
}

// HTTPScorer calls the model service over HTTP.
type HTTPScorer struct {
	url    string
	client *http.Client
}

func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type scoreRequest struct {
	Features map[string]float64 `json:"features"`
}

type scoreResponse struct {
	Probability float64 `json:"probability"`
}

// Score posts the feature vector to the model service. Transport failures
// and non-2xx responses both surface as ErrUpstreamUnavailable.
func (s *HTTPScorer) Score(ctx context.Context, features map[string]float64) (float64, error) {
	body, err := json.Marshal(scoreRequest{Features: features})
	if err != nil {
		return 0, fmt.Errorf("marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: scorer returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode scorer response: %v", ErrUpstreamUnavailable, err)
	}

	return out.Probability, nil
}

// Healthy probes the model service so operators can see scorer
// reachability on the health endpoint.
func (s *HTTPScorer) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	resp.Body.Close()
	return nil
}

// Adapter wraps the external scorer and normalizes its output into an
// Assessment record.
type Adapter struct {
	scorer Scorer
}

func NewAdapter(scorer Scorer) *Adapter {
	return &Adapter{scorer: scorer}
}

// Evaluate produces a new Assessment for a location, or fails with
// ErrUpstreamUnavailable when the scorer cannot be reached. A probability
// outside [0,1] is also rejected: the engine never invents one.
func (a *Adapter) Evaluate(ctx context.Context, locationID string, features map[string]float64) (*Assessment, error) {
	p, err := a.scorer.Score(ctx, features)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if p < 0 || p > 1 {
		return nil, fmt.Errorf("%w: scorer returned probability %.4f outside [0,1]", ErrUpstreamUnavailable, p)
	}

	return &Assessment{
		LocationID:  locationID,
		Timestamp:   time.Now().UTC(),
		Probability: p,
		Features:    features,
	}, nil
}
