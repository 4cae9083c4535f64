// Package embedding provides a client for OpenAI-compatible embeddings
// endpoints (OpenAI, LiteLLM, Ollama, vLLM) plus vector helpers.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// MaxInputChars caps the characters sent per request.
const MaxInputChars = 30000

// Client turns text into a fixed-width vector.
type Client interface {
	// Embed returns the embedding for text. The vector length always equals
	// Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions is the configured vector width.
	Dimensions() int
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the embedding client.
type Option func(*httpClient)

// WithBaseURL sets the API root, e.g. "https://api.openai.com/v1".
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithModel sets the embedding model name.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithDimensions sets the expected vector width.
func WithDimensions(n int) Option {
	return func(c *httpClient) {
		c.dims = n
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit and burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	dims    int
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an embeddings client. apiKey may be empty for local
// servers that do not authenticate.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
		model:   "text-embedding-3-small",
		dims:    1536,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(10, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Dimensions() int { return c.dims }

type embedRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	EncodingFormat string `json:"encoding_format"`
	Dimensions     int    `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *httpClient) Embed(ctx context.Context, text string) ([]float32, error) {
	text = Truncate(strings.TrimSpace(text), MaxInputChars)
	if text == "" {
		return nil, eris.New("embedding: empty input")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "embedding: rate limit wait")
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: text, EncodingFormat: "float", Dimensions: c.dims})
	if err != nil {
		return nil, eris.Wrap(err, "embedding: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "embedding: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "embedding: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, eris.Wrap(err, "embedding: read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: Truncate(string(respBody), 512)}
	}

	var out embedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "embedding: decode response")
	}
	if len(out.Data) == 0 {
		return nil, eris.New("embedding: response has no data")
	}
	vec := out.Data[0].Embedding
	if err := Validate(vec, c.dims); err != nil {
		return nil, err
	}
	return vec, nil
}

// Validate rejects vectors of the wrong width, with non-finite components,
// or with zero magnitude.
func Validate(vec []float32, dims int) error {
	if len(vec) != dims {
		return eris.Errorf("embedding: got %d dimensions, want %d", len(vec), dims)
	}
	var norm float64
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return eris.Errorf("embedding: component %d is not finite", i)
		}
		norm += f * f
	}
	if norm == 0 {
		return eris.New("embedding: zero vector")
	}
	return nil
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
