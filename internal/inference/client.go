package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"deepscan/internal/backend"
	"deepscan/internal/services"
	"deepscan/internal/tensor"
)

const (
	defaultHTTPTimeout    = 30 * time.Second
	defaultRetryMaxDelay  = 5 * time.Second
	defaultRetryBaseDelay = 250 * time.Millisecond
	defaultRetryAttempts  = 3
	defaultInputName      = "input"
	datatypeFP32          = "FP32"
)

// Config captures the settings required to talk to the model server.
type Config struct {
	URL            string
	TimeoutSeconds int
	RetryAttempts  int
	InputName      string
}

// Client speaks the KServe v2 REST protocol.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the default attempt count.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// NewClient constructs a model server client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	attempts := defaultRetryAttempts
	if cfg.RetryAttempts > 0 {
		attempts = cfg.RetryAttempts
	}
	client := &Client{
		cfg: Config{
			URL:            strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
			TimeoutSeconds: cfg.TimeoutSeconds,
			RetryAttempts:  attempts,
			InputName:      strings.TrimSpace(cfg.InputName),
		},
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: attempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.InputName == "" {
		client.cfg.InputName = defaultInputName
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return client
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("model server: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

type loadRequest struct {
	Parameters map[string]string `json:"parameters,omitempty"`
}

type inferTensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type inferRequest struct {
	Inputs []inferTensor `json:"inputs"`
}

type outputTensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float64 `json:"data"`
}

type inferResponse struct {
	ModelName string         `json:"model_name"`
	Outputs   []outputTensor `json:"outputs"`
	Error     string         `json:"error"`
}

// ServerReady reports whether the server answers its readiness probe.
func (c *Client) ServerReady(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, nil, "v2", "health", "ready")
	return err
}

// Load asks the server to load a model from its repository, passing the
// weights and config locations as parameters.
func (c *Client) Load(ctx context.Context, name string, params map[string]string) error {
	if strings.TrimSpace(name) == "" {
		return services.Wrap(services.ErrValidation, "inference", "load", "model name required", nil)
	}
	clean := make(map[string]string, len(params))
	for k, v := range params {
		if strings.TrimSpace(v) != "" {
			clean[k] = v
		}
	}
	_, err := c.do(ctx, http.MethodPost, loadRequest{Parameters: clean}, "v2", "repository", "models", name, "load")
	return err
}

// Ready reports whether a model is ready to serve.
func (c *Client) Ready(ctx context.Context, name string) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, nil, "v2", "models", name, "ready")
	if err == nil {
		return true, nil
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
		return false, nil
	}
	return false, err
}

// Infer runs one FP32 input through a model and returns the first output.
func (c *Client) Infer(ctx context.Context, name string, input tensor.Tensor) ([]float64, error) {
	if err := input.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "inference", "infer", "invalid input", err)
	}
	payload := inferRequest{Inputs: []inferTensor{{
		Name:     c.cfg.InputName,
		Shape:    input.Shape,
		Datatype: datatypeFP32,
		Data:     input.Data,
	}}}
	body, err := c.do(ctx, http.MethodPost, payload, "v2", "models", name, "infer")
	if err != nil {
		return nil, err
	}
	var resp inferResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("model server: decode infer response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("model server: %s", strings.TrimSpace(resp.Error))
	}
	if len(resp.Outputs) == 0 || len(resp.Outputs[0].Data) == 0 {
		return nil, fmt.Errorf("model server: %s returned no output", name)
	}
	out := resp.Outputs[0].Data
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("model server: %s output %d is not finite", name, i)
		}
	}
	return out, nil
}

// Loader returns the ModelLoader that loads each backend on this server.
func (c *Client) Loader() backend.ModelLoader {
	return func(ctx context.Context, spec backend.LoadSpec) (backend.Model, error) {
		params := map[string]string{
			"kind":         string(spec.Kind),
			"weights_path": spec.WeightsPath,
			"config_path":  spec.ConfigPath,
			"device":       spec.Device,
		}
		if err := c.Load(ctx, spec.Name, params); err != nil {
			return nil, fmt.Errorf("load %s: %w", spec.Name, err)
		}
		ready, err := c.Ready(ctx, spec.Name)
		if err != nil {
			return nil, fmt.Errorf("readiness %s: %w", spec.Name, err)
		}
		if !ready {
			return nil, services.Wrap(services.ErrUnavailable, "inference", "load", fmt.Sprintf("%s not ready", spec.Name), nil)
		}
		return &remoteModel{client: c, name: spec.Name}, nil
	}
}

type remoteModel struct {
	client *Client
	name   string
}

func (m *remoteModel) Run(ctx context.Context, input tensor.Tensor) ([]float64, error) {
	return m.client.Infer(ctx, m.name, input)
}

func (c *Client) do(ctx context.Context, method string, payload any, elems ...string) ([]byte, error) {
	attempts := c.retryAttempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := c.doOnce(ctx, method, payload, elems...)
		if err == nil {
			return body, nil
		}
		lastErr = err
		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method string, payload any, elems ...string) ([]byte, error) {
	endpoint, err := url.JoinPath(c.cfg.URL, elems...)
	if err != nil {
		return nil, fmt.Errorf("model server: build url: %w", err)
	}
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("model server: encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("model server: new request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model server: http error (timeout=%s): %w", c.httpClient.Timeout, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("model server: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}
	return body, nil
}

func (c *Client) retryAttempts() int {
	if c == nil || c.retryMaxAttempts <= 0 {
		return 1
	}
	return c.retryMaxAttempts
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || err == nil || ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			if statusErr.RetryAfter > 0 {
				return c.capDelay(statusErr.RetryAfter), true
			}
			return c.backoffDelay(attempt), true
		default:
			return 0, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.backoffDelay(attempt), true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return c.backoffDelay(attempt), true
	}
	return 0, false
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.retryBaseDelay
	if base <= 0 {
		return 0
	}
	maxDelay := c.retryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	// attempt 1 -> base, attempt 2 -> base*2, attempt 3 -> base*4, ...
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	maxDelay := c.retryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	return min(delay, maxDelay)
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
