package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// chunkSize is the read granularity for streamed response bodies.
const chunkSize = 32 * 1024

// Client is a small HTTP client for the local OpenAI-compatible service.
// Request deadlines come from the caller's context.
type Client struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

// New returns a Client rooted at base (e.g. http://127.0.0.1:8000).
func New(base, apiKey string) *Client {
	return &Client{BaseURL: strings.TrimSuffix(base, "/"), APIKey: apiKey, httpClient: &http.Client{}}
}

// Handle exposes one backend response. Next yields body chunks in order and
// returns io.EOF after the last one; it must not be called concurrently.
type Handle struct {
	Status    int
	Headers   map[string]string
	Streaming bool

	body io.ReadCloser
	buf  []byte
	done bool
}

// Do sends a request to the backend and returns a Handle for its response.
// Inbound Authorization headers are dropped; the configured API key is used
// instead when set.
func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body io.Reader) (*Handle, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		if strings.EqualFold(k, "Authorization") {
			continue
		}
		req.Header.Set(k, v)
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	hdrs := map[string]string{}
	for k, v := range resp.Header {
		hdrs[k] = strings.Join(v, ", ")
	}
	return &Handle{
		Status:    resp.StatusCode,
		Headers:   hdrs,
		Streaming: streamingResponse(resp),
		body:      resp.Body,
	}, nil
}

// streamingResponse reports whether the body should be relayed as it arrives
// rather than buffered whole.
func streamingResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(ct), "text/event-stream") {
		return true
	}
	return resp.ContentLength < 0
}

// Next returns the next body chunk. Buffered responses yield the whole body
// as a single chunk; streamed responses yield chunks of at most 32 KiB as
// they arrive.
func (h *Handle) Next() ([]byte, error) {
	if h.done {
		return nil, io.EOF
	}
	if !h.Streaming {
		b, err := io.ReadAll(h.body)
		h.done = true
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, io.EOF
		}
		return b, nil
	}
	if h.buf == nil {
		h.buf = make([]byte, chunkSize)
	}
	n, err := h.body.Read(h.buf)
	if n > 0 {
		return append([]byte(nil), h.buf[:n]...), nil
	}
	h.done = true
	if err == nil || err == io.EOF {
		return nil, io.EOF
	}
	return nil, err
}

// Close releases the response body. It is safe after Next returned io.EOF.
func (h *Handle) Close() error {
	return h.body.Close()
}

// Health checks the backend liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return nil
}

// Models fetches the model ids served by the backend. It doubles as the
// health probe when model discovery is in use.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models: status %d", resp.StatusCode)
	}
	var v struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	var models []string
	for _, m := range v.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

// FailureKind classifies transport-level failures talking to the backend.
// Backend HTTP error statuses are not failures; they relay verbatim.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureCancelled
	FailureTimeout
	FailureUnavailable
	FailureUpstream
)

// Classify maps a transport error to a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureUnavailable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) {
		return FailureUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureUnavailable
	}
	return FailureUpstream
}
