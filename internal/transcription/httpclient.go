package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

const (
	userAgent = "voicenote-pipeline/1.0"

	// Upper bound on a backend response body
	maxResponseBytes = 16 << 20
)

// BackendConfig configures a single remote backend
type BackendConfig struct {
	BaseURL    string       // empty selects the vendor default
	APIKey     string       // missing key fails each call with an authentication error
	HTTPClient *http.Client // nil uses a shared pooled client
}

var sharedHTTPClient = &http.Client{
	// No client-level timeout: the dispatcher bounds every call through its context.
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// httpClient performs the HTTP exchange shared by every backend and
// classifies transport and status failures.
type httpClient struct {
	provider string
	baseURL  string
	apiKey   string
	client   *http.Client
}

func newHTTPClient(provider, defaultBaseURL string, cfg BackendConfig) *httpClient {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = sharedHTTPClient
	}
	return &httpClient{
		provider: provider,
		baseURL:  strings.TrimRight(base, "/"),
		apiKey:   cfg.APIKey,
		client:   client,
	}
}

func (c *httpClient) requireKey() error {
	if c.apiKey == "" {
		e := failure.New(failure.Authentication, "dispatch", "missing API key")
		e.Provider = c.provider
		return e
	}
	return nil
}

// encodeError classifies a local failure to build the request
func (c *httpClient) encodeError(err error) error {
	if fe, ok := failure.As(err); ok {
		if fe.Provider == "" {
			fe.Provider = c.provider
		}
		return fe
	}
	e := failure.Wrap(failure.Provider, "encode request", err)
	e.Provider = c.provider
	return e
}

// postJSON sends payload as JSON and returns the raw response body
func (c *httpClient) postJSON(ctx context.Context, path string, header http.Header, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, c.encodeError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, c.encodeError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, header)
}

// postMultipart sends a pre-built multipart body
func (c *httpClient) postMultipart(ctx context.Context, path string, header http.Header, body *bytes.Buffer, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, c.encodeError(err)
	}
	req.Header.Set("Content-Type", contentType)

	return c.do(req, header)
}

// do performs the request. On a non-2xx status the body is returned along
// with the classified error so backends can refine the classification.
func (c *httpClient) do(req *http.Request, header http.Header) ([]byte, error) {
	for key, values := range header {
		req.Header[key] = values
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, failure.FromTransport(c.provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failure.FromTransport(c.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, failure.FromStatus(c.provider, resp.StatusCode, resp.Header, respBody)
	}

	return respBody, nil
}

// decode parses a successful response body
func (c *httpClient) decode(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		e := failure.Wrap(failure.Provider, "decode response", err)
		e.Provider = c.provider
		return e
	}
	return nil
}

// malformed reports a well-formed body that lacks the expected content
func (c *httpClient) malformed(format string, args ...any) error {
	e := failure.New(failure.Provider, "decode response", format, args...)
	e.Provider = c.provider
	return e
}
