// Package remote talks to the application origin's REST API on behalf of the
// sync coordinator.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProjectsPath is the create endpoint for projects, relative to the base URL.
const ProjectsPath = "/api/v1/projects"

// IdempotencyHeader carries the client-generated key of a queued write.
const IdempotencyHeader = "Idempotency-Key"

const maxErrorBody = 4 << 10

// StatusError reports a non-2xx response from the remote.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Doer performs HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProjectsClient creates projects on the remote.
type ProjectsClient struct {
	endpoint string
	http     Doer
	headers  http.Header
}

// Option customises a ProjectsClient.
type Option func(*ProjectsClient)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(d Doer) Option {
	return func(c *ProjectsClient) {
		if d != nil {
			c.http = d
		}
	}
}

// WithHeader adds a static header to every request, e.g. an API token.
func WithHeader(name, value string) Option {
	return func(c *ProjectsClient) {
		if strings.TrimSpace(name) != "" {
			c.headers.Set(name, value)
		}
	}
}

// NewProjectsClient returns a client for the remote rooted at baseURL.
func NewProjectsClient(baseURL string, timeout time.Duration, opts ...Option) (*ProjectsClient, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote: base url %q must be absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	base.Path = strings.TrimRight(base.Path, "/") + ProjectsPath
	client := &ProjectsClient{
		endpoint: base.String(),
		http:     &http.Client{Timeout: timeout},
		headers:  http.Header{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Endpoint returns the URL projects are posted to.
func (c *ProjectsClient) Endpoint() string {
	return c.endpoint
}

type createProjectRequest struct {
	Title string `json:"title"`
}

// CreateProject posts one project. Any 2xx response is success.
func (c *ProjectsClient) CreateProject(ctx context.Context, title, idempotencyKey string) error {
	payload, err := json.Marshal(createProjectRequest{Title: title})
	if err != nil {
		return fmt.Errorf("remote: encode project: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	for name, values := range c.headers {
		req.Header[name] = append([]string(nil), values...)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: create project: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}
