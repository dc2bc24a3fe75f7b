package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/rentdesk/internal/middleware"
	"github.com/charlesng35/rentdesk/internal/offline/cache"
	"github.com/charlesng35/rentdesk/internal/offline/queue"
	"github.com/charlesng35/rentdesk/internal/offline/syncer"
	appErrors "github.com/charlesng35/rentdesk/pkg/errors"
	"github.com/charlesng35/rentdesk/pkg/response"
)

const maxProxyBodyBytes = 8 << 20

// Cache header values.
const (
	CacheHit   = "hit"
	CacheShell = "shell"
	CacheMiss  = "miss"
)

// Dispatcher is the offline subsystem as seen by the HTTP surface.
// *offline.Dispatcher satisfies it.
type Dispatcher interface {
	Lifecycle
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Fetch(ctx context.Context, req cache.Request) (*cache.Response, error)
	Sync(ctx context.Context, tag string) (syncer.Attempt, error)
	Append(ctx context.Context, createdAt int64, title string) (queue.Entry, error)
	Pending(ctx context.Context) ([]queue.Entry, error)
	Depth(ctx context.Context) (int, error)
}

// EdgeHandler exposes the offline subsystem over HTTP.
type EdgeHandler struct {
	dispatcher Dispatcher
}

// NewEdgeHandler constructs an EdgeHandler.
func NewEdgeHandler(d Dispatcher) (*EdgeHandler, error) {
	if d == nil {
		return nil, errors.New("edge handler: dispatcher is required")
	}
	return &EdgeHandler{dispatcher: d}, nil
}

type enqueueRequest struct {
	CreatedAt int64  `json:"created_at" validate:"gte=0"`
	Title     string `json:"title" validate:"required,notblank,max=255"`
}

// Enqueue handles POST /edge/queue.
func (h *EdgeHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if !bindAndValidate(c, &req) {
		return
	}

	entry, err := h.dispatcher.Append(requestContext(c), req.CreatedAt, req.Title)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrCapacity):
			response.Error(c, appErrors.ErrQueueFull.WithInternal(err))
		case errors.Is(err, queue.ErrInvalidEntry):
			response.Error(c, appErrors.NewBadRequest(err.Error()))
		default:
			response.Error(c, err)
		}
		return
	}

	response.Success(c, http.StatusAccepted, entry)
}

// Pending handles GET /edge/queue.
func (h *EdgeHandler) Pending(c *gin.Context) {
	entries, err := h.dispatcher.Pending(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	response.SuccessWithMeta(c, http.StatusOK, entries, &response.Meta{Total: len(entries)})
}

type syncRequest struct {
	Tag string `json:"tag" validate:"required,notblank"`
}

// Sync handles POST /edge/sync.
func (h *EdgeHandler) Sync(c *gin.Context) {
	var req syncRequest
	if !bindAndValidate(c, &req) {
		return
	}

	attempt, err := h.dispatcher.Sync(requestContext(c), req.Tag)
	if err != nil {
		response.Error(c, err)
		return
	}
	if attempt.Outcomes == nil {
		attempt.Outcomes = []syncer.Outcome{}
	}
	response.Success(c, http.StatusOK, attempt)
}

// Install handles POST /edge/lifecycle/install.
func (h *EdgeHandler) Install(c *gin.Context) {
	if err := h.dispatcher.Install(requestContext(c)); err != nil {
		response.Error(c, appErrors.ErrLifecycleFailed.WithInternal(err))
		return
	}
	response.Success(c, http.StatusOK, h.lifecycleStatus("installed"))
}

// Activate handles POST /edge/lifecycle/activate.
func (h *EdgeHandler) Activate(c *gin.Context) {
	if err := h.dispatcher.Activate(requestContext(c)); err != nil {
		response.Error(c, appErrors.ErrLifecycleFailed.WithInternal(err))
		return
	}
	response.Success(c, http.StatusOK, h.lifecycleStatus("activated"))
}

func (h *EdgeHandler) lifecycleStatus(event string) gin.H {
	return gin.H{
		"event":   event,
		"version": h.dispatcher.Version(),
		"active":  h.dispatcher.Active(),
	}
}

// Proxy serves every non-edge route through the cache.
func (h *EdgeHandler) Proxy(c *gin.Context) {
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxProxyBodyBytes))
		if err != nil {
			response.Error(c, appErrors.New("PAYLOAD_TOO_LARGE", "Request body too large", http.StatusRequestEntityTooLarge))
			return
		}
	}

	req := cache.Request{
		Method: c.Request.Method,
		URL:    &url.URL{Path: c.Request.URL.Path, RawQuery: c.Request.URL.RawQuery},
		Header: c.Request.Header.Clone(),
		Body:   body,
	}

	resp, err := h.dispatcher.Fetch(requestContext(c), req)
	if err != nil {
		if errors.Is(err, cache.ErrNetwork) {
			response.Error(c, appErrors.ErrUpstreamUnavailable.WithInternal(err))
			return
		}
		response.Error(c, err)
		return
	}

	header := c.Writer.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Set(middleware.CacheHeader, cacheHeaderValue(resp.Source))
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	c.Status(resp.Status)
	if c.Request.Method == http.MethodHead {
		c.Writer.WriteHeaderNow()
		return
	}
	_, _ = c.Writer.Write(resp.Body)
}

func cacheHeaderValue(source cache.Source) string {
	switch source {
	case cache.SourceCache:
		return CacheHit
	case cache.SourceShell:
		return CacheShell
	default:
		return CacheMiss
	}
}
