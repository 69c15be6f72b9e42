package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/UltraSive/kvmodel/internal/datastore"
	"github.com/UltraSive/kvmodel/internal/upstream"
)

// Operations understood by Serve.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpExpire = "expire"
	OpTTL    = "ttl"
	OpDelete = "delete"
	OpKeys   = "keys"
)

var (
	ErrBadRequest        = errors.New("bad request")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Request is one operation against a collection. TTL is in milliseconds.
type Request struct {
	Op         string          `json:"op"`
	Collection string          `json:"collection"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	TTL        *int64          `json:"ttl,omitempty"`
	Match      string          `json:"match,omitempty"`
}

// Response carries an HTTP status code regardless of the transport.
type Response struct {
	Status int             `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type Handler struct {
	Upstream    *upstream.Client // nil if none
	UpstreamTTL time.Duration    // 0 == infinite
	Log         *zap.Logger

	mu          sync.RWMutex
	collections map[string]datastore.Datastore
	fetches     singleflight.Group
}

func New(up *upstream.Client, upstreamTTL time.Duration, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Upstream:    up,
		UpstreamTTL: upstreamTTL,
		Log:         log,
		collections: make(map[string]datastore.Datastore),
	}
}

// Register binds a collection name to its store. Registering a name twice
// is an error.
func (h *Handler) Register(name string, ds datastore.Datastore) error {
	if name == "" || strings.ContainsRune(name, '/') {
		return fmt.Errorf("invalid collection name %q", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.collections[name]; ok {
		return fmt.Errorf("collection %q already registered", name)
	}
	h.collections[name] = ds
	return nil
}

// Collections returns the registered names, sorted.
func (h *Handler) Collections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.collections))
	for name := range h.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sweepers returns the registered stores that support background sweeping.
func (h *Handler) Sweepers() map[string]datastore.Sweeper {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]datastore.Sweeper)
	for name, ds := range h.collections {
		if s, ok := ds.(datastore.Sweeper); ok {
			out[name] = s
		}
	}
	return out
}

// Close closes every registered store.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for _, ds := range h.collections {
		errs = append(errs, ds.Close())
	}
	return errors.Join(errs...)
}

func (h *Handler) lookup(name string) (datastore.Datastore, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ds, ok := h.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownCollection, name)
	}
	return ds, nil
}

func (h *Handler) Serve(ctx context.Context, req Request) Response {
	ds, err := h.lookup(req.Collection)
	if err != nil {
		return errorResponse(err)
	}
	if req.Op != OpKeys && req.Key == "" {
		return errorResponse(fmt.Errorf("%w: missing key", ErrBadRequest))
	}
	if req.TTL != nil {
		if err := checkMillis(*req.TTL); err != nil {
			return errorResponse(err)
		}
	}

	switch req.Op {
	case OpGet:
		return h.get(ctx, ds, req)

	case OpSet:
		if len(req.Value) == 0 || !json.Valid(req.Value) {
			return errorResponse(fmt.Errorf("%w: value must be a JSON document", ErrBadRequest))
		}
		var ttl *time.Duration
		if req.TTL != nil {
			ttl = datastore.TTLDuration(*req.TTL)
		}
		if err := ds.Set(ctx, req.Key, req.Value, ttl); err != nil {
			return h.failure(req, err)
		}
		return Response{Status: http.StatusNoContent}

	case OpExpire:
		if req.TTL == nil {
			return errorResponse(fmt.Errorf("%w: ttl is required", ErrBadRequest))
		}
		if err := ds.Expire(ctx, req.Key, *datastore.TTLDuration(*req.TTL)); err != nil {
			return h.failure(req, err)
		}
		return Response{Status: http.StatusNoContent}

	case OpTTL:
		d, err := ds.TTL(ctx, req.Key)
		if err != nil {
			return h.failure(req, err)
		}
		ms, ok := d.Get()
		if !ok {
			return Response{Status: http.StatusNoContent}
		}
		return Response{Status: http.StatusOK, Value: json.RawMessage(strconv.FormatInt(ms.Milliseconds(), 10))}

	case OpDelete:
		if err := ds.Delete(ctx, req.Key); err != nil {
			return h.failure(req, err)
		}
		return Response{Status: http.StatusNoContent}

	case OpKeys:
		keys, err := ds.Keys(ctx, req.Match)
		if err != nil {
			return h.failure(req, err)
		}
		b, err := json.Marshal(keys)
		if err != nil {
			return h.failure(req, err)
		}
		return Response{Status: http.StatusOK, Value: b}

	default:
		return errorResponse(fmt.Errorf("%w: unknown op %q", ErrBadRequest, req.Op))
	}
}

func (h *Handler) get(ctx context.Context, ds datastore.Datastore, req Request) Response {
	v, err := ds.Get(ctx, req.Key)
	if err != nil {
		return h.failure(req, err)
	}
	if raw, ok := v.Get(); ok {
		return Response{Status: http.StatusOK, Value: raw}
	}
	if h.Upstream == nil {
		return Response{Status: http.StatusNotFound, Error: "not found"}
	}

	// miss -> ask upstream, one call per key at a time. The shared call must
	// outlive any single caller; the upstream client bounds it with its own timeout.
	fetchCtx := context.WithoutCancel(ctx)
	res, err, _ := h.fetches.Do(req.Collection+"/"+req.Key, func() (any, error) {
		raw, found, err := h.Upstream.Fetch(fetchCtx, req.Collection, req.Key)
		if err != nil || !found {
			return nil, err
		}
		var ttl *time.Duration
		if h.UpstreamTTL > 0 {
			ttl = &h.UpstreamTTL
		}
		if err := ds.Set(fetchCtx, req.Key, raw, ttl); err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	})
	if err != nil {
		h.Log.Warn("upstream fetch failed",
			zap.String("collection", req.Collection), zap.String("key", req.Key), zap.Error(err))
		return Response{Status: http.StatusBadGateway, Error: err.Error()}
	}
	if res == nil {
		return Response{Status: http.StatusNotFound, Error: "not found"}
	}
	return Response{Status: http.StatusOK, Value: datastore.CloneRaw(res.(json.RawMessage))}
}

func (h *Handler) failure(req Request, err error) Response {
	resp := errorResponse(err)
	if resp.Status >= http.StatusInternalServerError {
		h.Log.Error("store operation failed",
			zap.String("op", req.Op), zap.String("collection", req.Collection),
			zap.String("key", req.Key), zap.Error(err))
	}
	return resp
}

// StatusFor maps an error kind to its status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownCollection), errors.Is(err, datastore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest), errors.Is(err, datastore.ErrInvalidPattern):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) Response {
	return Response{Status: StatusFor(err), Error: err.Error()}
}
