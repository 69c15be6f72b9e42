package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/UltraSive/kvmodel/internal/handler"
)

// MaxBodyBytes bounds request bodies accepted by the HTTP router.
const MaxBodyBytes = 1 << 20

type httpAPI struct {
	h   *handler.Handler
	log *zap.Logger
}

// NewHTTPRouter exposes h over REST:
//
//	GET    /{collection}/keys?match=glob
//	GET    /{collection}/{key}
//	PUT    /{collection}/{key}?ttl=ms
//	DELETE /{collection}/{key}
//	PUT    /{collection}/{key}/expire   {"ttl": ms}
//	GET    /{collection}/{key}/ttl
func NewHTTPRouter(h *handler.Handler, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	api := &httpAPI{h: h, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/{collection}", func(r chi.Router) {
		r.Get("/keys", api.keys)
		r.Get("/{key}", api.get)
		r.Put("/{key}", api.set)
		r.Delete("/{key}", api.delete)
		r.Put("/{key}/expire", api.expire)
		r.Get("/{key}/ttl", api.ttl)
	})
	return r
}

// pathParam returns the decoded value of a route parameter. chi matches
// against RawPath when the request has one, leaving params escaped.
func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v, nil
	}
	return url.PathUnescape(v)
}

func (a *httpAPI) request(w http.ResponseWriter, r *http.Request, op string) (handler.Request, bool) {
	collection, err := pathParam(r, "collection")
	if err != nil {
		a.write(w, r, handler.Response{Status: http.StatusBadRequest, Error: err.Error()})
		return handler.Request{}, false
	}
	req := handler.Request{Op: op, Collection: collection}
	if op == handler.OpKeys {
		return req, true
	}
	if req.Key, err = pathParam(r, "key"); err != nil {
		a.write(w, r, handler.Response{Status: http.StatusBadRequest, Error: err.Error()})
		return handler.Request{}, false
	}
	return req, true
}

func (a *httpAPI) body(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		a.write(w, r, handler.Response{Status: http.StatusBadRequest, Error: err.Error()})
		return nil, false
	}
	return b, true
}

func (a *httpAPI) get(w http.ResponseWriter, r *http.Request) {
	if req, ok := a.request(w, r, handler.OpGet); ok {
		a.write(w, r, a.h.Serve(r.Context(), req))
	}
}

func (a *httpAPI) set(w http.ResponseWriter, r *http.Request) {
	req, ok := a.request(w, r, handler.OpSet)
	if !ok {
		return
	}
	ttl, err := handler.ParseTTL(r.URL.Query().Get("ttl"))
	if err != nil {
		a.write(w, r, handler.Response{Status: handler.StatusFor(err), Error: err.Error()})
		return
	}
	if req.Value, ok = a.body(w, r); !ok {
		return
	}
	req.TTL = ttl
	a.write(w, r, a.h.Serve(r.Context(), req))
}

func (a *httpAPI) expire(w http.ResponseWriter, r *http.Request) {
	req, ok := a.request(w, r, handler.OpExpire)
	if !ok {
		return
	}
	b, ok := a.body(w, r)
	if !ok {
		return
	}
	ttl, err := handler.ParseExpireBody(b)
	if err != nil {
		a.write(w, r, handler.Response{Status: handler.StatusFor(err), Error: err.Error()})
		return
	}
	req.TTL = &ttl
	a.write(w, r, a.h.Serve(r.Context(), req))
}

func (a *httpAPI) ttl(w http.ResponseWriter, r *http.Request) {
	if req, ok := a.request(w, r, handler.OpTTL); ok {
		a.write(w, r, a.h.Serve(r.Context(), req))
	}
}

func (a *httpAPI) delete(w http.ResponseWriter, r *http.Request) {
	if req, ok := a.request(w, r, handler.OpDelete); ok {
		a.write(w, r, a.h.Serve(r.Context(), req))
	}
}

func (a *httpAPI) keys(w http.ResponseWriter, r *http.Request) {
	if req, ok := a.request(w, r, handler.OpKeys); ok {
		req.Match = r.URL.Query().Get("match")
		a.write(w, r, a.h.Serve(r.Context(), req))
	}
}

// write serializes resp. A client that already went away gets nothing; the
// store mutation, if any, stands.
func (a *httpAPI) write(w http.ResponseWriter, r *http.Request, resp handler.Response) {
	if err := r.Context().Err(); err != nil {
		a.log.Debug("client gone, dropping response",
			zap.String("path", r.URL.Path), zap.Int("status", resp.Status))
		return
	}
	switch {
	case resp.Error != "":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": resp.Error})
	case len(resp.Value) > 0:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Value)
	default:
		w.WriteHeader(resp.Status)
	}
}
