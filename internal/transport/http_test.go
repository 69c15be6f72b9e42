package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UltraSive/kvmodel/internal/datastore"
	"github.com/UltraSive/kvmodel/internal/handler"
)

const anObject = `{"name":"an-object"}`

func newTestServer(t *testing.T) (*httptest.Server, *datastore.Memory) {
	t.Helper()
	h := handler.New(nil, 0, nil)
	items := datastore.NewMemory()
	require.NoError(t, h.Register("CacheItems", items))
	srv := httptest.NewServer(NewHTTPRouter(h, nil))
	t.Cleanup(srv.Close)
	return srv, items
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestHTTPGet(t *testing.T) {
	srv, items := newTestServer(t)
	require.NoError(t, items.Set(context.Background(), "get-key", json.RawMessage(anObject), nil))

	resp, body := do(t, http.MethodGet, srv.URL+"/CacheItems/get-key", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, anObject, body)
}

func TestHTTPGetMissing(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := do(t, http.MethodGet, srv.URL+"/CacheItems/key-does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/Unknown/get-key", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPSet(t *testing.T) {
	srv, items := newTestServer(t)

	resp, body := do(t, http.MethodPut, srv.URL+"/CacheItems/set-key", anObject)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, body)

	v, err := items.Get(context.Background(), "set-key")
	require.NoError(t, err)
	assert.JSONEq(t, anObject, string(v.MustGet()))
}

func TestHTTPSetWithTTL(t *testing.T) {
	srv, items := newTestServer(t)

	resp, _ := do(t, http.MethodPut, srv.URL+"/CacheItems/set-key-ttl?ttl=10", anObject)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	time.Sleep(20 * time.Millisecond)
	v, err := items.Get(context.Background(), "set-key-ttl")
	require.NoError(t, err)
	assert.True(t, v.IsAbsent())
}

func TestHTTPSetBadInput(t *testing.T) {
	srv, items := newTestServer(t)

	resp, body := do(t, http.MethodPut, srv.URL+"/CacheItems/k?ttl=soon", anObject)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "ttl")

	resp, _ = do(t, http.MethodPut, srv.URL+"/CacheItems/k", "{oops")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 0, items.Len())
}

func TestHTTPExpire(t *testing.T) {
	srv, items := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, items.Set(ctx, "expire-key", json.RawMessage(anObject), nil))

	resp, _ := do(t, http.MethodPut, srv.URL+"/CacheItems/expire-key/expire", `{"ttl":10}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	v, _ := items.Get(ctx, "expire-key")
	assert.True(t, v.IsPresent())

	time.Sleep(20 * time.Millisecond)
	v, _ = items.Get(ctx, "expire-key")
	assert.True(t, v.IsAbsent())
}

func TestHTTPExpireMissing(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := do(t, http.MethodPut, srv.URL+"/CacheItems/key-does-not-exist/expire", `{"ttl":10}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, srv.URL+"/CacheItems/key-does-not-exist/expire", `{"ttl":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPTTLDeleteKeys(t *testing.T) {
	srv, items := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, items.Set(ctx, "forever", json.RawMessage(`1`), nil))
	require.NoError(t, items.Set(ctx, "minute", json.RawMessage(`2`), datastore.TTLDuration(60_000)))

	resp, _ := do(t, http.MethodGet, srv.URL+"/CacheItems/forever/ttl", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/CacheItems/minute/ttl", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var left int64
	require.NoError(t, json.Unmarshal([]byte(body), &left))
	assert.InDelta(t, 60_000, left, 1000)

	resp, _ = do(t, http.MethodGet, srv.URL+"/CacheItems/nothing/ttl", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/CacheItems/keys?match=f*", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `["forever"]`, body)

	for i := 0; i < 2; i++ {
		resp, _ = do(t, http.MethodDelete, srv.URL+"/CacheItems/forever", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/CacheItems/keys", "")
	assert.JSONEq(t, `["minute"]`, body)
}

func TestHTTPEscapedKey(t *testing.T) {
	srv, items := newTestServer(t)

	resp, _ := do(t, http.MethodPut, srv.URL+"/CacheItems/a%2Fb%20c", `"v"`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	v, err := items.Get(context.Background(), "a/b c")
	require.NoError(t, err)
	assert.Equal(t, `"v"`, string(v.MustGet()))

	resp, body := do(t, http.MethodGet, srv.URL+"/CacheItems/a%2Fb%20c", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"v"`, body)
}

func TestHTTPHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
}

func TestHTTPRejectsOversizedTTL(t *testing.T) {
	srv, items := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, items.Set(ctx, "q", json.RawMessage(anObject), nil))

	resp, _ := do(t, http.MethodPut, srv.URL+"/CacheItems/big?ttl=9223372036854775807", anObject)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	v, _ := items.Get(ctx, "big")
	assert.True(t, v.IsAbsent())

	resp, _ = do(t, http.MethodPut, srv.URL+"/CacheItems/q/expire", `{"ttl":9223372036854775807}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body := do(t, http.MethodGet, srv.URL+"/CacheItems/q", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, anObject, body)

	resp, _ = do(t, http.MethodPut, srv.URL+"/CacheItems/q/expire", `{"ttl":"10"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPLongTTL(t *testing.T) {
	srv, _ := newTestServer(t)

	// 250 years
	resp, _ := do(t, http.MethodPut, srv.URL+"/CacheItems/long?ttl=7884000000000", anObject)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body := do(t, http.MethodGet, srv.URL+"/CacheItems/long", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, anObject, body)
}
