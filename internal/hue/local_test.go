package hue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	apperr "github.com/sirdoy/pannello-stufa-sub009/internal/errors"
	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	key    string
	body   string
}

func newBridge(t *testing.T, status int, reply string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs = append(reqs, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			key:    r.Header.Get(appKeyHeader),
			body:   string(body),
		})
		jsonReply(w, status, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestLocalProvider_ListResources(t *testing.T) {
	srv, reqs := newBridge(t, http.StatusOK, `{"errors":[],"data":[{"id":"r1","type":"room"}]}`)
	p := NewLocalProvider(srv.Client(), bridgeAddr(srv), "abc")

	data, err := p.ListResources(context.Background(), "room")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"r1","type":"room"}]`, string(data))
	assert.Equal(t, models.ModeLocal, p.Mode())

	require.Len(t, *reqs, 1)
	assert.Equal(t, http.MethodGet, (*reqs)[0].method)
	assert.Equal(t, "/clip/v2/resource/room", (*reqs)[0].path)
	assert.Equal(t, "abc", (*reqs)[0].key)
}

func TestLocalProvider_Mutations(t *testing.T) {
	tests := []struct {
		name   string
		call   func(p Provider) (json.RawMessage, error)
		method string
		path   string
		body   string
	}{
		{
			name: "update",
			call: func(p Provider) (json.RawMessage, error) {
				return p.UpdateResource(context.Background(), "light", "l-1", map[string]any{"on": map[string]bool{"on": true}})
			},
			method: http.MethodPut,
			path:   "/clip/v2/resource/light/l-1",
			body:   `{"on":{"on":true}}`,
		},
		{
			name: "create with raw body",
			call: func(p Provider) (json.RawMessage, error) {
				return p.CreateResource(context.Background(), "scene", json.RawMessage(`{"metadata":{"name":"Sera"}}`))
			},
			method: http.MethodPost,
			path:   "/clip/v2/resource/scene",
			body:   `{"metadata":{"name":"Sera"}}`,
		},
		{
			name: "delete",
			call: func(p Provider) (json.RawMessage, error) {
				return p.DeleteResource(context.Background(), "scene", "s-1")
			},
			method: http.MethodDelete,
			path:   "/clip/v2/resource/scene/s-1",
		},
		{
			name: "bridge",
			call: func(p Provider) (json.RawMessage, error) {
				return p.Bridge(context.Background())
			},
			method: http.MethodGet,
			path:   "/clip/v2/resource/bridge",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reqs := newBridge(t, http.StatusOK, `{"errors":[],"data":[{"rid":"x"}]}`)
			p := NewLocalProvider(srv.Client(), bridgeAddr(srv), "abc")

			_, err := tt.call(p)
			require.NoError(t, err)

			require.Len(t, *reqs, 1)
			got := (*reqs)[0]
			assert.Equal(t, tt.method, got.method)
			assert.Equal(t, tt.path, got.path)
			if tt.body != "" {
				assert.JSONEq(t, tt.body, got.body)
			} else {
				assert.Empty(t, got.body)
			}
		})
	}
}

func TestLocalProvider_MissingDataIsEmptyList(t *testing.T) {
	srv, _ := newBridge(t, http.StatusOK, `{"errors":[]}`)
	p := NewLocalProvider(srv.Client(), bridgeAddr(srv), "abc")

	data, err := p.ListResources(context.Background(), "light")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestLocalProvider_Forbidden(t *testing.T) {
	srv, _ := newBridge(t, http.StatusForbidden, `{"errors":[{"description":"unauthorized user"}]}`)
	p := NewLocalProvider(srv.Client(), bridgeAddr(srv), "stale")

	_, err := p.ListResources(context.Background(), "light")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBridgeError, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "unauthorized user")
}

func TestLocalProvider_RejectsBadPathsWithoutRequest(t *testing.T) {
	srv, reqs := newBridge(t, http.StatusOK, `{"data":[]}`)
	p := NewLocalProvider(srv.Client(), bridgeAddr(srv), "abc")
	ctx := context.Background()

	_, err := p.ListResources(ctx, "../api")
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

	_, err = p.GetResource(ctx, "light", "a/b")
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

	_, err = p.GetResource(ctx, "light", "")
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

	_, err = p.ActivateScene(ctx, "")
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

	_, err = p.UpdateResource(ctx, "light", "l-1", func() {})
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

	assert.Empty(t, *reqs)
}

func TestLocalProvider_NetworkError(t *testing.T) {
	srv, _ := newBridge(t, http.StatusOK, `{"data":[]}`)
	addr := bridgeAddr(srv)
	client := srv.Client()
	srv.Close()

	p := NewLocalProvider(client, addr, "abc")
	_, err := p.ListResources(context.Background(), "light")
	assert.Equal(t, apperr.CodeNetworkError, apperr.CodeOf(err))
}
