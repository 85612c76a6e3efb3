package runners

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

func TestHTTPRunner_JSONRoundTrip(t *testing.T) {
	var gotAuth, gotMethod, gotContentType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {"id": "ord-9", "items": [1, 2]}}`))
	}))
	defer srv.Close()

	g := single(withParams(node("http", schema.NodeKindHttp), map[string]any{
		"method":  "post",
		"url":     srv.URL + "/orders",
		"body":    map[string]any{"user": "${{ trigger.user_id }}"},
		"auth":    map[string]any{"type": "bearer", "token": "secret"},
		"extract": map[string]any{"order_id": ".data.id", "n": ".data.items | length"},
	}))

	vr, err := run(t, &HTTPRunner{base: testBase(t, Deps{HTTPClient: srv.Client()})}, newEC(g, nil), "http")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]any{"user": "u1"}, gotBody)

	out := vr.Output()
	assert.Equal(t, 200, out["status_code"])
	assert.Equal(t, "ord-9", out["order_id"])
	assert.Equal(t, 2, out["n"])
}

func TestHTTPRunner_FormAndHeaders(t *testing.T) {
	var gotForm, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotForm = r.PostForm.Get("q")
		gotKey = r.Header.Get("X-Api-Key")
		_, _ = w.Write([]byte("plain ok"))
	}))
	defer srv.Close()

	g := single(withParams(node("http", schema.NodeKindHttp), map[string]any{
		"method":        "POST",
		"url":           srv.URL,
		"body":          map[string]any{"q": "${{ trigger.content }}"},
		"body_encoding": "form",
		"auth":          map[string]any{"type": "api_key", "header_name": "X-Api-Key", "header_value": "k1"},
	}))
	vr, err := run(t, &HTTPRunner{base: testBase(t, Deps{HTTPClient: srv.Client()})}, newEC(g, nil), "http")
	require.NoError(t, err)
	assert.Equal(t, "hello", gotForm)
	assert.Equal(t, "k1", gotKey)
	assert.Equal(t, "plain ok", vr.Output()["body"])
}

func TestHTTPRunner_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	deps := Deps{HTTPClient: srv.Client()}

	g := single(withParams(node("http", schema.NodeKindHttp), map[string]any{"url": srv.URL}))
	vr, err := run(t, &HTTPRunner{base: testBase(t, deps)}, newEC(g, nil), "http")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, vr.Output()["status_code"])

	g = single(withParams(node("http", schema.NodeKindHttp), map[string]any{"url": srv.URL, "fail_on_error_status": true}))
	_, err = run(t, &HTTPRunner{base: testBase(t, deps)}, newEC(g, nil), "http")
	assert.Equal(t, schema.ErrCodeUpstream, errCode(err))
}

func TestHTTPRunner_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://files.example.com/x", "not a url"} {
		g := single(withParams(node("http", schema.NodeKindHttp), map[string]any{"url": u}))
		_, err := run(t, &HTTPRunner{base: testBase(t, Deps{})}, newEC(g, nil), "http")
		assert.True(t, schema.IsBranchAbort(err), u)
	}
}

func TestHTTPRunner_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := single(withParams(node("http", schema.NodeKindHttp), map[string]any{"url": url}))
	_, err := run(t, &HTTPRunner{base: testBase(t, Deps{})}, newEC(g, nil), "http")
	assert.Equal(t, schema.ErrCodeUpstream, errCode(err))
}
