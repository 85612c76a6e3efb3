package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// Body encodings accepted by an Http node.
const (
	EncodingJSON = "json"
	EncodingForm = "form"
	EncodingText = "text"
	EncodingRaw  = "raw"
)

// HTTPAuth configures request authentication.
type HTTPAuth struct {
	Type        string `json:"type"` // bearer, basic or api_key
	Token       string `json:"token"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	HeaderName  string `json:"header_name"`
	HeaderValue string `json:"header_value"`
}

// HTTPParams configure an Http node. Extract maps output keys to jq filters
// applied to the parsed response body.
type HTTPParams struct {
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Headers           map[string]any    `json:"headers"`
	Body              any               `json:"body"`
	BodyEncoding      string            `json:"body_encoding"`
	Auth              *HTTPAuth         `json:"auth"`
	Timeout           string            `json:"timeout"`
	FailOnErrorStatus bool              `json:"fail_on_error_status"`
	Extract           map[string]string `json:"extract"`
}

// HTTPRunner performs an outbound HTTP request.
type HTTPRunner struct {
	*base
}

func (r *HTTPRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	var p HTTPParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}

	data := ec.Data()
	rawURL, err := r.renderString(node, p.URL, ec)
	if err != nil {
		return err
	}
	if rawURL == "" {
		return execution.Required(node, "url")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL).WithNode(node.ID)
	}
	headers, err := r.renderMap(node, p.Headers, ec)
	if err != nil {
		return err
	}
	body, err := r.interp.RenderValue(p.Body, data)
	if err != nil {
		return withNode(err, node.ID)
	}
	if p.Auth != nil {
		auth := *p.Auth
		for _, f := range []*string{&auth.Token, &auth.Username, &auth.Password, &auth.HeaderValue} {
			if *f, err = r.renderString(node, *f, ec); err != nil {
				return err
			}
		}
		p.Auth = &auth
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := defaultHTTPTimeout
	if p.Timeout != "" {
		if d, err := time.ParseDuration(p.Timeout); err == nil {
			timeout = d
		}
	}
	vr.SetInput(map[string]any{"method": method, "url": rawURL, "headers": headers, "body": body})

	bodyReader, contentType, err := encodeBody(body, p.BodyEncoding)
	if err != nil {
		return withNode(err, node.ID)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "build request: %v", err).WithNode(node.ID).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	applyAuth(req, p.Auth)

	start := time.Now()
	resp, err := r.deps.HTTPClient.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithNode(node.ID).WithCause(err)
		}
		return withNode(schema.Upstream("http", err), node.ID)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return withNode(schema.Upstream("http", err), node.ID)
	}

	respContentType := resp.Header.Get("Content-Type")
	parsed := parseBody(bodyBytes, respContentType)

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	out := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsed,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if p.FailOnErrorStatus && resp.StatusCode >= 400 {
		return schema.NewErrorf(schema.ErrCodeUpstream, "http call failed: server returned %d", resp.StatusCode).
			WithNode(node.ID).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": parsed})
	}

	for key, filter := range p.Extract {
		v, err := r.jq.Query(ctx, filter, parsed)
		if err != nil {
			return withNode(err, node.ID)
		}
		out[key] = v
	}
	vr.SetOutput(out)
	return nil
}

func encodeBody(body any, encoding string) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	switch encoding {
	case EncodingForm:
		form, ok := body.(map[string]any)
		if !ok {
			return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "form body must be an object, got %T", body)
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case EncodingText:
		return strings.NewReader(fmt.Sprintf("%v", body)), "text/plain", nil
	case EncodingRaw:
		return strings.NewReader(fmt.Sprintf("%v", body)), "", nil
	case "", EncodingJSON:
		b, err := json.Marshal(body)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "body is not JSON-encodable").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "unknown body_encoding %q", encoding)
	}
}

func applyAuth(req *http.Request, auth *HTTPAuth) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "api_key":
		if auth.HeaderName != "" {
			req.Header.Set(auth.HeaderName, auth.HeaderValue)
		}
	}
}

// parseBody decodes JSON bodies and returns everything else as a string.
func parseBody(b []byte, contentType string) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}
