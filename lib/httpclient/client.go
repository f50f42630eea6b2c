// Package httpclient provides the roundtrip.Client wrapper shared by
// every microservice client BOA talks to (hardware state, power
// controller, boot-script registry, configuration service, status
// service). It is grounded on lib/ops/opsclient.go's use of
// github.com/gravitational/roundtrip.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
)

// convertResponse applies the same status->error conversion every
// teacher client wraps roundtrip's native verbs in (lib/ops/opsclient.go's
// telehttplib.ConvertResponse, lib/blob/client, lib/app/client,
// lib/pack/webpack): roundtrip's PostJSON/PutJSON/Get return a nil
// error for any status code, including non-2xx, so every call site
// that doesn't re-check re.Code() itself would silently treat a 409,
// 404, or 5xx as success. trace.ReadError turns the status code (and
// body, which the upstream services sometimes use to carry richer
// error kinds) into the matching trace error kind, the same one
// IsConflict/IsNotFound below inspect.
func convertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if re.Code() < 200 || re.Code() >= 300 {
		return re, trace.ReadError(re.Code(), re.Bytes())
	}
	return re, nil
}

// CurrentVersion is the API version segment every BOA-facing
// microservice is assumed to be rooted under.
const CurrentVersion = "v1"

// Client wraps roundtrip.Client with the extra verb (PATCH) the
// upstream services need that roundtrip does not provide natively.
type Client struct {
	roundtrip.Client
}

// Param configures a Client at construction time.
type Param func(*Client) error

// New returns a new Client targeting addr.
func New(addr string, params ...Param) (*Client, error) {
	rt, err := roundtrip.NewClient(addr, CurrentVersion)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := &Client{Client: *rt}
	for _, param := range params {
		if err := param(client); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return client, nil
}

// HTTPClient overrides the underlying *http.Client, e.g. for custom
// timeouts or TLS configuration.
func HTTPClient(h *http.Client) Param {
	return func(c *Client) error {
		return roundtrip.HTTPClient(h)(&c.Client)
	}
}

// BearerAuth authenticates every request with a bearer token.
func BearerAuth(token string) Param {
	return func(c *Client) error {
		return roundtrip.BearerAuth(token)(&c.Client)
	}
}

// PostJSON issues an HTTP POST with a JSON-encoded body, shadowing the
// embedded roundtrip.Client method of the same name so every BOA
// caller gets convertResponse's status check for free.
func (c *Client) PostJSON(ctx context.Context, endpoint string, data interface{}) (*roundtrip.Response, error) {
	return convertResponse(c.Client.PostJSON(ctx, endpoint, data))
}

// PutJSON issues an HTTP PUT with a JSON-encoded body, shadowing the
// embedded roundtrip.Client method of the same name.
func (c *Client) PutJSON(ctx context.Context, endpoint string, data interface{}) (*roundtrip.Response, error) {
	return convertResponse(c.Client.PutJSON(ctx, endpoint, data))
}

// Get issues an HTTP GET, shadowing the embedded roundtrip.Client
// method of the same name.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (*roundtrip.Response, error) {
	return convertResponse(c.Client.Get(ctx, endpoint, params))
}

// Response is the result of a PatchJSON call. It intentionally mirrors
// the subset of roundtrip.Response callers rely on (status code plus
// raw body) rather than reusing that type directly, since roundtrip
// does not expose a constructor for it.
type Response struct {
	Code int
	body []byte
}

// Bytes returns the raw response body.
func (r *Response) Bytes() []byte {
	return r.body
}

// PatchJSON issues an HTTP PATCH with a JSON-encoded body, mirroring
// the shape of roundtrip.Client's PostJSON/PutJSON.
func (c *Client) PatchJSON(ctx context.Context, endpoint string, data interface{}) (*Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return c.roundTrip(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
}

// roundTrip performs an arbitrary-method request through the
// underlying HTTP client, reusing the same connection pool and base
// URL the embedded roundtrip.Client was configured with.
func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body *bytes.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	re, err := c.Client.HTTPClient().Do(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer re.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(re.Body); err != nil {
		return nil, trace.Wrap(err)
	}
	if re.StatusCode < 200 || re.StatusCode >= 300 {
		return nil, trace.ReadError(re.StatusCode, buf.Bytes())
	}
	return &Response{Code: re.StatusCode, body: buf.Bytes()}, nil
}

// IsConflict reports whether err represents an HTTP 409 response,
// used by the create-or-reference combinator (spec.md §4.3).
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	return trace.IsAlreadyExists(err)
}

// IsNotFound reports whether err represents an HTTP 404 response.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return trace.IsNotFound(err)
}

// Values is a convenience alias so callers don't need to import
// net/url directly for empty query strings.
func Values() url.Values {
	return url.Values{}
}
