// Package api is the transport boundary to the platform API. Requests are
// signed with the user's API key over a canonical query serialization;
// responses carry a result_type discriminator naming the entity payload.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Sentinel errors.
var (
	// ErrNetwork marks transport-level failures: connection refused, DNS,
	// timeouts, non-JSON bodies.
	ErrNetwork = errors.New("api: network failure")
)

// ServerError is a structured error payload returned by the platform.
type ServerError struct {
	Code       string
	InternalID string
	Msg        string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("api: server error %s (%s): %s", e.Code, e.InternalID, e.Msg)
}

// Caller performs signed HTTP calls against the platform API.
type Caller interface {
	Get(ctx context.Context, resource string, params map[string]any) (map[string]any, error)
	Post(ctx context.Context, resource string, params map[string]any) (map[string]any, error)
}

// HTTPCaller is the default Caller over net/http.
type HTTPCaller struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCaller creates a caller against baseURL with the given timeout.
func NewHTTPCaller(baseURL string, timeout time.Duration) *HTTPCaller {
	return &HTTPCaller{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Get performs a signed GET. Params travel in the query string.
func (c *HTTPCaller) Get(ctx context.Context, resource string, params map[string]any) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+resource+"?"+encodeForm(params), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return c.do(req)
}

// Post performs a signed POST with a form-encoded body.
func (c *HTTPCaller) Post(ctx context.Context, resource string, params map[string]any) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+resource, strings.NewReader(encodeForm(params)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *HTTPCaller) do(req *http.Request) (map[string]any, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: undecodable response (HTTP %d)", ErrNetwork, resp.StatusCode)
	}

	if !isSuccess(decoded) {
		serverErr := errorFromResponse(decoded)
		log.Debug().
			Str("resource", req.URL.Path).
			Str("code", serverErr.Code).
			Msg("API request rejected")
		return decoded, serverErr
	}
	return decoded, nil
}

// isSuccess interprets the response's success flag, which the platform
// renders as a bool, a number or a string depending on the endpoint.
func isSuccess(resp map[string]any) bool {
	switch v := resp["success"].(type) {
	case bool:
		return v
	case float64:
		return v > 0
	case string:
		return v == "true" || (v != "" && v != "0" && v != "false")
	}
	return false
}

// errorFromResponse extracts the structured err payload.
func errorFromResponse(resp map[string]any) *ServerError {
	out := &ServerError{Code: "UNKNOWN", Msg: "unrecognized server error"}
	errObj, ok := resp["err"].(map[string]any)
	if !ok {
		return out
	}
	if code, ok := errObj["code"].(string); ok {
		out.Code = code
	}
	if id, ok := errObj["internal_id"].(string); ok {
		out.InternalID = id
	}
	if msg, ok := errObj["msg"].(string); ok {
		out.Msg = msg
	}
	return out
}

// encodeForm renders params as a percent-encoded form body using the same
// nested-key flattening as the canonical signing serialization.
func encodeForm(params map[string]any) string {
	values := url.Values{}
	for _, p := range flattenParams("", params) {
		values.Add(p.name, p.value)
	}
	return values.Encode()
}
