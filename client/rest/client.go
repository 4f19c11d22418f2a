// Package rest is the HTTP transport to the Kanisa API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/client/session"
	"github.com/trezcool/kanisa/core/attendance"
)

// TokenCookie is the cookie the API reads the JWT from.
const TokenCookie = "kanisa_token"

var _ session.Backend = (*Client)(nil) // interface compliance check

// HTTPError is a non-2xx API response.
type HTTPError struct {
	Code    int
	Message string
}

func (err *HTTPError) Error() string { return err.Message }

func (err *HTTPError) StatusCode() int { return err.Code }

type (
	Client struct {
		baseURL *url.URL
		http    *http.Client

		mu    sync.RWMutex
		token string
	}

	Option func(c *Client)
)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken authenticates requests with a previously issued JWT.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New returns a client for the API at baseURL (e.g. "http://localhost:8000").
// Requests carry credentials in a cookie jar, as well as a bearer token once logged in.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing base URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid base URL %q", baseURL)
	}

	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: u,
		http:    &http.Client{Jar: jar, Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.baseURL
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshalling request body")
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), rdr)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do sends the request and decodes a JSON response into out (if not nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decoding response")
}

func (c *Client) download(ctx context.Context, path string, query url.Values) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Del("Accept")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(resp)
	}
	data, err := ioutil.ReadAll(resp.Body)
	return data, errors.Wrap(err, "reading response")
}

// decodeError maps an error response to *attendance.ConflictError (409 naming the active session) or *HTTPError.
// Error bodies are either {"error": "..."}, {"error": "...", "activeSession": {...}} or {"field": "message"}.
func decodeError(resp *http.Response) error {
	raw, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var body struct {
		Error         string `json:"error"`
		ActiveSession *struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"activeSession"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if resp.StatusCode == http.StatusConflict && body.ActiveSession != nil {
			return &attendance.ConflictError{ActiveRole: body.ActiveSession.Role, SessionID: body.ActiveSession.ID}
		}
		if body.Error != "" {
			return &HTTPError{Code: resp.StatusCode, Message: body.Error}
		}
	}

	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err == nil && len(fields) > 0 {
		msgs := make([]string, 0, len(fields))
		for fld, msg := range fields {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fld, msg))
		}
		sort.Strings(msgs)
		return &HTTPError{Code: resp.StatusCode, Message: strings.Join(msgs, "; ")}
	}

	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{Code: resp.StatusCode, Message: msg}
}
