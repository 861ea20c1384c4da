// Package auth is the credential boundary of the chat core. The session
// never manages token storage or refresh itself; it consumes a
// CredentialProvider that hands out the current bearer token and performs
// authorized REST requests with a single refresh-and-retry on 401.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"encoding/json"

	"github.com/valyala/fasthttp"

	"pingo/pkg/logger"
)

// ErrUnauthorized is returned when a request still fails with 401 after
// the one refresh attempt.
var ErrUnauthorized = errors.New("unauthorized")

// CredentialProvider supplies the current bearer credential and an
// authorized request primitive.
type CredentialProvider interface {
	// Token returns the current access token; empty when logged out.
	Token() string
	// AuthorizedRequest performs the request with the bearer token
	// attached, transparently refreshing the credential and retrying
	// once if the first attempt is rejected with 401.
	AuthorizedRequest(method, url string, body []byte) (int, []byte, error)
}

// StaticToken is a CredentialProvider with a fixed token and no refresh
// path. Useful for tests and short-lived CLI sessions.
type StaticToken struct {
	AccessToken string
	Client      *fasthttp.Client
}

func (s *StaticToken) Token() string { return s.AccessToken }

func (s *StaticToken) AuthorizedRequest(method, url string, body []byte) (int, []byte, error) {
	return doBearer(s.client(), method, url, s.AccessToken, body)
}

func (s *StaticToken) client() *fasthttp.Client {
	if s.Client != nil {
		return s.Client
	}
	return defaultClient
}

// TokenClient is the full provider: it holds an access/refresh token pair
// and refreshes the access token against the API's refresh endpoint when
// a request comes back 401.
type TokenClient struct {
	RefreshURL string
	Client     *fasthttp.Client

	mu      sync.RWMutex
	access  string
	refresh string
}

// NewTokenClient builds a provider around an existing token pair.
func NewTokenClient(refreshURL, access, refresh string) *TokenClient {
	return &TokenClient{RefreshURL: refreshURL, access: access, refresh: refresh}
}

// RefreshEndpoint returns the token refresh URL under an API base URL.
func RefreshEndpoint(apiBase string) string {
	return strings.TrimRight(apiBase, "/") + "/auth/token/refresh/"
}

func (t *TokenClient) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.access
}

// SetTokens replaces the stored token pair (e.g. after login).
func (t *TokenClient) SetTokens(access, refresh string) {
	t.mu.Lock()
	t.access = access
	t.refresh = refresh
	t.mu.Unlock()
}

func (t *TokenClient) AuthorizedRequest(method, url string, body []byte) (int, []byte, error) {
	status, resp, err := doBearer(t.client(), method, url, t.Token(), body)
	if err != nil {
		return 0, nil, err
	}
	if status != fasthttp.StatusUnauthorized {
		return status, resp, nil
	}
	if rerr := t.refreshAccess(); rerr != nil {
		return status, resp, fmt.Errorf("%w: %v", ErrUnauthorized, rerr)
	}
	return doBearer(t.client(), method, url, t.Token(), body)
}

// refreshAccess exchanges the refresh token for a new access token.
func (t *TokenClient) refreshAccess() error {
	t.mu.RLock()
	refresh := t.refresh
	t.mu.RUnlock()
	if refresh == "" || t.RefreshURL == "" {
		return errors.New("no refresh token available")
	}
	payload, _ := json.Marshal(map[string]string{"refresh": refresh})
	status, resp, err := doJSON(t.client(), fasthttp.MethodPost, t.RefreshURL, payload)
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	if status != fasthttp.StatusOK {
		return fmt.Errorf("token refresh rejected: status %d", status)
	}
	var out struct {
		Access string `json:"access"`
	}
	if err := json.Unmarshal(resp, &out); err != nil || out.Access == "" {
		return errors.New("token refresh returned no access token")
	}
	t.mu.Lock()
	t.access = out.Access
	t.mu.Unlock()
	logger.Debug("token_refreshed")
	return nil
}

func (t *TokenClient) client() *fasthttp.Client {
	if t.Client != nil {
		return t.Client
	}
	return defaultClient
}

var defaultClient = &fasthttp.Client{
	ReadTimeout:  15 * time.Second,
	WriteTimeout: 15 * time.Second,
}

func doBearer(c *fasthttp.Client, method, url, token string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if len(body) > 0 {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}
	if err := c.Do(req, resp); err != nil {
		return 0, nil, err
	}
	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out, nil
}

func doJSON(c *fasthttp.Client, method, url string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")
	if len(body) > 0 {
		req.SetBody(body)
	}
	if err := c.Do(req, resp); err != nil {
		return 0, nil, err
	}
	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out, nil
}
