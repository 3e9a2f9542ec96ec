// Package proxy is the HTTP client for the sync proxy: listing of shared
// sub-trees the requester does not own, cached multipart completion and
// user profile lookup.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
)

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response reads. Proxy responses are small
	// JSON documents; listings are paged.
	maxResponseBytes = 4 * 1024 * 1024

	// expirySkew treats a token as expired slightly early so it does not
	// lapse in flight.
	expirySkew = 30 * time.Second
)

// Client talks to the proxy.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      func() string
	now        func() time.Time
}

// sameHostRedirectPolicy follows redirects only to the original host so
// the bearer token never leaks to another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 && req.URL.Host != via[0].URL.Host {
		return fmt.Errorf("redirect to different host blocked: %s -> %s", via[0].URL.Host, req.URL.Host)
	}

	return nil
}

// New returns a Client for baseURL. token is called before every request
// so refreshed credentials are picked up. A nil httpClient selects one with
// a 30 second timeout and a same-host redirect policy.
func New(baseURL string, token func() string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout, CheckRedirect: sameHostRedirectPolicy}
	}

	return &Client{httpClient: httpClient, baseURL: baseURL, token: token, now: time.Now}
}

// checkToken rejects a JWT whose exp claim has passed without a round
// trip. Opaque tokens are left to the server.
func (c *Client) checkToken(tok string) error {
	if tok == "" {
		return &zerrors.AuthError{Err: errors.New("no auth token")}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}

	if c.now().Add(expirySkew).After(exp.Time) {
		return &zerrors.AuthError{Err: zerrors.ErrTokenExpired}
	}

	return nil
}

// sanitizeBody truncates a response body for error messages and replaces
// control characters.
func sanitizeBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if (r == utf8.RuneError && size <= 1) || (r < 0x20 && r != '\n' && r != '\t') {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// do sends a request and decodes a 200 JSON response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	tok := c.token()
	if err := c.checkToken(tok); err != nil {
		return err
	}

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &zerrors.TransientError{Layer: zerrors.LayerPoll, Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &zerrors.TransientError{Layer: zerrors.LayerPoll, Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &zerrors.AuthError{Err: fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", zerrors.ErrObjectNotFound, endpoint)
	case resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusConflict:
		return &zerrors.ConflictError{Key: endpoint, Err: zerrors.ErrPreconditionFailed}
	case isTransientStatus(resp.StatusCode):
		return &zerrors.TransientError{
			Layer: zerrors.LayerPoll,
			Err:   fmt.Errorf("%w: %s returned %d", zerrors.ErrAPIRequest, endpoint, resp.StatusCode),
		}
	default:
		return fmt.Errorf("%w: %s returned %d: %s", zerrors.ErrAPIRequest, endpoint, resp.StatusCode, sanitizeBody(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding %s: %w", zerrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

type objectJSON struct {
	Key          string    `json:"key"`
	ETag         string    `json:"eTag"`
	LastModified time.Time `json:"lastModified"`
	Size         int64     `json:"size"`
}

func (o objectJSON) info() cloud.ObjectInfo {
	return cloud.ObjectInfo{Key: o.Key, ETag: o.ETag, LastModified: o.LastModified, Size: o.Size}
}

type listResponse struct {
	Objects   []objectJSON `json:"objects"`
	NextToken string       `json:"nextToken"`
}

// List implements cloud.Lister. The proxy only returns keys under paths
// the requester has read permission for.
func (c *Client) List(ctx context.Context, b cloud.Bucket, prefix, token string) (cloud.ListPage, error) {
	q := url.Values{}
	q.Set("region", b.Region)
	q.Set("bucket", b.Name)
	q.Set("prefix", prefix)

	if token != "" {
		q.Set("token", token)
	}

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/list?"+q.Encode(), nil, &resp); err != nil {
		return cloud.ListPage{}, fmt.Errorf("listing %s: %w", prefix, err)
	}

	page := cloud.ListPage{NextToken: resp.NextToken, Objects: make([]cloud.ObjectInfo, 0, len(resp.Objects))}
	for _, o := range resp.Objects {
		page.Objects = append(page.Objects, o.info())
	}

	return page, nil
}

type partJSON struct {
	Number int32  `json:"partNumber"`
	ETag   string `json:"eTag"`
}

type completeRequest struct {
	Region      string     `json:"region"`
	Bucket      string     `json:"bucket"`
	Key         string     `json:"key"`
	UploadID    string     `json:"uploadID"`
	Parts       []partJSON `json:"parts"`
	IfMatch     string     `json:"ifMatch,omitempty"`
	IfNoneMatch string     `json:"ifNoneMatch,omitempty"`
}

// CompleteMultipart implements cloud.Completer. The proxy caches the
// result per upload ID, so a retry after a lost response is safe. The
// preconditions are forwarded to S3, which answers 412 when they fail.
func (c *Client) CompleteMultipart(ctx context.Context, b cloud.Bucket, key, uploadID string, parts []cloud.Part, opts cloud.PutOptions) (cloud.ObjectInfo, error) {
	req := completeRequest{
		Region:      b.Region,
		Bucket:      b.Name,
		Key:         key,
		UploadID:    uploadID,
		IfMatch:     opts.IfMatch,
		IfNoneMatch: opts.IfNoneMatch,
	}
	for _, p := range parts {
		req.Parts = append(req.Parts, partJSON{Number: p.Number, ETag: p.ETag})
	}

	var resp objectJSON
	if err := c.do(ctx, http.MethodPost, "/multipart/complete", req, &resp); err != nil {
		return cloud.ObjectInfo{}, fmt.Errorf("completing upload %s: %w", uploadID, err)
	}

	if resp.Key == "" {
		resp.Key = key
	}

	return resp.info(), nil
}

// ResolveUser implements cloud.UserResolver.
func (c *Client) ResolveUser(ctx context.Context, userID string) (*cloud.UserProfile, error) {
	var p cloud.UserProfile
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &p); err != nil {
		return nil, fmt.Errorf("resolving user %s: %w", userID, err)
	}

	if p.ID == "" {
		p.ID = userID
	}

	return &p, nil
}

var (
	_ cloud.Lister       = (*Client)(nil)
	_ cloud.Completer    = (*Client)(nil)
	_ cloud.UserResolver = (*Client)(nil)
)
