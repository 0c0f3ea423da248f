package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// AdminClient manages bearer tokens through the server's /admin/ API, which
// is guarded by the admin token rather than a replica token.
type AdminClient struct {
	c *HTTPClient
}

// NewAdminClient returns a client for the admin API at baseURL.
func NewAdminClient(baseURL, adminToken string) *AdminClient {
	c := NewHTTPClient(baseURL, adminToken)
	c.httpClient = &http.Client{Timeout: 30 * time.Second}
	return &AdminClient{c: c}
}

// Insecure reports whether the admin token would travel in clear text.
func (a *AdminClient) Insecure() bool {
	u, err := url.Parse(a.c.baseURL)
	return err != nil || u.Scheme != "https"
}

// AdminToken is a token as listed by the admin API. Token is only set in
// the response to a create call.
type AdminToken struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Permission  string `json:"permission"`
	Token       string `json:"token,omitempty"`
}

func (a *AdminClient) tokensURL(id string) string {
	if id == "" {
		return a.c.baseURL + "/admin/tokens"
	}
	return a.c.baseURL + "/admin/tokens/" + url.PathEscape(id)
}

// CreateToken issues a token with permission "ro" or "rw".
func (a *AdminClient) CreateToken(ctx context.Context, desc, permission string) (*AdminToken, error) {
	req := struct {
		Description string `json:"description"`
		Permission  string `json:"permission"`
	}{desc, permission}

	var tok AdminToken
	if err := a.c.doJSON(ctx, http.MethodPost, a.tokensURL(""), req, &tok); err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &tok, nil
}

func (a *AdminClient) ListTokens(ctx context.Context) ([]AdminToken, error) {
	var tokens []AdminToken
	if err := a.c.doJSON(ctx, http.MethodGet, a.tokensURL(""), nil, &tokens); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

func (a *AdminClient) DeleteToken(ctx context.Context, id string) error {
	if err := a.c.doJSON(ctx, http.MethodDelete, a.tokensURL(id), nil, nil); err != nil {
		return fmt.Errorf("delete token %s: %w", id, err)
	}
	return nil
}
