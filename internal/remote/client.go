package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	// scopesPerRequest bounds how many scopes one journal query carries.
	scopesPerRequest = 8
	journalPageSize  = 500
	fetchParallelism = 4
)

// HTTPClient implements Master against an h3-server.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP-based master client.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

func (c *HTTPClient) apiURL(path string) string {
	return c.baseURL + "/api/v1" + path
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if id := RequestID(ctx); id != "" {
		req.Header.Set(RequestIDHeader, id)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// HighestSyncedSerial asks the server for the pair's high-water mark.
func (c *HTTPClient) HighestSyncedSerial(ctx context.Context, kind models.Kind, scope string) (int64, error) {
	path := fmt.Sprintf("/tables/%s/scopes/%s/highest", url.PathEscape(string(kind)), url.PathEscape(scope))
	var resp SerialResponse
	if err := c.doJSON(ctx, "GET", c.apiURL(path), nil, &resp); err != nil {
		return 0, fmt.Errorf("highest serial %s/%s: %w", kind, scope, err)
	}
	return resp.Serial, nil
}

// Commit posts one journal item. 201, 409 and 422 all carry a CommitResult;
// anything else is an error and the outcome is unknown.
func (c *HTTPClient) Commit(ctx context.Context, item *models.JournalItem) (*CommitResult, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal journal item: %w", err)
	}

	resp, err := c.do(ctx, "POST", c.apiURL("/journal"), bytes.NewReader(data), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", item.Entry.Key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusConflict, http.StatusUnprocessableEntity:
		var result CommitResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode commit result: %w", err)
		}
		return &result, nil
	}
	return nil, fmt.Errorf("commit %s: %w", item.Entry.Key, decodeError(resp))
}

// ErrRecordNotFound is returned by GetRecord when the server has no record
// under the code.
var ErrRecordNotFound = errors.New("record not found")

// GetRecord fetches the authoritative copy of one record.
func (c *HTTPClient) GetRecord(ctx context.Context, kind models.Kind, code string) (*models.Record, error) {
	path := fmt.Sprintf("/tables/%s/records/%s", url.PathEscape(string(kind)), url.PathEscape(code))
	var rec models.Record
	if err := c.doJSON(ctx, "GET", c.apiURL(path), nil, &rec); err != nil {
		var re *RemoteError
		if errors.As(err, &re) && re.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%s %s: %w", kind, code, ErrRecordNotFound)
		}
		return nil, fmt.Errorf("get %s %s: %w", kind, code, err)
	}
	return &rec, nil
}

// Head returns the highest journal serial on the server.
func (c *HTTPClient) Head(ctx context.Context) (int64, error) {
	var resp SerialResponse
	if err := c.doJSON(ctx, "GET", c.apiURL("/journal/head"), nil, &resp); err != nil {
		return 0, fmt.Errorf("journal head: %w", err)
	}
	return resp.Serial, nil
}

// Info returns server summary information.
func (c *HTTPClient) Info(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.doJSON(ctx, "GET", c.apiURL("/info"), nil, &info); err != nil {
		return nil, fmt.Errorf("server info: %w", err)
	}
	return &info, nil
}

// JournalSince pins the journal head, then fetches (cursor, head] in scope
// chunks concurrently and merges the results by serial. Pinning the head keeps
// a chunk fetched late from skipping past entries another chunk missed.
func (c *HTTPClient) JournalSince(ctx context.Context, cursor int64, vis *models.Visibility) ([]*models.JournalItem, error) {
	head, err := c.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head <= cursor {
		return nil, nil
	}

	chunks := chunkScopes(vis.Scopes, scopesPerRequest)
	results := make([][]*models.JournalItem, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for i, scopes := range chunks {
		q := JournalQuery{After: cursor, Until: head, Scopes: scopes, Origins: vis.Origins, Limit: journalPageSize}
		g.Go(func() error {
			items, err := c.fetchRange(gctx, q)
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeBySerial(results), nil
}

func (c *HTTPClient) fetchRange(ctx context.Context, q JournalQuery) ([]*models.JournalItem, error) {
	var out []*models.JournalItem
	for {
		page, err := c.QueryJournal(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if !page.More || len(page.Items) == 0 {
			return out, nil
		}
		q.After = page.Items[len(page.Items)-1].Entry.Serial
	}
}

// QueryJournal fetches one page. The response may be gzip-compressed.
func (c *HTTPClient) QueryJournal(ctx context.Context, q JournalQuery) (*JournalPage, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal journal query: %w", err)
	}
	headers := map[string]string{"Content-Type": "application/json", "Accept-Encoding": "gzip"}

	resp, err := c.do(ctx, "POST", c.apiURL("/journal/query"), bytes.NewReader(data), headers)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decompress response: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	var page JournalPage
	if err := json.NewDecoder(reader).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode journal page: %w", err)
	}
	return &page, nil
}

// chunkScopes splits scopes into groups of at most n. An empty list still
// yields one chunk so origin and public matches are fetched.
func chunkScopes(scopes []string, n int) [][]string {
	if len(scopes) == 0 {
		return [][]string{nil}
	}
	var out [][]string
	for start := 0; start < len(scopes); start += n {
		end := min(start+n, len(scopes))
		out = append(out, scopes[start:end])
	}
	return out
}

// mergeBySerial flattens the chunk results, dropping duplicates (public and
// origin matches come back with every chunk).
func mergeBySerial(chunks [][]*models.JournalItem) []*models.JournalItem {
	seen := make(map[int64]bool)
	var out []*models.JournalItem
	for _, items := range chunks {
		for _, it := range items {
			if seen[it.Entry.Serial] {
				continue
			}
			seen[it.Entry.Serial] = true
			out = append(out, it)
		}
	}
	slices.SortFunc(out, func(a, b *models.JournalItem) int {
		switch {
		case a.Entry.Serial < b.Entry.Serial:
			return -1
		case a.Entry.Serial > b.Entry.Serial:
			return 1
		}
		return 0
	})
	return out
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code    string
	Message string
	Status  int
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	re := &RemoteError{Status: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		re.RetryAfter = time.Duration(secs) * time.Second
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		re.Code, re.Message = "unknown", fmt.Sprintf("HTTP %d", resp.StatusCode)
		return re
	}
	re.Code, re.Message = errResp.Error, errResp.Message
	return re
}
