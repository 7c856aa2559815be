// Package sheets appends rows to and reads rows from a Google Sheets range
// using a service account.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"wa-inbox/internal/domain"
)

const (
	defaultBaseURL = "https://sheets.googleapis.com"
	scope          = "https://www.googleapis.com/auth/spreadsheets"
)

// AuthError reports a failed credential exchange.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("sheets: auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AuthFailure marks the error as a credential problem for callers that
// classify errors by behaviour.
func (e *AuthError) AuthFailure() bool { return true }

// RemoteError reports a request rejected by the Sheets API.
type RemoteError struct {
	StatusCode int
	Status     string
	Message    string
	URL        string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Status != "" {
		return fmt.Sprintf("sheets: %s %d from %s: %s", e.Status, e.StatusCode, e.URL, msg)
	}
	return fmt.Sprintf("sheets: unexpected status %d from %s: %s", e.StatusCode, e.URL, msg)
}

func (e *RemoteError) HTTPStatusCode() int { return e.StatusCode }

// apiErrorEnvelope is the error body returned by Google APIs.
type apiErrorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type valueRange struct {
	Range          string     `json:"range,omitempty"`
	MajorDimension string     `json:"majorDimension,omitempty"`
	Values         [][]string `json:"values"`
}

type appendResponse struct {
	SpreadsheetID string `json:"spreadsheetId"`
	TableRange    string `json:"tableRange"`
	Updates       struct {
		UpdatedRange string `json:"updatedRange"`
		UpdatedRows  int    `json:"updatedRows"`
		UpdatedCells int    `json:"updatedCells"`
	} `json:"updates"`
}

// CredentialsFunc returns service-account credentials JSON.
type CredentialsFunc func(ctx context.Context) ([]byte, error)

// Client talks to the Sheets v4 values API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialsFunc
	tokens     oauth2.TokenSource

	mu     sync.Mutex
	authed *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if v := strings.TrimSpace(baseURL); v != "" {
			c.baseURL = v
		}
	}
}

// WithHTTPClient sets the client used for both token exchange and API calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTokenSource bypasses service-account credentials.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// NewClient creates a Client. Credentials are loaded on first use and the
// authorized client is cached only after a successful load, so a failed
// exchange is retried on the next call.
func NewClient(creds CredentialsFunc, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		creds:      creds,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.creds == nil && c.tokens == nil {
		return nil, errors.New("sheets: credentials must not be nil")
	}
	return c, nil
}

func (c *Client) client(ctx context.Context) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authed != nil {
		return c.authed, nil
	}

	ts := c.tokens
	if ts == nil {
		raw, err := c.creds(ctx)
		if err != nil {
			return nil, &AuthError{Err: fmt.Errorf("load credentials: %w", err)}
		}
		// The token source outlives this request, so it must not inherit
		// the request's cancellation.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
		gc, err := google.CredentialsFromJSON(tokenCtx, raw, scope)
		if err != nil {
			return nil, &AuthError{Err: fmt.Errorf("parse credentials: %w", err)}
		}
		ts = gc.TokenSource
	}

	base := c.httpClient
	if base == nil {
		base = http.DefaultClient
	}
	c.authed = &http.Client{
		Timeout: base.Timeout,
		Transport: &oauth2.Transport{
			Source: authTokenSource{oauth2.ReuseTokenSource(nil, ts)},
			Base:   base.Transport,
		},
	}
	return c.authed, nil
}

// authTokenSource tags token failures so they surface as *AuthError through
// the transport's *url.Error.
type authTokenSource struct {
	src oauth2.TokenSource
}

func (a authTokenSource) Token() (*oauth2.Token, error) {
	tok, err := a.src.Token()
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	return tok, nil
}

func valuesURL(baseURL, spreadsheetID, rng, suffix string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s%s", base, url.PathEscape(spreadsheetID), url.PathEscape(rng), suffix)
}

// Append adds row after the last row of the table in rng. Values are written
// RAW so they read back unchanged.
func (c *Client) Append(ctx context.Context, spreadsheetID, rng string, row []string) (domain.AppendResult, error) {
	if err := validateTarget(spreadsheetID, rng); err != nil {
		return domain.AppendResult{}, err
	}
	if len(row) < 3 || len(row) > 4 {
		return domain.AppendResult{}, fmt.Errorf("sheets: row must have 3 or 4 columns, got %d", len(row))
	}

	body, err := json.Marshal(valueRange{MajorDimension: "ROWS", Values: [][]string{row}})
	if err != nil {
		return domain.AppendResult{}, fmt.Errorf("sheets: marshal append: %w", err)
	}

	u := valuesURL(c.baseURL, spreadsheetID, rng, ":append") + "?" + url.Values{
		"valueInputOption": {"RAW"},
		"insertDataOption": {"INSERT_ROWS"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return domain.AppendResult{}, fmt.Errorf("sheets: create append request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out appendResponse
	if err := c.do(ctx, req, u, &out); err != nil {
		return domain.AppendResult{}, fmt.Errorf("sheets: append: %w", err)
	}
	return domain.AppendResult{
		UpdatedRange: out.Updates.UpdatedRange,
		UpdatedRows:  out.Updates.UpdatedRows,
	}, nil
}

// ReadAll returns every row in rng, header first. Trailing empty cells are
// omitted by the API, so rows may be shorter than the header.
func (c *Client) ReadAll(ctx context.Context, spreadsheetID, rng string) ([][]string, error) {
	if err := validateTarget(spreadsheetID, rng); err != nil {
		return nil, err
	}

	u := valuesURL(c.baseURL, spreadsheetID, rng, "") + "?" + url.Values{
		"majorDimension":       {"ROWS"},
		"valueRenderOption":    {"FORMATTED_VALUE"},
		"dateTimeRenderOption": {"FORMATTED_STRING"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("sheets: create read request: %w", err)
	}

	var out valueRange
	if err := c.do(ctx, req, u, &out); err != nil {
		return nil, fmt.Errorf("sheets: read: %w", err)
	}
	if out.Values == nil {
		return [][]string{}, nil
	}
	return out.Values, nil
}

func (c *Client) do(ctx context.Context, req *http.Request, u string, out any) error {
	hc, err := c.client(ctx)
	if err != nil {
		return err
	}
	res, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		remoteErr := &RemoteError{StatusCode: res.StatusCode, URL: u, Message: strings.TrimSpace(string(buf))}
		var env apiErrorEnvelope
		if json.Unmarshal(buf, &env) == nil && env.Error.Message != "" {
			remoteErr.Message = strings.TrimSpace(env.Error.Message)
			remoteErr.Status = env.Error.Status
		}
		return remoteErr
	}

	if err := json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func validateTarget(spreadsheetID, rng string) error {
	if strings.TrimSpace(spreadsheetID) == "" {
		return errors.New("sheets: spreadsheet id must not be empty")
	}
	if strings.TrimSpace(rng) == "" {
		return errors.New("sheets: range must not be empty")
	}
	return nil
}
