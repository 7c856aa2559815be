package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"wa-inbox/internal/domain"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v16.0"
	tokenTimeout      = 10 * time.Second
)

// sendRequest is the text message payload for the Cloud API messages endpoint.
type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

// sendResponse is the acknowledgement returned by the messages endpoint.
type sendResponse struct {
	Contacts []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// graphErrorEnvelope is the error body returned by the Graph API.
type graphErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// TokenSource returns the bearer token for the Cloud API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource backed by a fixed value.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", errors.New("whatsapp: access token is empty")
	}
	return string(t), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Message)
	}
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends text messages through the WhatsApp Cloud API.
type Client struct {
	baseURL       string
	apiVersion    string
	httpClient    *http.Client
	tokens        TokenSource
	phoneNumberID string

	tokenOnce sync.Once
	token     string
	tokenErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if v := strings.TrimSpace(baseURL); v != "" {
			c.baseURL = v
		}
	}
}

func WithAPIVersion(version string) Option {
	return func(c *Client) {
		if v := strings.Trim(strings.TrimSpace(version), "/"); v != "" {
			c.apiVersion = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client sending from phoneNumberID. The token is
// resolved on the first Send and reused for the lifetime of the process.
func NewClient(tokens TokenSource, phoneNumberID string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("whatsapp: token source must not be nil")
	}
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return nil, errors.New("whatsapp: phone number id must not be empty")
	}
	c := &Client{
		baseURL:       defaultBaseURL,
		apiVersion:    defaultAPIVersion,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		tokens:        tokens,
		phoneNumberID: phoneNumberID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PhoneNumberID is the sender identifier messages are sent from.
func (c *Client) PhoneNumberID() string { return c.phoneNumberID }

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		// The result is cached for the process, so it must not depend on
		// the first caller's cancellation.
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenTimeout)
		defer cancel()
		c.token, c.tokenErr = c.tokens.Token(tctx)
		if c.tokenErr != nil {
			c.tokenErr = fmt.Errorf("whatsapp: resolve access token: %w", c.tokenErr)
		}
	})
	return c.token, c.tokenErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func messagesURL(baseURL, version, phoneNumberID string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if version == "" {
		version = defaultAPIVersion
	}
	return fmt.Sprintf("%s/%s/%s/messages", base, version, phoneNumberID)
}

// Send delivers a text message to the recipient. Delivery is attempted once.
func (c *Client) Send(ctx context.Context, to, text string) (domain.SendReceipt, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return domain.SendReceipt{}, errors.New("whatsapp: recipient must not be empty")
	}

	token, err := c.resolveToken(ctx)
	if err != nil {
		return domain.SendReceipt{}, err
	}

	body, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return domain.SendReceipt{}, fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	url := messagesURL(c.baseURL, c.apiVersion, c.phoneNumberID)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return domain.SendReceipt{}, fmt.Errorf("whatsapp: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return domain.SendReceipt{}, fmt.Errorf("whatsapp: request failed: %w", err)
	}

	var payload sendResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.SendReceipt{}, fmt.Errorf("whatsapp: decode response: %w", decErr)
	}
	receipt := domain.SendReceipt{Raw: json.RawMessage(raw)}
	if len(payload.Messages) > 0 {
		receipt.MessageID = payload.Messages[0].ID
	}
	return receipt, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		statusErr := &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
		var env graphErrorEnvelope
		if json.Unmarshal(buf, &env) == nil {
			statusErr.Message = strings.TrimSpace(env.Error.Message)
		}
		return nil, statusErr
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
