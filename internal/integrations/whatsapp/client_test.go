package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// messagesURL helper
// ---------------------------------------------------------------------------

func TestMessagesURL(t *testing.T) {
	cases := []struct {
		base    string
		version string
		want    string
	}{
		{"https://graph.facebook.com", "v16.0", "https://graph.facebook.com/v16.0/123/messages"},
		{"https://graph.facebook.com/", "v19.0", "https://graph.facebook.com/v19.0/123/messages"},
		{"", "", "https://graph.facebook.com/v16.0/123/messages"},
		{"http://localhost:8080", "v16.0", "http://localhost:8080/v16.0/123/messages"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, messagesURL(tc.base, tc.version, "123"), "base=%q", tc.base)
	}
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "123")
	require.ErrorContains(t, err, "nil")

	_, err = NewClient(StaticToken("tok"), " ")
	require.ErrorContains(t, err, "phone number id")
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(StaticToken("tok"), "123", WithAPIVersion(" /v19.0/ "))
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
	require.Equal(t, "v19.0", c.apiVersion)
	require.Equal(t, "123", c.PhoneNumberID())
}

// ---------------------------------------------------------------------------
// token resolution
// ---------------------------------------------------------------------------

func TestResolveToken_FetchedOnce(t *testing.T) {
	calls := 0
	c, err := NewClient(TokenFunc(func(context.Context) (string, error) {
		calls++
		return "EAAG", nil
	}), "123")
	require.NoError(t, err)

	tok, err := c.resolveToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "EAAG", tok)

	_, _ = c.resolveToken(context.Background())
	require.Equal(t, 1, calls, "token must only be resolved once per process lifetime")
}

func TestResolveToken_IgnoresCallerCancellation(t *testing.T) {
	c, err := NewClient(TokenFunc(func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "EAAG", nil
	}), "123")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tok, err := c.resolveToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "EAAG", tok)

	tok, err = c.resolveToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "EAAG", tok)
}

func TestStaticToken_Empty(t *testing.T) {
	_, err := StaticToken(" ").Token(context.Background())
	require.ErrorContains(t, err, "empty")
}

// ---------------------------------------------------------------------------
// Client.Send
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		StaticToken("EAAG-test"),
		"1055",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestClient_Send_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v16.0/1055/messages", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer EAAG-test", r.Header.Get("Authorization"))

		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var got sendRequest
		require.NoError(t, json.Unmarshal(reqBody, &got))
		require.Equal(t, sendRequest{MessagingProduct: "whatsapp", To: "919876543210", Type: "text", Text: textBody{Body: "Hello there"}}, got)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"919876543210","wa_id":"919876543210"}],"messages":[{"id":"wamid.HBg"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.Send(context.Background(), " 919876543210 ", "Hello there")
	require.NoError(t, err)
	require.Equal(t, "wamid.HBg", res.MessageID)
	require.Contains(t, string(res.Raw), `"messaging_product":"whatsapp"`)
}

func TestClient_Send_GraphError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Send(context.Background(), "919876543210", "hi")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
	require.Contains(t, err.Error(), "Error validating access token")
}

func TestClient_Send_429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Send(context.Background(), "919876543210", "hi")
	require.ErrorContains(t, err, "429")
	require.ErrorContains(t, err, "rate limited")
}

func TestClient_Send_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Send(context.Background(), "919876543210", "hi")
	require.ErrorContains(t, err, "decode response")
}

func TestClient_Send_NetworkError(t *testing.T) {
	c, err := NewClient(StaticToken("tok"), "1055", WithBaseURL("http://127.0.0.1:1"), WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "919876543210", "hi")
	require.ErrorContains(t, err, "request failed")
}

func TestClient_Send_TokenError(t *testing.T) {
	c, err := NewClient(TokenFunc(func(context.Context) (string, error) {
		return "", errors.New("ssm unavailable")
	}), "1055")
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "919876543210", "hi")
	require.ErrorContains(t, err, "ssm unavailable")
}

func TestClient_Send_EmptyRecipient(t *testing.T) {
	c, err := NewClient(StaticToken("tok"), "1055")
	require.NoError(t, err)
	_, err = c.Send(context.Background(), " ", "hi")
	require.ErrorContains(t, err, "recipient")
}
