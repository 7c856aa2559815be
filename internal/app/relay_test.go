package app

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"wa-inbox/internal/config"
	"wa-inbox/internal/domain"
	"wa-inbox/internal/poller"
	"wa-inbox/internal/secrets"
)

// memTable is an in-memory backing table that can also publish itself as
// a CSV export.
type memTable struct {
	mu   sync.Mutex
	rows [][]string
}

func (m *memTable) Append(_ context.Context, _, _ string, row []string) (domain.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, append([]string(nil), row...))
	return domain.AppendResult{UpdatedRange: "Sheet1!A2:D2", UpdatedRows: 1}, nil
}

func (m *memTable) ReadAll(context.Context, string, string) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string{domain.Header}, m.rows...), nil
}

func (m *memTable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rows, _ := m.ReadAll(r.Context(), "", "")
	w.Header().Set("Content-Type", "text/csv")
	cw := csv.NewWriter(w)
	_ = cw.WriteAll(rows)
}

func whatsappServer(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer "+wantToken {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.1"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildRelay_RequiresConfig(t *testing.T) {
	cfg, err := config.Load(func(string) string { return "" })
	require.NoError(t, err)
	_, err = BuildRelay(cfg, Deps{}, nil)
	require.ErrorContains(t, err, "WHATSAPP_PHONE_NUMBER_ID")
}

func TestBuildRelay_ParamPrefixNeedsAWS(t *testing.T) {
	env := map[string]string{
		"WHATSAPP_PHONE_NUMBER_ID": "1055",
		"GOOGLE_SPREADSHEET_ID":    "sheet-1",
		"PARAM_PREFIX":             "/wa-inbox/prod",
	}
	cfg, err := config.Load(func(k string) string { return env[k] })
	require.NoError(t, err)
	_, err = BuildRelay(cfg, Deps{}, nil)
	require.ErrorContains(t, err, "AWS config")
}

func TestBuildRelay_SheetsBackendWithoutAWS(t *testing.T) {
	env := map[string]string{
		"WHATSAPP_PHONE_NUMBER_ID": "1055",
		"GOOGLE_SPREADSHEET_ID":    "sheet-1",
	}
	cfg, err := config.Load(func(k string) string { return env[k] })
	require.NoError(t, err)
	h, err := BuildRelay(cfg, Deps{}, nil)
	require.NoError(t, err)
	require.NotNil(t, h)
}

func TestSendThenPoll_RoundTrip(t *testing.T) {
	for _, convention := range []string{"flag", "prefix"} {
		t.Run(convention, func(t *testing.T) {
			wa := whatsappServer(t, "wa-token")
			env := map[string]string{
				"WHATSAPP_PHONE_NUMBER_ID": "1055",
				"GOOGLE_SPREADSHEET_ID":    "sheet-1",
				"WHATSAPP_API_BASE_URL":    wa.URL,
				"ROW_CONVENTION":           convention,
				"BOT_IDENTIFIER":           "918917602924",
				"WHATSAPP_TOKEN":           "wa-token",
			}
			getenv := func(k string) string { return env[k] }
			cfg, err := config.Load(getenv)
			require.NoError(t, err)

			table := &memTable{}
			h, err := BuildRelay(cfg, Deps{
				Resolver: secrets.NewResolver(secrets.WithGetenv(getenv)),
				Table:    table,
			}, nil)
			require.NoError(t, err)

			text := "Hello there - see you at 5, \"ok\"?\nbye"
			resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
				HTTPMethod: http.MethodPost,
				Path:       "/api/send-message",
				Body:       `{"to":"919876543210","message":"Hello there - see you at 5, \"ok\"?\nbye"}`,
			})
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
			require.Len(t, table.rows, 1)
			require.Len(t, table.rows[0], 4)
			require.Equal(t, domain.FlagOutbound, table.rows[0][3])

			export := httptest.NewServer(table)
			defer export.Close()
			p, err := poller.New(export.URL, cfg.Codec())
			require.NoError(t, err)

			res, _, err := p.Poll(context.Background(), poller.State{}, time.Now())
			require.NoError(t, err)
			require.Empty(t, res.Diagnostics)
			require.Len(t, res.Messages, 1)
			got := res.Messages[0]
			require.Equal(t, "919876543210", got.Phone)
			require.Equal(t, text, got.Text)
			require.Equal(t, domain.Outbound, got.Direction)
		})
	}
}
