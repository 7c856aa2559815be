package render

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wa-inbox/internal/domain"
	"wa-inbox/internal/projection"
)

func TestInbox_RendersConversationsAndThread(t *testing.T) {
	now := time.Date(2025, 2, 25, 12, 0, 0, 0, time.UTC)
	msgs := []domain.Message{
		{Phone: "919876543210", Text: "hello", Timestamp: now.Add(-26 * time.Hour).Unix()},
		{Phone: "919876543210", Text: "reply", Timestamp: now.Add(-5 * time.Minute).Unix(), Direction: domain.Outbound},
		{Phone: "918888888888", Text: "other chat", Timestamp: now.Add(-2 * time.Hour).Unix()},
	}
	v := View{
		Summaries:    projection.Summaries(msgs),
		Selected:     "919876543210",
		Thread:       projection.Thread(msgs, "919876543210", time.UTC),
		MessageCount: 1234,
		Status:       "updated",
		Now:          now,
	}

	var buf bytes.Buffer
	require.NoError(t, Inbox(&buf, v, Options{Width: 120, Location: time.UTC}))
	out := buf.String()

	require.Contains(t, out, "Conversations")
	require.Contains(t, out, "918888888888")
	require.Contains(t, out, "5 minutes ago")
	require.Contains(t, out, "-- Yesterday --")
	require.Contains(t, out, "-- Today --")
	require.Contains(t, out, "> 11:55 am  reply")
	require.Contains(t, out, "< 10:00 am  hello")
	require.Contains(t, out, "1,234 messages")
	require.Less(t, strings.Index(out, "-- Yesterday --"), strings.Index(out, "-- Today --"))
	require.NotContains(t, out, "\x1b[", "plain writers get no escape codes")
}

func TestInbox_NoSelectionAndError(t *testing.T) {
	var buf bytes.Buffer
	err := Inbox(&buf, View{Err: errors.New("status 503")}, Options{Width: 60})
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "No conversations yet.")
	require.Contains(t, out, "No Conversation Selected")
	require.Contains(t, out, "data error: status 503")
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "hello", truncate("hello", 5))
	require.Equal(t, "he...", truncate("hello world", 5))
	require.Equal(t, "", truncate("hello", 0))
	require.Equal(t, "line one ...", firstLine("line one\nline two"))
}
