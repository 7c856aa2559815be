package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// composer posts typed messages to the relay's send endpoint.
type composer struct {
	url    string
	client *http.Client
}

func newComposer(baseURL string) *composer {
	return &composer{
		url:    strings.TrimRight(baseURL, "/") + "/api/send-message",
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *composer) send(ctx context.Context, to, message string) error {
	payload, err := json.Marshal(map[string]string{"to": to, "message": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
