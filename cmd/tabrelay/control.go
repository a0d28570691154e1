package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neboloop/tabrelay/internal/httputil"
	"github.com/neboloop/tabrelay/internal/relay"
)

// controlClient talks to a running relay over its local HTTP endpoints.
type controlClient struct {
	baseURL string
	http    *http.Client
}

func newControlClient(addr string) *controlClient {
	return &controlClient{
		baseURL: "http://" + addr,
		// Longer than the relay's command timeout so the relay reports it.
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

type relayStatus struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Pending   int    `json:"pending"`
	Port      int    `json:"port"`
	Addr      string `json:"addr"`
}

func (c *controlClient) Status(ctx context.Context) (relayStatus, error) {
	var st relayStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/extension/status", nil)
	if err != nil {
		return st, err
	}
	if err := c.do(req, &st); err != nil {
		return st, err
	}
	return st, nil
}

func (c *controlClient) Send(ctx context.Context, action string, params json.RawMessage) (relay.CommandResult, error) {
	var res relay.CommandResult
	body, err := json.Marshal(struct {
		Action string          `json:"action"`
		Params json.RawMessage `json:"params,omitempty"`
	}{action, params})
	if err != nil {
		return res, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/commands", bytes.NewReader(body))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (c *controlClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		var er httputil.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Message != "" {
			msg = er.Message
		}
		return fmt.Errorf("relay returned %s: %s", resp.Status, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	return nil
}
