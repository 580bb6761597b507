package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/joescharf/bugtrack/internal/events"
)

// StreamEvents reads the server's event stream and calls fn for each event
// until ctx is cancelled or the connection drops. The stream request has no
// timeout of its own.
func (c *Client) StreamEvents(ctx context.Context, fn func(events.Event)) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.session.Token)
	req.Header.Set("Accept", "text/event-stream")

	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return &TransportError{Op: "GET /api/events", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return rejection(resp.StatusCode, data)
	}

	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return &TransportError{Op: "read events", Err: err}
	}
	return nil
}

// readEvents parses server-sent events. Only data lines are decoded; the id
// and event fields repeat what the JSON payload already carries.
func readEvents(r io.Reader, fn func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var ev events.Event
				if err := json.Unmarshal([]byte(data.String()), &ev); err == nil {
					fn(ev)
				}
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// comment or keep-alive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

