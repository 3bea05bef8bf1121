package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxSSELine bounds a single SSE line.
const maxSSELine = 1 << 20

// SSEDialer opens server-sent event streams at
// {BaseURL}/v1/executions/{executionId}/events.
type SSEDialer struct {
	BaseURL string

	// Client defaults to a client without timeout; streams are long lived.
	Client *http.Client

	// Header is added to every request.
	Header http.Header
}

// EventsURL returns the SSE endpoint for an execution.
func EventsURL(baseURL, executionID string) string {
	return strings.TrimRight(baseURL, "/") + "/v1/executions/" + url.PathEscape(executionID) + "/events"
}

// Dial opens the stream. The connection lives until Close, independent
// of ctx once Dial returns.
func (d *SSEDialer) Dial(ctx context.Context, executionID string) (Conn, error) {
	connCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, EventsURL(d.BaseURL, executionID), nil)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse connect: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	r := newReader(func() error {
		cancel()
		return resp.Body.Close()
	})
	go readSSE(r, resp.Body)
	return r, nil
}

// readSSE parses the event stream and delivers decoded events.
func readSSE(r *reader, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var (
		name string
		data bytes.Buffer
	)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if name == "" && data.Len() == 0 {
				continue
			}
			if name == "" {
				name = "message"
			}
			ev, err := Decode(name, data.Bytes())
			name = ""
			data.Reset()
			if err != nil {
				if !r.deliver(frame{err: err}) {
					return
				}
				continue
			}
			if !r.deliver(frame{ev: ev}) {
				return
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	r.deliver(frame{err: err})
}
