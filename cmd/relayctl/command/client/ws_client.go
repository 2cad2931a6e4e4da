package client

// ws_client.go = streams relay events from the admin monitor endpoint.

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	relayws "github.com/smartobjectoriented/soo/internal/microservices/websocket"
)

// MonitorURL turns the admin API base URL into the monitor websocket URL.
func MonitorURL(apiURL, peer string) (string, error) {
	u, err := url.Parse(strings.TrimRight(apiURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid API URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported API URL scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/monitor"
	if peer != "" {
		u.RawQuery = url.Values{"peer": {peer}}.Encode()
	}
	return u.String(), nil
}

// Monitor streams events to handle until ctx is cancelled or the server
// closes the stream.
func Monitor(ctx context.Context, apiURL, token, peer string, handle func(*relayws.Event)) error {
	wsURL, err := MonitorURL(apiURL, peer)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connection failed: %s", resp.Status)
		}
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		ev, err := relayws.EventFromJSON(data)
		if err != nil {
			continue
		}
		handle(ev)
	}
}
