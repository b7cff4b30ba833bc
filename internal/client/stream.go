package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/claimrelay/internal/realtime"
)

type StreamOptions struct {
	// Msgpack asks the server for binary frames.
	Msgpack bool
	// MaxBackoff caps the delay between reconnect attempts.
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Stream opens one live connection and hands every envelope to handle until
// the connection drops or ctx ends.
func (c *HTTPClient) Stream(ctx context.Context, opts StreamOptions, handle func(realtime.Envelope)) error {
	dialOpts := &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	}
	// The websocket library refuses clients with a whole-request timeout.
	if c.httpClient.Timeout == 0 {
		dialOpts.HTTPClient = c.httpClient
	}
	if opts.Msgpack {
		dialOpts.Subprotocols = []string{realtime.SubprotocolMsgpack}
	}
	conn, resp, err := websocket.Dial(ctx, c.streamURL(), dialOpts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &HTTPError{StatusCode: resp.StatusCode, Code: "unauthorized", Message: "live stream rejected credentials"}
		}
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := realtime.DecodeEnvelope(conn.Subprotocol(), data)
		if err != nil {
			return fmt.Errorf("decode live frame: %w", err)
		}
		handle(env)
	}
}

// Follow keeps a Stream open, reconnecting with exponential backoff, until ctx
// ends. Rejected credentials stop it immediately.
func (c *HTTPClient) Follow(ctx context.Context, opts StreamOptions, handle func(realtime.Envelope)) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	attempt := 0
	for {
		started := time.Now()
		err := c.Stream(ctx, opts, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			return err
		}
		if time.Since(started) > maxBackoff {
			attempt = 0
		}
		attempt++
		delay := reconnectDelay(attempt, maxBackoff)
		logger.Warn("live stream disconnected, reconnecting", "error", err, "delay", delay.String())
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

func (c *HTTPClient) streamURL() string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/ws"
}

func reconnectDelay(attempt int, max time.Duration) time.Duration {
	delay := 500 * time.Millisecond
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
