package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcourtman/entitled/internal/metrics"
	"github.com/rcourtman/entitled/internal/storefront"
	"github.com/rs/zerolog/log"
)

const (
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
	reconnectJitter    = 0.1

	wsPingInterval  = 25 * time.Second
	wsPongWait      = 70 * time.Second
	wsWriteWait     = 10 * time.Second
	wsHandshakeWait = 15 * time.Second

	feedBufferSize = 16
	feedPath       = "/v1/transactions/feed"
)

type feedFrame struct {
	Transaction string `json:"transaction"`
}

// TransactionUpdates implements storefront.Client. The feed reconnects
// with exponential backoff for as long as ctx lives; the returned
// channel closes only when ctx is cancelled.
func (c *Client) TransactionUpdates(ctx context.Context) <-chan storefront.VerificationResult[storefront.Transaction] {
	out := make(chan storefront.VerificationResult[storefront.Transaction], feedBufferSize)
	go c.runFeed(ctx, out)
	return out
}

func (c *Client) runFeed(ctx context.Context, out chan<- storefront.VerificationResult[storefront.Transaction]) {
	defer close(out)

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.consumeFeed(ctx, out, func() { consecutiveFailures = 0 })
		if ctx.Err() != nil {
			return
		}

		consecutiveFailures++
		metrics.RecordFeedReconnect()
		delay := backoffDelay(consecutiveFailures)

		if consecutiveFailures >= 3 {
			log.Warn().Err(err).
				Int("failures", consecutiveFailures).
				Dur("retry_in", delay).
				Msg("Transaction feed failed repeatedly")
		} else {
			log.Debug().Err(err).
				Dur("retry_in", delay).
				Msg("Transaction feed interrupted, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consumeFeed holds one websocket session: dial, announce, then forward
// frames until the connection drops. onConnect fires after a successful
// handshake so the caller can reset its failure counter.
func (c *Client) consumeFeed(ctx context.Context, out chan<- storefront.VerificationResult[storefront.Transaction], onConnect func()) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	feedURL := websocketURL(c.baseURL) + feedPath
	conn, _, err := dialer.DialContext(ctx, feedURL, header)
	if err != nil {
		return fmt.Errorf("dial transaction feed: %w", err)
	}
	defer conn.Close()

	log.Info().Str("url", feedURL).Msg("Connected to transaction feed")
	onConnect()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Ping keeps the connection alive; the same goroutine tears the
	// connection down on cancellation to unblock ReadMessage.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessionDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read transaction feed: %w", err)
		}

		var frame feedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed feed frame")
			continue
		}
		if frame.Transaction == "" {
			continue
		}

		vr := c.verifier.DecodeTransaction(frame.Transaction)
		select {
		case out <- vr:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func backoffDelay(failures int) time.Duration {
	delay := baseReconnectDelay * time.Duration(math.Pow(2, float64(failures-1)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	jitter := time.Duration(float64(delay) * reconnectJitter * (rand.Float64()*2 - 1))
	return delay + jitter
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
