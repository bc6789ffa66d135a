package client

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================
// RECONNECTION
// ============================================================

func (c *ProgressClient) handleDisconnect(dropped *websocket.Conn) {
	c.reconnectMu.Lock()
	if c.isRetrying || c.IsClosed() {
		c.reconnectMu.Unlock()
		return
	}
	c.isRetrying = true
	c.reconnectMu.Unlock()

	c.connMu.Lock()
	if c.conn == dropped {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.log.Info().Msg("🔄 Starting reconnection process...")

	if err := c.reconnectWithBackoff(); err != nil {
		c.log.Error().Err(err).Msg("❌ Reconnection failed")
	}

	c.reconnectMu.Lock()
	c.isRetrying = false
	c.reconnectMu.Unlock()
}

func (c *ProgressClient) reconnectWithBackoff() error {
	retryInterval := c.RetryDelay
	attempts := 0

	for attempts < c.MaxRetries {
		if c.IsClosed() {
			return nil
		}

		attempts++
		c.log.Info().Int("attempt", attempts).Int("max", c.MaxRetries).Msg("🔄 Reconnection attempt")

		timer := time.NewTimer(retryInterval)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := c.ConnectWebSocket(c.ctx); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempts).Msg("❌ Reconnection attempt failed")
			retryInterval = nextRetryInterval(retryInterval, c.MaxRetryDelay)
			continue
		}

		reconnects.Inc()
		c.log.Info().Msg("✅ Reconnected successfully!")
		return nil
	}

	return fmt.Errorf("max reconnection attempts (%d) reached", c.MaxRetries)
}

func nextRetryInterval(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
