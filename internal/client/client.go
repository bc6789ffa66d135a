// Package client keeps a websocket open to the backend's progress socket and
// fans the pushed enrollment stages out to subscribers.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"facegate/internal/capture"
	"facegate/internal/logging"
)

// ============================================================
// CONSTANTS
// ============================================================

const (
	PingInterval      = 10 // seconds
	InitialRetryDelay = 5  // seconds
	MaxRetryDelay     = 60 // seconds
	MaxRetries        = 10 // maximum reconnection attempts
	DefaultTimeout    = 30 // seconds
	WriteTimeout      = 10 // seconds for WebSocket writes
	ReadTimeout       = 90 // seconds for WebSocket reads
	ShutdownTimeout   = 5  // seconds for graceful shutdown

	subscriberBuffer = 4
)

// ============================================================
// PROGRESS CLIENT - CORE STRUCTURE
// ============================================================

type ProgressClient struct {
	url  string
	conn *websocket.Conn
	log  zerolog.Logger

	// Timing, overridable before Connect.
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	MaxRetries    int

	// Thread safety
	mu     sync.RWMutex
	connMu sync.RWMutex // Separate lock for connection operations

	// Subscribers per identifier
	subs    map[string]map[uint64]chan capture.StageEvent
	subsMu  sync.Mutex
	nextSub uint64

	// State management
	isRetrying       bool
	isHardDisconnect bool
	reconnectMu      sync.Mutex

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// ============================================================
// CONSTRUCTOR
// ============================================================

func NewProgressClient(url string) *ProgressClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProgressClient{
		url:           url,
		log:           logging.WithComponent("progress"),
		PingInterval:  PingInterval * time.Second,
		ReadTimeout:   ReadTimeout * time.Second,
		RetryDelay:    InitialRetryDelay * time.Second,
		MaxRetryDelay: MaxRetryDelay * time.Second,
		MaxRetries:    MaxRetries,
		subs:          make(map[string]map[uint64]chan capture.StageEvent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// ============================================================
// LIFECYCLE
// ============================================================

// Connect dials the progress socket. A dropped connection is re-dialled in
// the background until Close.
func (c *ProgressClient) Connect(ctx context.Context) error {
	if c.IsClosed() {
		return fmt.Errorf("progress client is closed")
	}
	if err := c.ConnectWebSocket(ctx); err != nil {
		return fmt.Errorf("websocket connection failed: %w", err)
	}
	return nil
}

func (c *ProgressClient) Close() error {
	var closeErr error

	c.shutdownOnce.Do(func() {
		// Mark as hard disconnect first
		c.mu.Lock()
		c.isHardDisconnect = true
		c.mu.Unlock()

		c.cancel()

		c.connMu.Lock()
		if c.conn != nil {
			closeErr = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			c.log.Debug().Msg("✅ All goroutines finished")
		case <-time.After(ShutdownTimeout * time.Second):
			c.log.Warn().Msg("⚠️ Shutdown timeout, forcing close")
		}
	})

	return closeErr
}

// ============================================================
// STATE CHECKS
// ============================================================

func (c *ProgressClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	c.mu.RLock()
	hardDisconnect := c.isHardDisconnect
	c.mu.RUnlock()

	return c.conn != nil && !hardDisconnect
}

func (c *ProgressClient) IsClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.isHardDisconnect
	}
}
