package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProgressUpdate is one message on the progress socket. Binary frames carry
// it as a google.protobuf.Struct, text frames as JSON.
type ProgressUpdate struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Stage      string `json:"stage"`
	Message    string `json:"message,omitempty"`
}

// MarshalProgress encodes u as a binary frame payload.
func MarshalProgress(u ProgressUpdate) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		"type":       u.Type,
		"identifier": u.Identifier,
		"stage":      u.Stage,
		"message":    u.Message,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// UnmarshalProgress decodes a binary frame payload.
func UnmarshalProgress(data []byte) (ProgressUpdate, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return ProgressUpdate{}, err
	}
	f := st.GetFields()
	return ProgressUpdate{
		Type:       f["type"].GetStringValue(),
		Identifier: f["identifier"].GetStringValue(),
		Stage:      f["stage"].GetStringValue(),
		Message:    f["message"].GetStringValue(),
	}, nil
}

// ============================================================
// WEBSOCKET CONNECTION
// ============================================================

func (c *ProgressClient) ConnectWebSocket(ctx context.Context) error {
	c.log.Info().Str("url", c.url).Msg("🔌 Connecting to progress socket...")

	conn, wsResp, err := c.dialWebSocket(ctx)
	if err != nil {
		c.logWebSocketError(wsResp, err)
		return err
	}

	c.connMu.Lock()
	if c.IsClosed() {
		c.connMu.Unlock()
		conn.Close()
		return fmt.Errorf("progress client is closed")
	}
	c.conn = conn

	c.conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	})
	c.connMu.Unlock()

	c.log.Info().Msg("✅ Connected to progress socket")

	c.wg.Add(2)
	go c.handleMessages(conn)
	go c.pingPong(conn)

	return nil
}

func (c *ProgressClient) dialWebSocket(ctx context.Context) (*websocket.Conn, *http.Response, error) {
	headers := http.Header{
		"User-Agent": {"facegate/1.0"},
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: DefaultTimeout * time.Second,
	}
	return dialer.DialContext(ctx, c.url, headers)
}

func (c *ProgressClient) logWebSocketError(wsResp *http.Response, err error) {
	ev := c.log.Error().Err(err)
	if wsResp != nil {
		ev = ev.Int("status", wsResp.StatusCode)
		if body, _ := io.ReadAll(io.LimitReader(wsResp.Body, 512)); len(body) > 0 {
			ev = ev.Str("response", string(body))
		}
	}
	ev.Msg("❌ Progress socket dial failed")
}

// ============================================================
// MESSAGE HANDLING
// ============================================================

func (c *ProgressClient) handleMessages(conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.log.Debug().Msg("🔌 Message handler stopped")

	for {
		conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))

		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if c.IsClosed() {
				return
			}
			c.log.Warn().Err(err).Msg("❌ Progress socket read error")
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handleDisconnect(conn)
			}()
			return
		}

		var (
			upd    ProgressUpdate
			decErr error
		)
		switch messageType {
		case websocket.BinaryMessage:
			upd, decErr = UnmarshalProgress(message)
		case websocket.TextMessage:
			decErr = json.Unmarshal(message, &upd)
		default:
			continue
		}
		if decErr != nil {
			c.log.Warn().Err(decErr).Msg("⚠️ Progress decode error")
			continue
		}
		c.dispatch(upd)
	}
}

// ============================================================
// PING/PONG
// ============================================================

func (c *ProgressClient) pingPong(conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.log.Debug().Msg("🏓 Ping/pong stopped")

	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.connMu.RLock()
			current := c.conn
			c.connMu.RUnlock()
			if current != conn {
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout*time.Second))
			if err != nil {
				c.log.Warn().Err(err).Msg("❌ Ping failed")
				// The read loop sees the broken connection and reconnects.
				conn.Close()
				return
			}
		}
	}
}
