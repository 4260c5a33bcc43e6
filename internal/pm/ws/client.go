package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client maintains a single websocket connection to the CLOB market feed.
// It redials with a fixed backoff, replays remembered subscriptions after
// every reconnect, and enforces a read timeout so a silent peer is treated
// the same as a dropped connection.
type Client struct {
	url            string
	connectBackoff time.Duration
	reconnectWait  time.Duration
	readTimeout    time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	onReconnect func()

	mu   sync.Mutex
	conn *websocket.Conn
	subs []interface{}
}

func New(url string, connectBackoff, reconnectWait, readTimeout, pingInterval time.Duration, log *zap.Logger) *Client {
	return &Client{
		url:            url,
		connectBackoff: connectBackoff,
		reconnectWait:  reconnectWait,
		readTimeout:    readTimeout,
		pingInterval:   pingInterval,
		log:            log,
	}
}

// SetReconnectHook registers a callback invoked after every successful
// reconnect, before subscriptions are replayed. Must be set before Run.
func (c *Client) SetReconnectHook(fn func()) {
	c.onReconnect = fn
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 22)
	c.conn = conn
	return nil
}

func (c *Client) Subscribe(ctx context.Context, sub interface{}) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	return writeJSON(ctx, conn, sub)
}

// Run drives the connection until ctx is cancelled. Connection failures are
// retried with the connect backoff; read errors and timeouts trigger a close,
// a short cooldown, and a reconnect with subscription replay.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	first := true
	for {
		if err := c.ensureConnected(ctx, first); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		first = false
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			c.resetConn()
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectWait):
		}
	}
}

func (c *Client) ensureConnected(ctx context.Context, first bool) error {
	for {
		err := c.Connect(ctx)
		if err == nil {
			break
		}
		if c.log != nil {
			c.log.Warn("ws connect failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.connectBackoff):
		}
	}
	if !first && c.onReconnect != nil {
		c.onReconnect()
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]interface{}(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if c.readTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, c.readTimeout)
		}
		_, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte("PING")); err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if c.log == nil || err == nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
