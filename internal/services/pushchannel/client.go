package pushchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fleetview/internal/models"
	"fleetview/internal/session"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the backend
	writeWait = 10 * time.Second

	// Time allowed to read the next message (or ping/pong) from the backend
	pongWait = 60 * time.Second

	// Send pings to the backend with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size accepted from the backend
	maxMessageSize = 64 * 1024

	// Buffered inbound messages before the reader blocks
	messageBuffer = 256
)

var (
	ErrClosed         = errors.New("push channel closed")
	ErrAlreadyStarted = errors.New("push channel already connected")
)

// Options configures a Client.
type Options struct {
	URL          string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Dialer       *websocket.Dialer
}

// OutgoingMessage is the envelope sent to the backend.
type OutgoingMessage struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// JoinData carries the vehicle ids a view wants deltas for.
type JoinData struct {
	IDs []models.VehicleID `json:"ids"`
}

// Client is one push channel subscription. It reconnects on its own after a
// drop and re-joins every id it was asked to join.
type Client struct {
	opts Options
	cred session.Credential

	messages chan []byte
	done     chan struct{}
	cancel   context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	started  bool
	closed   bool
	interest []models.VehicleID
	joined   map[models.VehicleID]bool
}

// New creates an unconnected client. The caller owns its lifecycle: Connect
// starts it, Close releases it.
func New(opts Options, cred session.Credential) *Client {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * opts.ReconnectMin
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	return &Client{
		opts:     opts,
		cred:     cred,
		messages: make(chan []byte, messageBuffer),
		done:     make(chan struct{}),
		joined:   make(map[models.VehicleID]bool),
	}
}

// Messages delivers raw inbound messages, one JSON document each. It is
// closed once the client is closed.
func (c *Client) Messages() <-chan []byte {
	return c.messages
}

// Connect starts the connection loop in the background and returns at once.
// Dial failures are retried with backoff until ctx ends or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Join adds ids to the interest set and, when connected, sends a join for the
// ids that are new. Ids joined while disconnected go out on the next connect.
func (c *Client) Join(ids []models.VehicleID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	var fresh []models.VehicleID
	for _, id := range ids {
		if id == "" || c.joined[id] {
			continue
		}
		c.joined[id] = true
		c.interest = append(c.interest, id)
		fresh = append(fresh, id)
	}

	if len(fresh) == 0 || c.conn == nil {
		return nil
	}
	return c.writeJoinLocked(c.conn, fresh)
}

// Interest returns the ids joined so far.
func (c *Client) Interest() []models.VehicleID {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.VehicleID, len(c.interest))
	copy(out, c.interest)
	return out
}

// Close tears the subscription down and waits for the connection loop to
// exit. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.conn.Close()
	}
	c.mu.Unlock()

	if !started {
		close(c.messages)
		close(c.done)
		return nil
	}
	<-c.done
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.messages)

	delay := c.opts.ReconnectMin
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.cred.Header())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("retry_in", delay).Warnf("⚠️  Push channel dial failed: %v", err)
			if !sleep(ctx, delay) {
				return
			}
			delay = nextDelay(delay, c.opts.ReconnectMax)
			continue
		}

		if !c.attach(conn) {
			conn.Close()
			return
		}
		log.WithField("url", c.opts.URL).Info("🔌 Push channel connected")
		delay = c.opts.ReconnectMin

		err = c.readLoop(ctx, conn)
		c.detach(conn)

		if ctx.Err() != nil {
			return
		}
		log.WithField("retry_in", delay).Warnf("🔴 Push channel dropped: %v", err)
		if !sleep(ctx, delay) {
			return
		}
		delay = nextDelay(delay, c.opts.ReconnectMax)
	}
}

// attach makes conn current and re-joins the whole interest set on it.
func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.conn = conn
	if len(c.interest) > 0 {
		if err := c.writeJoinLocked(conn, c.interest); err != nil {
			log.Warnf("⚠️  Failed to send join: %v", err)
		}
	}
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) writeJoinLocked(conn *websocket.Conn, ids []models.VehicleID) error {
	payload, err := json.Marshal(OutgoingMessage{
		Type:      "join",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      JoinData{IDs: ids},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal join: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send join: %w", err)
	}
	log.WithField("ids", len(ids)).Debug("📤 Sent join")
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go keepAlive(conn, stopPing)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		// the backend coalesces queued messages into one frame, newline separated
		for _, line := range bytes.Split(message, []byte{'\n'}) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			select {
			case c.messages <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}
