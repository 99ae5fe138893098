package pmix

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Sentinel errors surfaced by the client.
var (
	ErrNotConnected   = errors.New("pmix: not connected to a server")
	ErrLostConnection = errors.New("pmix: connection to server lost")
	ErrClosed         = errors.New("pmix: client closed")
)

// NotificationSink receives every server-push notification, on the client's
// read-loop goroutine. The sink must call done exactly once when the last
// handler in the event's chain has finished; the client then acknowledges
// the event so the service can dispatch the next one. A sink that never
// calls done stalls dispatch for that event.
type NotificationSink func(n Notification, done func())

// ServiceError carries a non-success reply status plus the service's text.
type ServiceError struct {
	Status Status
	Text   string
}

func (e *ServiceError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("service status %s", e.Status)
	}
	return fmt.Sprintf("%s (%s)", e.Text, e.Status)
}

// Client drives the session service's tool API over one WebSocket
// connection. Replies are correlated to requests by id, so calls from the
// foreground thread look synchronous while registrations complete through
// an asynchronous callback.
type Client struct {
	log *slog.Logger

	// StartProcess performs the local fork/exec used when a spawn is
	// issued before any server connection exists (proxy mode). Tests
	// replace it to record spawn calls.
	StartProcess func(app App) (int, error)

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]func(Envelope)
	sink    NotificationSink
	closed  bool

	writeMu sync.Mutex // serializes all conn writes
}

// NewClient returns an unconnected client.
func NewClient(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:          log,
		StartProcess: defaultStartProcess,
		pending:      make(map[string]func(Envelope)),
	}
}

// SetSink installs the notification sink. Must be called before Connect.
func (c *Client) SetSink(sink NotificationSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Connected reports whether a server connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the server endpoint, retrying up to maxRetries times with
// retryDelay between attempts. This is the one bounded blocking call in the
// protocol; every other operation is an unbounded request/reply.
func (c *Client) Connect(uri string, maxRetries int, retryDelay time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("pmix: already connected")
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		conn, _, err := websocket.DefaultDialer.Dial(uri, nil)
		if err != nil {
			lastErr = err
			c.log.Debug("server dial failed", "uri", uri, "attempt", attempt, "error", err)
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		go c.readLoop(conn)
		c.log.Debug("connected to server", "uri", uri)
		return nil
	}
	return fmt.Errorf("pmix: connecting to %s: %w", uri, lastErr)
}

// readLoop dispatches frames until the connection drops. Replies resolve
// pending calls; notifications go to the sink. A read failure fails every
// pending call and synthesizes a lost-connection notification so the
// default handler path observes it.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.connectionLost(conn, err)
			return
		}
		switch env.Type {
		case MsgReply:
			c.mu.Lock()
			complete := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if complete != nil {
				complete(env)
			}
		case MsgNotification:
			if env.Notification == nil {
				c.log.Debug("notification frame without body")
				continue
			}
			c.dispatch(*env.Notification)
		default:
			c.log.Debug("unexpected frame from server", "type", env.Type)
		}
	}
}

func (c *Client) dispatch(n Notification) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	eventID := n.EventID
	var once sync.Once
	done := func() {
		once.Do(func() {
			c.send(Envelope{Type: MsgEventComplete, EventID: eventID})
		})
	}
	sink(n, done)
}

func (c *Client) connectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	pending := c.pending
	c.pending = make(map[string]func(Envelope))
	sink := c.sink
	c.mu.Unlock()

	conn.Close()

	for _, complete := range pending {
		complete(Envelope{Type: MsgReply, Status: StatusLostConnection, Error: "connection lost"})
	}
	if closed || sink == nil {
		return
	}
	c.log.Debug("connection to server lost", "error", err)
	sink(Notification{Event: EventLostConnection}, func() {})
}

func (c *Client) send(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// call issues one request and blocks until its reply arrives. There is no
// per-call timeout; a dropped connection fails all pending calls, which is
// the protocol's only cancellation path.
func (c *Client) call(op Op, payload any, out any) error {
	id := uuid.NewString()
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = func(env Envelope) { ch <- env }
	c.mu.Unlock()

	env := Envelope{Type: MsgRequest, ID: id, Op: op, Payload: mustRaw(payload)}
	if err := c.send(env); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("pmix: sending %s request: %w", op, err)
	}

	reply := <-ch
	if reply.Status == StatusLostConnection {
		return ErrLostConnection
	}
	if !reply.Status.OK() {
		return &ServiceError{Status: reply.Status, Text: reply.Error}
	}
	if out != nil && len(reply.Payload) > 0 {
		if err := decodePayload(reply.Payload, out); err != nil {
			return fmt.Errorf("pmix: decoding %s reply: %w", op, err)
		}
	}
	return nil
}

// Spawn starts one application. When connected, the request goes to the
// server, which assigns and returns the job namespace. Before any
// connection exists (proxy mode) the process is forked locally and the
// namespace is unknown until the post-spawn reconnect.
func (c *Client) Spawn(attrs []Info, app App) (string, error) {
	if !c.Connected() {
		pid, err := c.StartProcess(app)
		if err != nil {
			return "", fmt.Errorf("pmix: spawning %s: %w", app.Cmd, err)
		}
		c.log.Debug("spawned process locally", "cmd", app.Cmd, "pid", pid)
		return "", nil
	}
	var reply SpawnReply
	if err := c.call(OpSpawn, SpawnRequest{Attrs: attrs, App: app}, &reply); err != nil {
		return "", err
	}
	return reply.Namespace, nil
}

// Get resolves one attribute scoped to a process identity. A missing
// attribute comes back as a Value with an empty Type.
func (c *Client) Get(proc Proc, key string) (Value, error) {
	var reply GetReply
	if err := c.call(OpGet, GetRequest{Proc: proc, Key: key}, &reply); err != nil {
		return Value{}, err
	}
	return reply.Value, nil
}

// Query resolves a set of queries in one round trip.
func (c *Client) Query(queries []Query) ([]Info, error) {
	var reply QueryReply
	if err := c.call(OpQuery, QueryRequest{Queries: queries}, &reply); err != nil {
		return nil, err
	}
	return reply.Info, nil
}

// Register subscribes to the named event kinds (empty means the default
// catch-all) and returns immediately; complete is invoked with the
// registration outcome once the service acknowledges. The caller must not
// start a second registration until complete has fired.
func (c *Client) Register(events []string, attrs []Info, complete func(Status, uint64)) error {
	id := uuid.NewString()

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = func(env Envelope) {
		if !env.Status.OK() {
			complete(env.Status, 0)
			return
		}
		var reply RegisterReply
		if err := decodePayload(env.Payload, &reply); err != nil {
			complete(StatusError, 0)
			return
		}
		complete(StatusOK, reply.HandlerID)
	}
	c.mu.Unlock()

	env := Envelope{Type: MsgRequest, ID: id, Op: OpRegister, Payload: mustRaw(RegisterRequest{Events: events, Attrs: attrs})}
	if err := c.send(env); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("pmix: sending register request: %w", err)
	}
	return nil
}

// Deregister removes a subscription.
func (c *Client) Deregister(handlerID uint64) error {
	return c.call(OpDeregister, DeregisterRequest{HandlerID: handlerID}, nil)
}

// Notify publishes an event toward the given delivery range. Used to send
// launch directives and to release held processes.
func (c *Client) Notify(event, deliveryRange string, attrs []Info) error {
	return c.call(OpNotify, NotifyRequest{Event: event, Range: deliveryRange, Attrs: attrs}, nil)
}

// Close tears the connection down. Safe to call repeatedly and from the
// signal path; pending calls fail with a lost-connection status.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// defaultStartProcess is the production local spawner: fork/exec with
// stdout/stderr forwarded to ours, reaped in the background.
func defaultStartProcess(app App) (int, error) {
	var argv []string
	if len(app.Argv) > 1 {
		argv = app.Argv[1:]
	}
	cmd := exec.Command(app.Cmd, argv...)
	cmd.Dir = app.Cwd
	if app.Env != nil {
		cmd.Env = app.Env
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	go cmd.Wait()
	return cmd.Process.Pid, nil
}
