/*
Package stream serves one agent's live context channel over a websocket.
A Conn is registered with the store as a subscriber; the store hands it
events without ever waiting on the network, and a dedicated writer goroutine
drains them to the peer.
*/
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/theapemachine/ctxsync/pkg/diff"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/metrics"
	"github.com/theapemachine/ctxsync/pkg/ratelimit"
	"github.com/theapemachine/ctxsync/pkg/store"
	"github.com/theapemachine/ctxsync/pkg/transport"
)

type Config struct {
	QueueSize      int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	UpstreamRate   float64
	UpstreamBurst  int
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      64,
		PingInterval:   25 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4 << 20,
		UpstreamRate:   50,
		UpstreamBurst:  100,
	}
}

/*
Hub is the part of the store a stream needs.
*/
type Hub interface {
	Subscribe(projectID string, sub store.Subscriber) (*store.Snapshot, error)
	Unsubscribe(projectID string, sub store.Subscriber)
	ApplyDiff(ctx context.Context, projectID string, d diff.Diff, origin string) (*store.Result, error)
}

/*
Conn is one (projectId, agentId) stream.
*/
type Conn struct {
	ID        string
	ProjectID string

	agentID string
	ws      *websocket.Conn
	cfg     Config
	metrics *metrics.ServiceMetrics
	limiter *ratelimit.Limiter

	queue chan []byte
	done  chan struct{}

	mu      sync.Mutex
	closing bool
	reason  store.CloseReason
}

func NewConn(ws *websocket.Conn, projectID, agentID string, cfg Config, m *metrics.ServiceMetrics) *Conn {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	if m == nil {
		m = metrics.NewServiceMetrics()
	}

	return &Conn{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		agentID:   agentID,
		ws:        ws,
		cfg:       cfg,
		metrics:   m,
		limiter:   ratelimit.New(cfg.UpstreamRate, cfg.UpstreamBurst),
		queue:     make(chan []byte, cfg.QueueSize),
		done:      make(chan struct{}),
	}
}

func (conn *Conn) AgentID() string {
	return conn.agentID
}

/*
Deliver queues ev for the writer. It returns false when the queue is full,
which the store answers by dropping this subscriber.
*/
func (conn *Conn) Deliver(ev store.Event) bool {
	frame, err := transport.Encode(transport.FromEvent(ev))

	if err != nil {
		log.Error("failed to encode event", "conn", conn.ID, "project", conn.ProjectID, "error", err)
		return true
	}

	if !conn.enqueue(frame) {
		return false
	}

	if ev.Kind == store.EventUpdated {
		conn.metrics.RecordBroadcast()
	}

	return true
}

func (conn *Conn) enqueue(frame []byte) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closing {
		return true
	}

	select {
	case conn.queue <- frame:
		return true
	default:
		return false
	}
}

/*
Close asks the writer to finish the stream with a notice for reason.
Only the first call counts.
*/
func (conn *Conn) Close(reason store.CloseReason) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closing {
		return
	}

	conn.closing = true
	conn.reason = reason
	close(conn.done)
}

/*
Serve registers the connection with hub and runs it until either side ends
it. A snapshot, when one exists, is queued during registration and so is
always the first message the peer sees.
*/
func (conn *Conn) Serve(ctx context.Context, hub Hub) {
	conn.metrics.RecordConnect()

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	written := make(chan struct{})

	go func() {
		defer close(written)
		conn.writePump(ctx)
	}()

	snap, err := hub.Subscribe(conn.ProjectID, conn)

	if err != nil {
		log.Warn("subscribe failed", "conn", conn.ID, "project", conn.ProjectID, "agent", conn.agentID, "error", err)
		conn.reply(transport.Error("", err))
		conn.Close(store.ReasonShutdown)
	} else {
		version := int64(0)

		if snap != nil {
			version = snap.Version
		}

		log.Info("stream connected", "conn", conn.ID, "project", conn.ProjectID, "agent", conn.agentID, "version", version)
		conn.readPump(ctx, hub)
		hub.Unsubscribe(conn.ProjectID, conn)
	}

	conn.Close(store.ReasonShutdown)
	<-written

	conn.mu.Lock()
	reason := conn.reason
	conn.mu.Unlock()

	conn.metrics.RecordDisconnect(reason == store.ReasonSlowConsumer)

	log.Info("stream closed", "conn", conn.ID, "project", conn.ProjectID, "agent", conn.agentID,
		"reason", reason, "duration", time.Since(start).Round(time.Millisecond))
}

func (conn *Conn) readPump(ctx context.Context, hub Hub) {
	if conn.cfg.MaxMessageSize > 0 {
		conn.ws.SetReadLimit(conn.cfg.MaxMessageSize)
	}

	conn.extendRead()
	conn.ws.SetPongHandler(func(string) error {
		conn.extendRead()
		return nil
	})

	for {
		kind, raw, err := conn.ws.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.isClosing() {
				log.Warn("stream read failed", "conn", conn.ID, "error", err)
			}

			return
		}

		conn.extendRead()

		if kind != websocket.TextMessage {
			conn.metrics.RecordUpstream(true)
			conn.reply(transport.Error("", errors.ErrValidation.WithMessagef("binary frames are not supported")))
			continue
		}

		conn.handle(ctx, hub, raw)
	}
}

func (conn *Conn) handle(ctx context.Context, hub Hub, raw []byte) {
	if !conn.limiter.Allow() {
		conn.metrics.RecordUpstream(true)
		conn.reply(transport.Error("", errors.ErrUnavailable.WithMessagef(
			"rate limit exceeded, retry in %s", conn.limiter.WaitTime().Round(time.Millisecond),
		)))
		return
	}

	msg, err := transport.Decode(raw)

	if err != nil {
		log.Warn("malformed stream message", "conn", conn.ID, "agent", conn.agentID, "error", err)
		conn.metrics.RecordUpstream(true)
		conn.reply(transport.Error("", err))
		return
	}

	conn.metrics.RecordUpstream(false)

	switch msg.Type {
	case transport.TypeUpdate:
		result, err := hub.ApplyDiff(ctx, conn.ProjectID, *msg.Diff, conn.agentID)

		if err != nil {
			conn.reply(transport.Error(msg.RequestID, err))
			return
		}

		if result.Changed {
			conn.metrics.RecordUpdate(result.TokensSaved)
		}

		conn.reply(transport.Ack(msg.RequestID, result))
	case transport.TypePing:
		conn.reply(transport.Pong(msg.RequestID))
	default:
		conn.reply(transport.Error(msg.RequestID, errors.ErrValidation.WithMessagef(
			"%s is not accepted from agents", msg.Type,
		)))
	}
}

/*
reply queues a direct answer to the peer. A peer that has let its queue
fill up is cut off the same way a slow subscriber is.
*/
func (conn *Conn) reply(msg *transport.Message) {
	msg.ProjectID = conn.ProjectID

	frame, err := transport.Encode(msg)

	if err != nil {
		log.Error("failed to encode reply", "conn", conn.ID, "error", err)
		return
	}

	if !conn.enqueue(frame) {
		conn.Close(store.ReasonSlowConsumer)
	}
}

func (conn *Conn) writePump(ctx context.Context) {
	interval := conn.cfg.PingInterval

	if interval <= 0 {
		interval = DefaultConfig().PingInterval
	}

	ticker := time.NewTicker(interval)

	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case frame := <-conn.queue:
			if err := conn.write(websocket.TextMessage, frame); err != nil {
				conn.Close(store.ReasonShutdown)
				return
			}
		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, conn.deadline()); err != nil {
				conn.Close(store.ReasonShutdown)
				return
			}
		case <-ctx.Done():
			conn.Close(store.ReasonShutdown)
			conn.finish()
			return
		case <-conn.done:
			conn.finish()
			return
		}
	}
}

/*
finish flushes what is queued, unless the peer is too slow to take it,
then sends the closing notice and close frame.
*/
func (conn *Conn) finish() {
	conn.mu.Lock()
	reason := conn.reason
	conn.mu.Unlock()

	code := websocket.CloseGoingAway

	if reason == store.ReasonSlowConsumer {
		code = websocket.CloseTryAgainLater
	} else {
		conn.drain()
	}

	if frame, err := transport.Encode(transport.Notice(conn.ProjectID, reason)); err == nil {
		_ = conn.write(websocket.TextMessage, frame)
	}

	_ = conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, string(reason)), conn.deadline())
}

func (conn *Conn) drain() {
	for {
		select {
		case frame := <-conn.queue:
			if conn.write(websocket.TextMessage, frame) != nil {
				return
			}
		default:
			return
		}
	}
}

func (conn *Conn) write(kind int, frame []byte) error {
	_ = conn.ws.SetWriteDeadline(conn.deadline())
	return conn.ws.WriteMessage(kind, frame)
}

func (conn *Conn) deadline() time.Time {
	wait := conn.cfg.WriteWait

	if wait <= 0 {
		wait = DefaultConfig().WriteWait
	}

	return time.Now().Add(wait)
}

func (conn *Conn) extendRead() {
	wait := conn.cfg.PongWait

	if wait <= 0 {
		wait = DefaultConfig().PongWait
	}

	_ = conn.ws.SetReadDeadline(time.Now().Add(wait))
}

func (conn *Conn) isClosing() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.closing
}
