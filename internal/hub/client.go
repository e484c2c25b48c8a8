package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/common/logger"
	"github.com/vrabby/vrabby/internal/message"
	"github.com/vrabby/vrabby/internal/orchestrator"
)

// writeWait bounds a single frame write to the peer.
const writeWait = 10 * time.Second

// Client is one WebSocket connection bound to one project. The read pump
// runs on the handler goroutine; the write pump and the stream pump run on
// their own. All outbound traffic funnels through the send queue, whose
// capacity is the slow-consumer budget.
type Client struct {
	id        string
	projectID string
	hub       *Hub
	conn      *websocket.Conn
	orch      *orchestrator.Orchestrator
	sub       *orchestrator.Subscriber
	send      chan []byte
	resync    chan int64
	logger    *logger.Logger

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

// newClient subscribes to the orchestrator immediately: the subscription must
// exist before the history read so the replay/live handoff has no gap.
func newClient(h *Hub, conn *websocket.Conn, orch *orchestrator.Orchestrator, projectID string, log *logger.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:        id,
		projectID: projectID,
		hub:       h,
		conn:      conn,
		orch:      orch,
		sub:       orch.Subscribe(),
		send:      make(chan []byte, h.queueCapacity),
		resync:    make(chan int64, 1),
		logger: log.WithFields(
			zap.String("client_id", id),
			zap.String("project_id", projectID)),
	}
}

// readPump pumps frames from the connection until it dies. Any inbound frame
// counts as liveness; a client silent past the keepalive cutoff is dropped.
func (c *Client) readPump(ctx context.Context) {
	defer c.close(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.keepaliveCutoff))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.keepaliveCutoff))
		c.handleFrame(ctx, data)
	}
}

// handleFrame dispatches one inbound frame. Frame-level errors go back to
// this client only; other subscribers never observe them.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	if string(data) == pingFrame {
		c.enqueue([]byte(pongFrame))
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("Unparseable frame", zap.Error(err))
		c.sendEnvelope(ErrorEnvelope("", agent.ErrProtocol, "invalid frame: "+err.Error()))
		return
	}

	switch env.Type {
	case FrameSubmit:
		c.handleSubmit(ctx, &env)
	case FrameCancel:
		c.handleCancel(&env)
	case FrameSubscribeFromSeq:
		c.handleSubscribeFromSeq(&env)
	default:
		c.sendEnvelope(ErrorEnvelope("", agent.ErrProtocol, fmt.Sprintf("unknown frame type %q", env.Type)))
	}
}

func (c *Client) handleSubmit(ctx context.Context, env *Envelope) {
	var payload SubmitPayload
	if err := env.ParseData(&payload); err != nil {
		c.sendEnvelope(ErrorEnvelope("", agent.ErrProtocol, "invalid submit payload: "+err.Error()))
		return
	}

	// Re-read the project on every submit: the preferred agent and the
	// workspace path may change while the connection is open.
	proj, err := c.hub.projects.Get(ctx, c.projectID)
	if err != nil {
		c.sendEnvelope(ErrorEnvelope("", agent.ErrInternal, "project lookup failed"))
		return
	}
	if payload.Agent == "" {
		payload.Agent = string(proj.PreferredAgent)
	}
	if err := payload.Validate(proj.Path); err != nil {
		c.sendEnvelope(ErrorEnvelope("", agent.ErrProtocol, err.Error()))
		return
	}

	requestID, err := c.orch.Submit(ctx, orchestrator.Submission{
		Instruction:     payload.Instruction,
		Agent:           payload.Agent,
		Model:           payload.Model,
		Images:          payload.Images,
		IsInitial:       payload.IsInitial,
		DeadlineSeconds: payload.DeadlineSeconds,
	})
	if err != nil {
		c.sendEnvelope(ErrorEnvelope("", agent.ErrProtocol, err.Error()))
		return
	}

	ack, err := NewEnvelope(FrameSubmitted, SubmittedPayload{RequestID: requestID})
	if err != nil {
		c.logger.Error("Failed to build submitted ack", zap.Error(err))
		return
	}
	ack.RequestID = requestID
	c.sendEnvelope(ack)
}

// handleCancel forwards a cancel. Cancelling an unknown or already-terminal
// request id is a no-op, so a false return draws no reply.
func (c *Client) handleCancel(env *Envelope) {
	var payload CancelPayload
	if err := env.ParseData(&payload); err != nil {
		c.sendEnvelope(ErrorEnvelope("", agent.ErrProtocol, "invalid cancel payload: "+err.Error()))
		return
	}
	if err := payload.Validate(); err != nil {
		c.sendEnvelope(ErrorEnvelope("", agent.ErrProtocol, err.Error()))
		return
	}
	if c.orch.Cancel(payload.RequestID) {
		c.logger.Debug("Cancelled request", zap.String("request_id", payload.RequestID))
	} else {
		c.logger.Debug("Cancel target not queued or running", zap.String("request_id", payload.RequestID))
	}
}

// handleSubscribeFromSeq asks the stream pump to re-replay from a position.
// The position rides in the envelope's top-level seq field.
func (c *Client) handleSubscribeFromSeq(env *Envelope) {
	if env.Seq < 0 {
		c.sendEnvelope(ErrorEnvelope("", agent.ErrProtocol, "seq must not be negative"))
		return
	}
	select {
	case c.resync <- env.Seq:
	default:
		c.logger.Debug("Resync already pending, dropping request", zap.Int64("seq", env.Seq))
	}
}

// streamPump replays history, then forwards live events in seq order. Live
// events at or below the highest replayed seq are skipped, so the handoff
// neither duplicates nor drops: the subscription predates the history read,
// and everything persisted after it arrives on the channel.
func (c *Client) streamPump(ctx context.Context, fromSeq int64) {
	lastSent, ok := c.replay(ctx, fromSeq)
	if !ok {
		return
	}

	for {
		select {
		case ev, open := <-c.sub.Events():
			if !open {
				if c.sub.Overflowed() {
					c.close(CloseSlowConsumer, "slow_consumer")
				} else {
					c.close(websocket.CloseNormalClosure, "shutting down")
				}
				return
			}
			if ev.Seq > 0 && ev.Seq <= lastSent {
				continue
			}
			env, err := EventEnvelope(ev)
			if err != nil {
				c.logger.Error("Failed to frame event", zap.Error(err))
				continue
			}
			if !c.sendEnvelope(env) {
				return
			}
			if ev.Seq > lastSent {
				lastSent = ev.Seq
			}
		case from := <-c.resync:
			last, ok := c.replay(ctx, from)
			if !ok {
				return
			}
			if last > lastSent {
				lastSent = last
			}
		}
	}
}

// replay sends stored events to this client. fromSeq < 0 selects the default
// tail window; otherwise every event with seq > fromSeq is sent. Returns the
// highest seq sent and whether the client is still writable.
func (c *Client) replay(ctx context.Context, fromSeq int64) (int64, bool) {
	var msgs []*message.Message
	var err error
	if fromSeq < 0 {
		msgs, err = c.hub.messages.ListTail(ctx, c.projectID, c.hub.replayWindow)
	} else {
		msgs, err = c.hub.messages.ListAfter(ctx, c.projectID, fromSeq, 0)
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		c.logger.Error("History replay failed", zap.Error(err))
		c.sendEnvelope(ErrorEnvelope("", agent.ErrInternal, "history replay failed"))
		return 0, true
	}

	var last int64
	for _, m := range msgs {
		env := &Envelope{
			Type:      string(m.Kind),
			Data:      m.Body,
			RequestID: m.RequestID,
			Seq:       m.Seq,
		}
		if !c.sendEnvelope(env) {
			return last, false
		}
		last = m.Seq
	}
	return last, true
}

func (c *Client) sendEnvelope(env *Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("Failed to marshal envelope", zap.Error(err))
		return true
	}
	return c.enqueue(data)
}

// enqueue queues one frame for the write pump without blocking. A full queue
// marks this client a slow consumer and starts its disconnect; it must
// reconnect with subscribe_from_seq to resume.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.logger.Warn("Subscriber queue full, dropping slow consumer")
		c.close(CloseSlowConsumer, "slow_consumer")
		return false
	}
}

// close tears the client down exactly once: detach from the orchestrator and
// the hub, then close the send queue so the write pump flushes what is
// buffered and delivers the close frame.
func (c *Client) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()

	c.orch.Unsubscribe(c.sub)
	c.hub.remove(c)
	close(c.send)
}

func (c *Client) closeState() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return c.closeCode, c.closeReason
}

// writePump drains the send queue onto the connection, one text frame per
// envelope, and delivers the close frame once the queue closes. Closing the
// connection here also releases a read pump blocked on a dead peer.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		data, ok := <-c.send
		if !ok {
			code, reason := c.closeState()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("WebSocket write failed", zap.Error(err))
			c.close(websocket.CloseNormalClosure, "")
			return
		}
	}
}
