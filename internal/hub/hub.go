package hub

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/common/config"
	"github.com/vrabby/vrabby/internal/common/logger"
	"github.com/vrabby/vrabby/internal/message"
	"github.com/vrabby/vrabby/internal/orchestrator"
	"github.com/vrabby/vrabby/internal/project"
)

// Hub tracks every live WebSocket client and hands each connection its
// project orchestrator. Fan-out itself is per-client: every client owns an
// orchestrator subscription, so one stalled connection never delays another.
type Hub struct {
	manager  *orchestrator.Manager
	projects project.Store
	messages message.Store
	logger   *logger.Logger
	upgrader websocket.Upgrader

	queueCapacity   int
	replayWindow    int
	keepaliveCutoff time.Duration

	mu      sync.RWMutex
	clients map[*Client]bool
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub. Zero config values fall back to the documented
// defaults (queue 512, replay tail 200, keepalive cutoff 120 s).
func NewHub(manager *orchestrator.Manager, projects project.Store, messages message.Store, cfg config.HubConfig, log *logger.Logger) *Hub {
	queueCap := cfg.SubscriberQueueCapacity
	if queueCap <= 0 {
		queueCap = 512
	}
	window := cfg.HistoryReplayDefault
	if window <= 0 {
		window = 200
	}
	cutoff := cfg.KeepaliveCutoff()
	if cutoff <= 0 {
		cutoff = 120 * time.Second
	}
	return &Hub{
		manager:  manager,
		projects: projects,
		messages: messages,
		logger:   log.WithFields(zap.String("component", "hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local clients connect cross-port in development; origin
			// policy is the CORS middleware's concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		queueCapacity:   queueCap,
		replayWindow:    window,
		keepaliveCutoff: cutoff,
		clients:         make(map[*Client]bool),
	}
}

// HandleConnection upgrades GET /ws/:project_id and serves the subscription
// protocol until the connection dies. An unknown project is reported with
// close code 4003 after the upgrade, where a browser client can read it.
func (h *Hub) HandleConnection(c *gin.Context) {
	projectID := c.Param("project_id")

	fromSeq := int64(-1)
	if raw := c.Query("from_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from_seq must be a non-negative integer"})
			return
		}
		fromSeq = n
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	ctx := c.Request.Context()
	if _, err := h.projects.Get(ctx, projectID); err != nil {
		h.logger.Debug("Rejecting connection for unknown project",
			zap.String("project_id", projectID))
		closeWith(conn, CloseProjectUnknown, "project_unknown")
		return
	}

	orch, err := h.manager.Get(ctx, projectID)
	if err != nil {
		h.logger.Warn("Failed to resolve orchestrator",
			zap.String("project_id", projectID),
			zap.Error(err))
		closeWith(conn, websocket.CloseNormalClosure, "server shutting down")
		return
	}

	client := newClient(h, conn, orch, projectID, h.logger)
	if !h.register(client) {
		orch.Unsubscribe(client.sub)
		closeWith(conn, websocket.CloseNormalClosure, "server shutting down")
		return
	}

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", client.id),
		zap.String("project_id", projectID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.streamPump(ctx, fromSeq)
	}()
	client.readPump(ctx)
}

// Shutdown disconnects every client with a normal close and waits for their
// write pumps to flush, or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.logger.Info("Hub shutting down", zap.Int("clients", len(clients)))
	for _, c := range clients {
		c.close(websocket.CloseNormalClosure, "server shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// closeWith delivers a close frame on a connection that never became a
// registered client.
func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}
