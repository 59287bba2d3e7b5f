package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klaus-code/agentd/internal/event"
	"github.com/klaus-code/agentd/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is the envelope for every client→server WebSocket message
// (spec §6).
type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Model     string `json:"model"`
	PatchID   string `json:"patchId"`
	Approved  bool   `json:"approved"`
}

// serverMessage is the envelope for every server→client message.
type serverMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleWebSocket upgrades the connection and runs the join_session/prompt/
// cancel/patch_approval_response protocol (spec §6), gated by the same
// bearer secret used by the HTTP surface and a per-connection 30 events/
// minute rate limit.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APISecret != "" {
		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APISecret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := &wsClient{
		conn:    conn,
		send:    make(chan serverMessage, 32),
		limiter: newIPRateLimiter(s.cfg.WSRateLimit, time.Minute),
	}
	go client.writePump()
	defer client.close()

	var unsubscribe func()
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		if client.joinedSession != "" {
			s.wsOwners.leave(client.joinedSession, client)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if _, _, ok := client.limiter.allow("conn"); !ok {
			client.trySend(serverMessage{Type: "error_event", Data: map[string]any{"error": "rate limit exceeded"}})
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			client.trySend(serverMessage{Type: "error_event", Data: map[string]any{"error": "invalid message"}})
			continue
		}

		switch msg.Type {
		case "join_session":
			s.wsJoinSession(r.Context(), client, msg.SessionID)
			if unsubscribe == nil {
				unsubscribe = s.bus.SubscribeAll(func(e event.Event) {
					if client.joinedSession != "" && e.SessionID == client.joinedSession {
						client.trySend(serverMessage{Type: "agent_event", Data: e})
					}
				})
			}
		case "prompt":
			go s.wsPrompt(client, msg)
		case "cancel":
			cancelled := s.loop.Cancel(msg.SessionID)
			client.trySend(serverMessage{Type: "cancel_result", Data: map[string]any{"cancelled": cancelled, "sessionId": msg.SessionID}})
		case "patch_approval_response":
			s.approvals.Resolve(msg.PatchID, msg.Approved)
		default:
			client.trySend(serverMessage{Type: "error_event", Data: map[string]any{"error": "unknown message type"}})
		}
	}
}

// wsJoinSession implements spec §6's ownership rule: the first socket to
// join a given id owns it; a later socket may join only if the session
// already exists in the Store (an unclaimed, never-persisted id is
// rejected to a second joiner).
func (s *Server) wsJoinSession(ctx context.Context, client *wsClient, sessionID string) {
	if sessionID == "" {
		client.trySend(serverMessage{Type: "error_event", Data: map[string]any{"error": "sessionId is required"}})
		return
	}

	if !s.wsOwners.isOwned(sessionID) {
		_, err := s.store.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			// unclaimed and unpersisted: only the first joiner may create it.
			if !s.wsOwners.claim(sessionID, client) {
				client.trySend(serverMessage{Type: "error_event", Data: map[string]any{"error": "session is owned by another connection"}})
				return
			}
			client.joinedSession = sessionID
			client.trySend(serverMessage{Type: "joined", Data: map[string]any{"sessionId": sessionID}})
			return
		}
	}

	if !s.wsOwners.claim(sessionID, client) {
		client.trySend(serverMessage{Type: "error_event", Data: map[string]any{"error": "session is owned by another connection"}})
		return
	}
	client.joinedSession = sessionID
	client.trySend(serverMessage{Type: "joined", Data: map[string]any{"sessionId": sessionID}})
}

func (s *Server) wsPrompt(client *wsClient, msg clientMessage) {
	ctx := context.Background()
	workspaceDir := s.cfg.WorkspaceDir
	if msg.SessionID != "" {
		if sess, err := s.store.GetSession(ctx, msg.SessionID); err == nil {
			workspaceDir = sess.WorkspaceDir
		}
	}
	result, err := s.loop.Run(ctx, msg.SessionID, workspaceDir, msg.Model, msg.Message)
	if err != nil {
		client.trySend(serverMessage{Type: "error_event", Data: map[string]any{"error": sanitize(err.Error())}})
		return
	}
	client.trySend(serverMessage{Type: "prompt_complete", Data: result})
}

// wsClient wraps one connection's outbound queue, serialized through a
// single writer goroutine since gorilla/websocket forbids concurrent writes.
type wsClient struct {
	conn          *websocket.Conn
	send          chan serverMessage
	limiter       *ipRateLimiter
	joinedSession string
	closed        atomic.Bool
}

func (c *wsClient) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// trySend drops the message rather than blocking if the client's queue is
// full or it has already closed.
func (c *wsClient) trySend(msg serverMessage) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *wsClient) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.send)
	}
}

// ownerRegistry tracks which wsClient owns each joined session id (spec §6
// "the first socket to join_session ... becomes the owner"), sweeping
// entries whose owner socket has closed every minute.
type ownerRegistry struct {
	mu      sync.Mutex
	owners  map[string]*wsClient
	clients map[*wsClient]bool
}

func newOwnerRegistry() *ownerRegistry {
	return &ownerRegistry{owners: make(map[string]*wsClient), clients: make(map[*wsClient]bool)}
}

func (o *ownerRegistry) isOwned(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.owners[sessionID]
	return ok
}

func (o *ownerRegistry) claim(sessionID string, client *wsClient) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if owner, exists := o.owners[sessionID]; exists && owner != client {
		return false
	}
	o.owners[sessionID] = client
	o.clients[client] = true
	return true
}

func (o *ownerRegistry) leave(sessionID string, client *wsClient) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if owner, exists := o.owners[sessionID]; exists && owner == client {
		delete(o.owners, sessionID)
	}
	delete(o.clients, client)
}

func (o *ownerRegistry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		o.mu.Lock()
		for id, owner := range o.owners {
			if owner.closed.Load() {
				delete(o.owners, id)
			}
		}
		o.mu.Unlock()
	}
}

func (o *ownerRegistry) broadcastShutdown(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for c := range o.clients {
		c.trySend(serverMessage{Type: "server_shutdown", Data: map[string]string{"message": message}})
	}
}
