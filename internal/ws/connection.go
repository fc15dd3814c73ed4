package ws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krpothula/cryoprocess/internal/auth"
)

// connection wraps one authenticated WebSocket client. Reads happen on the
// goroutine that calls readPump (the HTTP handler's goroutine); writes are
// serialized through send and a dedicated writePump goroutine, matching the
// teacher's client/writePump split so a slow reader never blocks a
// broadcast (spec.md §9 back-pressure policy).
type connection struct {
	hub    *Hub
	conn   *websocket.Conn
	claims *auth.Claims
	send   chan []byte

	// subscriptions tracks the project IDs this connection is subscribed
	// to, so remove/unsubscribe can clean up without scanning the Hub's
	// whole index.
	subscriptions map[string]bool
}

func newConnection(h *Hub, conn *websocket.Conn, claims *auth.Claims) *connection {
	return &connection{
		hub:           h,
		conn:          conn,
		claims:        claims,
		send:          make(chan []byte, 64),
		subscriptions: make(map[string]bool),
	}
}

func (c *connection) sendMessage(msg outboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logf("marshal %s: %v", msg.Type, err)
		return
	}
	select {
	case c.send <- data:
	default:
		// Client can't keep up; drop rather than block the broadcaster.
	}
}

func (c *connection) close() {
	close(c.send)
}

// writePump relays queued outbound frames and drives the heartbeat ping,
// matching the teacher's client.writePump but adding a periodic control
// ping (the teacher only ever pushes application frames).
func (c *connection) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump blocks reading client frames until the connection errors or is
// closed, terminating the connection after two missed heartbeats (spec.md
// §4.6). It always runs on the goroutine that accepted the connection, so
// its return signals the HTTP handler that the connection ended.
func (c *connection) readPump() {
	defer c.hub.remove(c)

	pongWait := c.hub.heartbeat*2 + 5*time.Second
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

func (c *connection) dispatch(data []byte) {
	var in inboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		c.sendMessage(outboundMessage{Type: outError, Message: "malformed message"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch in.Type {
	case inPing:
		c.sendMessage(outboundMessage{Type: outPong})

	case inSubscribe:
		c.handleSubscribe(in)

	case inUnsubscribe:
		c.handleUnsubscribe(in)

	case inGetLiveState:
		c.handleGetLiveState(ctx, in.SessionID)

	default:
		c.sendMessage(outboundMessage{Type: outError, Message: "unknown message type"})
	}
}

// projectChannel resolves an inbound subscribe/unsubscribe message to a
// (projectID, channel) pair. A client may name the project directly or via
// a "project:<id>" channel string (spec.md §4.6).
func projectChannel(in inboundMessage) (projectID, channel string) {
	projectID, channel = in.ProjectID, in.Channel
	if projectID == "" && strings.HasPrefix(channel, channelProjectPrefix) {
		projectID = strings.TrimPrefix(channel, channelProjectPrefix)
	}
	if channel == "" && projectID != "" {
		channel = channelProjectPrefix + projectID
	}
	return projectID, channel
}

// handleSubscribe enforces spec.md §8 invariant P5: a connection may only
// subscribe to a project channel the token's claims grant access to. On
// denial it sends the literal shape scenario 5 requires:
// {type:"error",message:"Access denied to project",channel:"project:P"}.
func (c *connection) handleSubscribe(in inboundMessage) {
	projectID, channel := projectChannel(in)
	if projectID == "" {
		c.sendMessage(outboundMessage{Type: outError, Message: "subscribe requires a projectId or channel"})
		return
	}
	if !c.claims.ProjectAccess(projectID) {
		c.sendMessage(outboundMessage{Type: outError, Message: "Access denied to project", Channel: channel})
		return
	}
	c.hub.subscribe(c, projectID)
	c.subscriptions[projectID] = true
	c.sendMessage(outboundMessage{Type: outSubscribed, Channel: channel})
}

func (c *connection) handleUnsubscribe(in inboundMessage) {
	projectID, channel := projectChannel(in)
	c.hub.unsubscribe(c, projectID)
	delete(c.subscriptions, projectID)
	c.sendMessage(outboundMessage{Type: outUnsubscribed, Channel: channel})
}

// handleGetLiveState stays keyed by sessionId (spec.md §4.6
// "get_live_state { sessionId }") since a client asks for one session's
// snapshot, not a whole project's.
func (c *connection) handleGetLiveState(ctx context.Context, sessionID string) {
	sess, err := c.hub.store.GetSession(ctx, sessionID)
	if err != nil {
		c.sendMessage(outboundMessage{Type: outError, Message: "session not found"})
		return
	}
	if !c.claims.ProjectAccess(sess.Config.ProjectID) {
		c.sendMessage(outboundMessage{Type: outError, Message: "Access denied to project"})
		return
	}
	c.sendMessage(outboundMessage{Type: outLiveSessionState, Payload: liveSessionStatePayload{Session: sess}})
}
