// Package ws implements the WebSocket Hub: the per-project fan-out of Job
// status/progress changes and Session state to authenticated dashboard
// clients (spec.md §4.6, §4.7). Grounded on the teacher's ws/server.go and
// ws/broadcast.go (upgrade-then-read-pump-for-disconnect pattern, origin
// checking via an allowed-origins map with localhost fallbacks), adapted
// from the teacher's single static token to per-connection JWT claims and
// from a single global broadcast set to a per-project subscriber index
// (spec.md §4.6: "Clients subscribe to a project channel after an access
// check; the Hub routes Progress Bus events to subscribers on that
// channel").
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krpothula/cryoprocess/internal/auth"
	"github.com/krpothula/cryoprocess/internal/bus"
	"github.com/krpothula/cryoprocess/internal/model"
)

// Close codes in the application-reserved 4000-4999 range (spec.md §4.7).
const (
	CloseMissingToken       = 4001
	CloseForbidden          = 4003
	CloseTooManyConnections = 4013
)

// DefaultMaxConnections and DefaultHeartbeat mirror config.WSConfig's
// defaults for callers that construct a Hub directly (e.g. tests).
const (
	DefaultMaxConnections = 200
	DefaultHeartbeat      = 30 * time.Second
)

var (
	writeWait = 10 * time.Second
)

// SessionStore is the subset of *store.Store the Hub needs: enough to
// authorize a get_live_state request and to route a Job-keyed bus event to the
// Session it belongs to.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*model.SessionState, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
}

// Hub accepts WebSocket connections, authenticates them with a bearer JWT,
// and fans out Progress Bus events to clients subscribed to the relevant
// project channel.
type Hub struct {
	store    SessionStore
	verifier *auth.Verifier
	bus      *bus.Bus

	maxConns  int
	heartbeat time.Duration

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	upgrader websocket.Upgrader

	mu        sync.RWMutex
	clients   map[*connection]bool
	byProject map[string]map[*connection]bool
}

// Option configures a Hub at construction.
type Option func(*Hub)

func WithMaxConnections(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxConns = n
		}
	}
}

func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithAllowedOrigins restricts upgrade requests to the given origins
// (scheme://host[:port] strings), matching the teacher's checkOrigin
// allow-list. An empty list falls back to same-host/localhost checks only.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			o = strings.TrimSpace(o)
			if o == "" {
				continue
			}
			h.allowedOrigins[o] = true
			if u, err := url.Parse(o); err == nil && u.Host != "" {
				h.allowedHosts[u.Host] = true
			}
		}
	}
}

// NewHub constructs a Hub. b is the Progress Bus to fan out from; Run must
// be called to start forwarding its events.
func NewHub(st SessionStore, verifier *auth.Verifier, b *bus.Bus, opts ...Option) *Hub {
	h := &Hub{
		store:          st,
		verifier:       verifier,
		bus:            b,
		maxConns:       DefaultMaxConnections,
		heartbeat:      DefaultHeartbeat,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		clients:        make(map[*connection]bool),
		byProject:      make(map[string]map[*connection]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run subscribes to the Progress Bus and forwards events to subscribed
// connections until ctx is cancelled. It must be started before clients
// connect to avoid missing early events, and normally runs in its own
// goroutine for the life of the process.
func (h *Hub) Run(ctx context.Context) {
	token := h.bus.SubscribeStatus(func(ev bus.StatusChange) {
		h.routeStatus(ctx, ev)
	})
	defer h.bus.Unsubscribe(token)

	progToken, progCh := h.bus.SubscribeProgress(128)
	defer h.bus.Unsubscribe(progToken)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-progCh:
			if !ok {
				return
			}
			h.routeProgress(ctx, ev)
		}
	}
}

// routeStatus fans a statusChange out to every connection subscribed to the
// event's project (spec.md §4.6). The Job lookup is only needed to populate
// SessionID in the outbound payload; routing itself keys off ev.ProjectID,
// which the bus already carries, so this never blocks on a store round trip
// to find out who should receive the event.
func (h *Hub) routeStatus(ctx context.Context, ev bus.StatusChange) {
	sessionID := ""
	if job, err := h.store.GetJob(ctx, ev.JobID); err == nil {
		sessionID = job.SessionID
	}
	h.broadcastToProject(ev.ProjectID, outboundMessage{
		Type: outJobUpdate,
		Payload: jobUpdatePayload{
			JobID:             ev.JobID,
			SessionID:         sessionID,
			OldStatus:         ev.OldStatus,
			NewStatus:         ev.NewStatus,
			RawSchedulerState: ev.RawSchedulerState,
			Source:            string(ev.Source),
		},
	})
}

func (h *Hub) routeProgress(ctx context.Context, ev bus.ProgressChange) {
	sessionID := ""
	if job, err := h.store.GetJob(ctx, ev.JobID); err == nil {
		sessionID = job.SessionID
	}
	h.broadcastToProject(ev.ProjectID, outboundMessage{
		Type: outJobProgress,
		Payload: jobProgressPayload{
			JobID:           ev.JobID,
			SessionID:       sessionID,
			StageKey:        ev.StageKey,
			IterationCount:  ev.IterationCount,
			TotalIterations: ev.TotalIterations,
			MicrographCount: ev.MicrographCount,
			ParticleCount:   ev.ParticleCount,
			ProgressPercent: ev.ProgressPercent,
		},
	})
}

// broadcastToProject fans out to the indexed per-project subscriber set
// (spec.md §4.6 "indexed map for O(subscribers) fan-out"), not a full scan
// of every connected client.
func (h *Hub) broadcastToProject(projectID string, msg outboundMessage) {
	h.mu.RLock()
	subs := h.byProject[projectID]
	conns := make([]*connection, 0, len(subs))
	for c := range subs {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.sendMessage(msg)
	}
}

// ServeHTTP upgrades the request to a WebSocket connection after
// authenticating the bearer token and checking the connection cap.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConnection(h, conn, claims)

	h.mu.Lock()
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		closeWithCode(conn, CloseTooManyConnections, "too many connections")
		return
	}
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	c.sendMessage(outboundMessage{Type: outConnected})
	c.readPump()
}

// authenticate extracts a bearer token from the "token" query parameter or
// the "atoken" cookie and verifies it (spec.md §4.7).
func (h *Hub) authenticate(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if c, err := r.Cookie("atoken"); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return nil, errors.New("ws: missing token")
	}
	return h.verifier.Verify(token)
}

// checkOrigin mirrors the teacher's ws/server.go checkOrigin: an empty
// Origin header (non-browser clients) passes, a configured allow-list
// takes precedence, and same-host or loopback origins are always allowed.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) > 0 {
		if h.allowedOrigins[origin] {
			return true
		}
		if u, err := url.Parse(origin); err == nil && h.allowedHosts[u.Host] {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	return host != "" && host == r.Host
}

func (h *Hub) subscribe(c *connection, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byProject[projectID]
	if !ok {
		set = make(map[*connection]bool)
		h.byProject[projectID] = set
	}
	set[c] = true
}

func (h *Hub) unsubscribe(c *connection, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.byProject[projectID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byProject, projectID)
		}
	}
}

func (h *Hub) remove(c *connection) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
	}
	for pid, set := range h.byProject {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byProject, pid)
			}
		}
	}
	h.mu.Unlock()
	c.close()
}

// ConnectionCount reports the number of currently connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func closeWithCode(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = conn.Close()
}

func logf(format string, args ...any) {
	log.Printf("ws: "+format, args...)
}
