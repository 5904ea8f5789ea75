package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vtt/internal/scene"
)

// ErrGMActive is returned when a second GM tries to connect to a room that
// already has one.
var ErrGMActive = errors.New("gm already active")

// Config holds websocket and fan-out tuning for the hub.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	BroadcastBuffer int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1 << 20,
		SendBuffer:      64,
		BroadcastBuffer: 256,
	}
}

type outbound struct {
	room  string // empty means every connected session
	event Event
}

// Hub accepts client connections, tracks room membership through the
// registry, and fans events out. Delivery is fire-and-forget: no acks, no
// retries, no ordering across independent publishers. The hub is constructed
// explicitly and injected wherever events must be emitted; it is never
// ambient global state.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	gms      map[string]*Session // room id -> active GM session

	broadcastCh chan outbound
	stopOnce    sync.Once
	stopped     chan struct{}
}

// New constructs a hub. Call Start to begin fan-out and Stop to close every
// session.
func New(cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		cfg:         cfg,
		logger:      logger,
		registry:    NewRegistry(),
		sessions:    make(map[*Session]struct{}),
		gms:         make(map[string]*Session),
		broadcastCh: make(chan outbound, cfg.BroadcastBuffer),
		stopped:     make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cfg.CheckOrigin,
	}
	return h
}

// Registry exposes room membership for broadcast targeting and tests.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Start consumes the broadcast queue until the context is cancelled. It
// blocks; run it in its own goroutine.
func (h *Hub) Start(ctx context.Context) {
	h.logger.Info("hub started")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.Stop()
			return
		case <-h.stopped:
			return
		case msg := <-h.broadcastCh:
			h.deliver(msg)
		}
	}
}

// Stop closes every connected session. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.mu.Lock()
		sessions := make([]*Session, 0, len(h.sessions))
		for s := range h.sessions {
			sessions = append(sessions, s)
		}
		h.mu.Unlock()
		for _, s := range sessions {
			s.close()
		}
		h.logger.Info("hub stopped", slog.Int("sessions_closed", len(sessions)))
	})
}

// Connect upgrades the request to a websocket and attaches the session to
// the hub, joining the initial room when one is given. A second concurrent
// GM for a room is refused before the upgrade.
func (h *Hub) Connect(w http.ResponseWriter, r *http.Request, name string, role scene.Role, initialRoom string) (*Session, error) {
	if role == scene.RoleGM && initialRoom != "" && h.gmActive(initialRoom) {
		return nil, ErrGMActive
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:   uuid.NewString(),
		Name: name,
		Role: role,
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	peers := len(h.sessions)
	h.mu.Unlock()

	go s.writePump()
	go s.readPump()

	h.logger.Info("ws connected",
		slog.String("session", s.ID),
		slog.String("name", name),
		slog.String("role", string(role)),
		slog.Int("peers", peers))

	if initialRoom != "" {
		h.joinRoom(s, initialRoom)
	}
	return s, nil
}

func (h *Hub) gmActive(roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.gms[roomID]
	return ok
}

// detach is called from the read pump when a connection drops. The session
// implicitly leaves every room it was in; no cleanup message is required.
func (h *Hub) detach(s *Session) {
	left := h.registry.LeaveAll(s)

	h.mu.Lock()
	delete(h.sessions, s)
	for _, roomID := range left {
		if h.gms[roomID] == s {
			delete(h.gms, roomID)
		}
	}
	peers := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("ws disconnected", slog.String("session", s.ID), slog.Int("peers", peers))
	for _, roomID := range left {
		h.broadcastRoster(roomID)
	}
}

func (h *Hub) handleIntent(s *Session, intent Intent) {
	switch intent.Type {
	case TypeJoinScene:
		h.joinRoom(s, string(intent.SceneID))
	case TypeLeaveScene:
		h.leaveRoom(s, string(intent.SceneID))
	case TypeDMSetActiveScene:
		// Privilege is enforced by the caller, not here: only GM clients
		// expose the control that emits this intent.
		h.ForceSceneChange(intent.SceneID)
	default:
		h.logger.Info("unknown intent", slog.String("session", s.ID), slog.String("type", string(intent.Type)))
	}
}

// joinRoom admits a session to a room. A GM join is refused when another GM
// already holds the room: the newcomer gets a policy-violation close frame,
// the same refusal Connect answers with 409 before the upgrade.
func (h *Hub) joinRoom(s *Session, roomID string) {
	if roomID == "" {
		return
	}
	if s.Role == scene.RoleGM && !h.claimGM(roomID, s) {
		h.logger.Info("gm join refused, room has one",
			slog.String("session", s.ID), slog.String("room", roomID))
		s.reject("gm already active")
		return
	}
	h.registry.Join(roomID, s)
	h.logger.Info("joined room", slog.String("session", s.ID), slog.String("room", roomID))
	h.broadcastRoster(roomID)
}

// claimGM records s as the room's GM. It reports false when a different GM
// session already holds the slot; re-claiming one's own slot is fine.
func (h *Hub) claimGM(roomID string, s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, taken := h.gms[roomID]; taken && current != s {
		return false
	}
	h.gms[roomID] = s
	return true
}

func (h *Hub) leaveRoom(s *Session, roomID string) {
	if roomID == "" {
		return
	}
	h.registry.Leave(roomID, s)
	h.mu.Lock()
	if h.gms[roomID] == s {
		delete(h.gms, roomID)
	}
	h.mu.Unlock()
	h.logger.Info("left room", slog.String("session", s.ID), slog.String("room", roomID))
	h.broadcastRoster(roomID)
}

// publish enqueues an event for fan-out. Fire and forget: when the queue is
// full the event is dropped and logged, never blocked on.
func (h *Hub) publish(room string, event Event) {
	select {
	case h.broadcastCh <- outbound{room: room, event: event}:
	default:
		h.logger.Error("broadcast queue full, dropping event",
			slog.String("type", string(event.Type)), slog.String("room", room))
	}
}

func (h *Hub) deliver(msg outbound) {
	var targets []*Session
	if msg.room == "" {
		h.mu.Lock()
		targets = make([]*Session, 0, len(h.sessions))
		for s := range h.sessions {
			targets = append(targets, s)
		}
		h.mu.Unlock()
	} else {
		targets = h.registry.MembersOf(msg.room)
	}

	data, err := json.Marshal(msg.event)
	if err != nil {
		h.logger.Error("marshal event", slog.String("type", string(msg.event.Type)), slog.String("error", err.Error()))
		return
	}

	for _, s := range targets {
		if !s.enqueue(data) {
			h.logger.Error("session send buffer full, closing",
				slog.String("session", s.ID), slog.String("type", string(msg.event.Type)))
			s.close()
		}
	}
}

func (h *Hub) broadcastRoster(roomID string) {
	members := h.registry.MembersOf(roomID)
	users := make([]RosterEntry, 0, len(members))
	for _, m := range members {
		users = append(users, RosterEntry{Name: m.Name, Role: m.Role})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })

	sceneID, err := SceneRef(roomID).SceneID()
	if err != nil {
		return
	}
	event, err := NewEvent(TypeRosterUpdated, RosterUpdatedPayload{SceneID: sceneID, Users: users})
	if err != nil {
		h.logger.Error("marshal roster", slog.String("error", err.Error()))
		return
	}
	h.publish(roomID, event)
}

// DrawingAdded announces a new drawing to its scene's room.
func (h *Hub) DrawingAdded(d scene.Drawing) {
	h.emitRoom(RoomID(d.SceneID), TypeDrawingAdded, d)
}

// DrawingRemoved announces a deleted drawing to its scene's room.
func (h *Hub) DrawingRemoved(sceneID int64, drawingID string) {
	h.emitRoom(RoomID(sceneID), TypeDrawingRemoved, DrawingRemovedPayload{DrawingID: drawingID, SceneID: sceneID})
}

// SceneUpdated announces layer/grid/scale changes to the scene's room.
func (h *Hub) SceneUpdated(sceneID int64, patch ScenePatch) {
	h.emitRoom(RoomID(sceneID), TypeSceneUpdated, SceneUpdatedPayload{SceneID: sceneID, ScenePatch: patch})
}

// TokenPlaced announces a player-placed token to the scene's room.
func (h *Hub) TokenPlaced(sceneID int64, el scene.PlacedElement) {
	h.emitRoom(RoomID(sceneID), TypePlayerTokenPlaced, TokenPlacedPayload{SceneID: sceneID, Element: el})
}

// CharacterUpdated announces a character change to every connected session.
func (h *Hub) CharacterUpdated(c scene.Character) {
	h.emitGlobal(TypeCharacterUpdated, c)
}

// NotesUpdated announces the full note list to every connected session.
func (h *Hub) NotesUpdated(notes []scene.Note) {
	h.emitGlobal(TypeNotesUpdated, notes)
}

// NewMessage announces a chat line to every connected session. Chat is not
// scene-scoped.
func (h *Hub) NewMessage(m scene.ChatMessage) {
	h.emitGlobal(TypeNewMessage, m)
}

// ForceSceneChange tells every connected session, GM included, to load the
// given scene.
func (h *Hub) ForceSceneChange(ref SceneRef) {
	h.emitGlobal(TypeForceSceneChange, ForceSceneChangePayload{SceneID: ref})
}

func (h *Hub) emitRoom(roomID string, t EventType, payload any) {
	event, err := NewEvent(t, payload)
	if err != nil {
		h.logger.Error("marshal event", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	h.publish(roomID, event)
}

func (h *Hub) emitGlobal(t EventType, payload any) {
	event, err := NewEvent(t, payload)
	if err != nil {
		h.logger.Error("marshal event", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	h.publish("", event)
}
