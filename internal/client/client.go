package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"vtt/internal/hub"
	"vtt/internal/scene"
)

// ErrNotConnected is returned when an operation needs the hub channel before
// Connect has established it. Callers on the request path log it instead of
// crashing.
var ErrNotConnected = errors.New("hub connection not initialized")

// Notice is a user-facing, dismissible message about a recoverable problem.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Config holds client construction parameters.
type Config struct {
	ServerURL      string // http(s) base URL of the tabletop server
	Name           string
	Role           scene.Role
	SaveDelay      time.Duration // trailing-edge save coalescing window
	RequestTimeout time.Duration // per persistence call
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// Client is one participant's view of the table. It applies local mutations
// optimistically, persists them through the API, and reconciles hub
// broadcasts idempotently so its own echoes are merged, not re-applied, and
// never re-persisted.
type Client struct {
	cfg    Config
	logger *slog.Logger
	api    *API
	state  *State
	orch   *SaveOrchestrator

	writeMu sync.Mutex
	conn    *websocket.Conn

	notices   chan Notice
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a client. Call Connect before using scene operations that talk
// to the hub.
func New(cfg Config) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		api:     NewAPI(cfg.ServerURL, cfg.RequestTimeout),
		state:   NewState(),
		notices: make(chan Notice, 16),
		done:    make(chan struct{}),
	}
	c.orch = NewSaveOrchestrator(cfg.Clock, cfg.SaveDelay, c.saveScene)
	return c
}

// State exposes the client's local view for rendering and tests.
func (c *Client) State() *State {
	return c.state
}

// Notices returns the channel recoverable problems are reported on.
func (c *Client) Notices() <-chan Notice {
	return c.notices
}

// Connect dials the hub's websocket endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	wsURL := "ws" + strings.TrimPrefix(c.cfg.ServerURL, "http")
	wsURL += "/ws?name=" + url.QueryEscape(c.cfg.Name) + "&role=" + url.QueryEscape(string(c.cfg.Role))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("connect: %w: gm already active", err)
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close flushes any pending save and shuts the hub channel down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.orch.Flush()
		close(c.done)
		c.writeMu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.conn.Close()
		}
		c.writeMu.Unlock()
	})
}

// SwitchScene moves the client to another scene: the pending save for the
// old scene flushes immediately, the old room is left before the new one is
// joined, and the new scene's state replaces the local view wholesale.
// Switching to the scene already active is a no-op.
func (c *Client) SwitchScene(ctx context.Context, id int64) error {
	current := c.state.ActiveSceneID()
	if current == id {
		return nil
	}

	c.orch.Flush()

	if current != 0 {
		if err := c.sendIntent(hub.TypeLeaveScene, current); err != nil {
			c.logger.Error("leave scene", slog.Int64("scene", current), slog.String("error", err.Error()))
		}
	}
	if err := c.sendIntent(hub.TypeJoinScene, id); err != nil {
		c.logger.Error("join scene", slog.Int64("scene", id), slog.String("error", err.Error()))
	}

	return c.loadScene(ctx, id)
}

// loadScene fetches the persisted snapshot and the scene's drawings, then
// replaces all scene-scoped local state. A corrupt or missing snapshot
// degrades to the default empty scene with a notice rather than an error.
func (c *Client) loadScene(ctx context.Context, id int64) error {
	sc, err := c.api.FetchScene(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		c.notify("warning", fmt.Sprintf("scene %d has no saved state yet", id))
		sc = scene.Default(id)
	case errors.Is(err, scene.ErrCorruptSnapshot):
		// The server already substituted the default; keep it and warn.
		c.notify("warning", fmt.Sprintf("scene %d could not be fully restored", id))
	default:
		c.notify("error", fmt.Sprintf("could not load scene %d", id))
		return fmt.Errorf("load scene %d: %w", id, err)
	}

	drawings, err := c.api.FetchDrawings(ctx, id)
	if err != nil {
		c.notify("warning", fmt.Sprintf("could not load drawings for scene %d", id))
		drawings = nil
	}

	c.state.ReplaceScene(sc, drawings)
	return nil
}

// DMSetActiveScene asks the hub to force every client onto the given scene.
// Only GM clients expose this; the hub trusts the caller.
func (c *Client) DMSetActiveScene(id int64) error {
	if c.cfg.Role != scene.RoleGM {
		return fmt.Errorf("dm_set_active_scene requires the gm role")
	}
	return c.sendIntent(hub.TypeDMSetActiveScene, id)
}

// MoveToken moves a top-layer element, snapping to the grid, applies the
// change optimistically and schedules a coalesced save.
func (c *Client) MoveToken(id string, x, y float64) {
	sc := c.state.ActiveScene()
	grid := float64(sc.GridSize)
	for _, el := range sc.TopLayer {
		if el.ID != id {
			continue
		}
		el.X = snap(x, grid)
		el.Y = snap(y, grid)
		c.state.UpsertTopElement(el)
		c.orch.Observe(sc.ID, OriginLocal)
		return
	}
	c.logger.Info("move ignored, unknown token", slog.String("token", id))
}

// PlaceElement adds an element to a layer optimistically and schedules a
// save. Tokens land on the top layer.
func (c *Client) PlaceElement(el scene.PlacedElement, top bool) scene.PlacedElement {
	if el.ID == "" {
		el.ID = uuid.NewString()
	}
	if top {
		c.state.UpsertTopElement(el)
	} else {
		c.state.UpsertMiddleElement(el)
	}
	c.orch.Observe(c.state.ActiveSceneID(), OriginLocal)
	return el
}

// PlaceToken places a player token: optimistic local apply plus an immediate
// row-level write so the server can broadcast player_token_placed.
func (c *Client) PlaceToken(ctx context.Context, el scene.PlacedElement) (scene.PlacedElement, error) {
	if el.ID == "" {
		el.ID = uuid.NewString()
	}
	sceneID := c.state.ActiveSceneID()
	c.state.UpsertTopElement(el)

	saved, err := c.api.PlaceToken(ctx, sceneID, el)
	if err != nil {
		c.notify("error", "could not place token")
		return el, err
	}
	c.state.UpsertTopElement(saved)
	return saved, nil
}

// SetGridSize changes the grid locally and schedules a save.
func (c *Client) SetGridSize(size int) {
	c.state.MutateScene(func(sc *scene.Scene) { sc.GridSize = size })
	c.orch.Observe(c.state.ActiveSceneID(), OriginLocal)
}

// SetGridColor changes the grid color locally and schedules a save.
func (c *Client) SetGridColor(color string) {
	c.state.MutateScene(func(sc *scene.Scene) { sc.GridColor = color })
	c.orch.Observe(c.state.ActiveSceneID(), OriginLocal)
}

// SetScale changes the scene scale locally and schedules a save.
func (c *Client) SetScale(scale float64) {
	c.state.MutateScene(func(sc *scene.Scene) { sc.Scale = scale })
	c.orch.Observe(c.state.ActiveSceneID(), OriginLocal)
}

// SetDarknessVisible toggles the fog-of-war layer and schedules a save.
func (c *Client) SetDarknessVisible(visible bool) {
	c.state.MutateScene(func(sc *scene.Scene) { sc.DarknessVisible = visible })
	c.orch.Observe(c.state.ActiveSceneID(), OriginLocal)
}

// AddDarknessPath appends an erase or paint stroke to the darkness mask and
// schedules a save. Order matters: later strokes win at overlap.
func (c *Client) AddDarknessPath(kind scene.DarknessKind, path []scene.PathCommand) scene.DarknessPath {
	dp := scene.DarknessPath{
		ID:        uuid.NewString(),
		Kind:      kind,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}
	c.state.MutateScene(func(sc *scene.Scene) {
		sc.DarknessPaths = append(sc.DarknessPaths, dp)
	})
	c.orch.Observe(c.state.ActiveSceneID(), OriginLocal)
	return dp
}

// AddDrawing applies a finished stroke optimistically and persists it as its
// own row. The hub echo merges idempotently by id.
func (c *Client) AddDrawing(ctx context.Context, path []scene.PathCommand, color string) (scene.Drawing, error) {
	d := scene.Drawing{
		ID:        uuid.NewString(),
		SceneID:   c.state.ActiveSceneID(),
		Path:      path,
		Color:     color,
		CreatedBy: c.cfg.Name,
	}
	c.state.UpsertDrawing(d)

	saved, err := c.api.PostDrawing(ctx, d)
	if err != nil {
		c.notify("error", "could not save drawing")
		return d, err
	}
	// Reconcile server-assigned fields (timestamp) under the same id.
	c.state.UpsertDrawing(saved)
	return saved, nil
}

// RemoveDrawing deletes a stroke locally and from the store. A concurrent
// delete elsewhere surfaces as not-found and is ignored.
func (c *Client) RemoveDrawing(ctx context.Context, id string) error {
	c.state.RemoveDrawing(id)
	if err := c.api.DeleteDrawing(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		c.notify("error", "could not delete drawing")
		return err
	}
	return nil
}

// SendMessage posts a chat line. The echo arrives as new_message like any
// other client's.
func (c *Client) SendMessage(ctx context.Context, body string) error {
	m := scene.ChatMessage{Author: c.cfg.Name, Body: body}
	return c.api.do(ctx, http.MethodPost, "/messages", m, nil)
}

// saveScene builds a whole-document snapshot from current local state and
// writes it to the store. Failures are reported and local state stays as
// is; the persisted view may lag until the next successful save.
func (c *Client) saveScene(sceneID int64) {
	if c.state.ActiveSceneID() != sceneID {
		sc, ok := c.state.CachedScene(sceneID)
		if !ok {
			c.logger.Info("skipping save for unloaded scene", slog.Int64("scene", sceneID))
			return
		}
		c.putScene(sc)
		return
	}
	c.putScene(c.state.ActiveScene())
}

func (c *Client) putScene(sc scene.Scene) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	if _, err := c.api.SaveScene(ctx, sc); err != nil {
		c.logger.Error("save scene", slog.Int64("scene", sc.ID), slog.String("error", err.Error()))
		c.notify("error", fmt.Sprintf("could not save scene %d", sc.ID))
	}
}

func (c *Client) sendIntent(t hub.EventType, sceneID int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(hub.Intent{Type: t, SceneID: hub.SceneRef(hub.RoomID(sceneID))})
}

func (c *Client) notify(level, message string) {
	select {
	case c.notices <- Notice{Level: level, Message: message}:
	default:
		c.logger.Info("notice dropped", slog.String("message", message))
	}
}

func snap(v, grid float64) float64 {
	if grid <= 0 {
		return v
	}
	return math.Round(v/grid) * grid
}
