package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"log/slog"

	"github.com/gorilla/websocket"

	"vtt/internal/hub"
	"vtt/internal/scene"
)

// readLoop consumes hub events until the connection drops. Persistence
// failures elsewhere never touch this loop; the real-time channel stays
// live regardless.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				var netErr net.Error
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.As(err, &netErr) {
					c.logger.Error("hub channel read", slog.String("error", err.Error()))
				}
				c.notify("warning", "lost connection to table")
			}
			return
		}

		var ev hub.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Error("bad event frame", slog.String("error", err.Error()))
			continue
		}
		c.handleEvent(ev)
	}
}

// handleEvent applies one hub event to local state. Scene-local events whose
// scene id does not match the active scene are ignored entirely; that is a
// normal condition, not a fault. Everything applied here is tagged
// OriginRemote so the orchestrator never persists it back.
func (c *Client) handleEvent(ev hub.Event) {
	switch ev.Type {
	case hub.TypeSceneUpdated:
		var p hub.SceneUpdatedPayload
		if !c.decode(ev, &p) {
			return
		}
		if p.SceneID != c.state.ActiveSceneID() {
			return
		}
		c.state.ApplyPatch(p.ScenePatch)
		c.orch.Observe(p.SceneID, OriginRemote)

	case hub.TypePlayerTokenPlaced:
		var p hub.TokenPlacedPayload
		if !c.decode(ev, &p) {
			return
		}
		if p.SceneID != c.state.ActiveSceneID() {
			return
		}
		c.state.UpsertTopElement(p.Element)
		c.orch.Observe(p.SceneID, OriginRemote)

	case hub.TypeDrawingAdded:
		var d scene.Drawing
		if !c.decode(ev, &d) {
			return
		}
		if d.SceneID != c.state.ActiveSceneID() {
			return
		}
		c.state.UpsertDrawing(d)

	case hub.TypeDrawingRemoved:
		var p hub.DrawingRemovedPayload
		if !c.decode(ev, &p) {
			return
		}
		if p.SceneID != c.state.ActiveSceneID() {
			return
		}
		c.state.RemoveDrawing(p.DrawingID)

	case hub.TypeCharacterUpdated:
		var ch scene.Character
		if c.decode(ev, &ch) {
			c.state.SetCharacter(ch)
		}

	case hub.TypeNotesUpdated:
		var notes []scene.Note
		if c.decode(ev, &notes) {
			c.state.SetNotes(notes)
		}

	case hub.TypeNewMessage:
		var m scene.ChatMessage
		if c.decode(ev, &m) {
			c.state.AppendMessage(m)
		}

	case hub.TypeForceSceneChange:
		var p hub.ForceSceneChangePayload
		if c.decode(ev, &p) {
			c.handleForceSceneChange(p)
		}

	case hub.TypeRosterUpdated:
		var p hub.RosterUpdatedPayload
		if !c.decode(ev, &p) {
			return
		}
		if p.SceneID != c.state.ActiveSceneID() {
			return
		}
		c.state.SetRoster(p.Users)

	default:
		c.logger.Info("unknown event", slog.String("type", string(ev.Type)))
	}
}

// handleForceSceneChange loads the demanded scene: from the local cache when
// this client has seen it before, from the store otherwise. Already being on
// the target scene is a no-op.
func (c *Client) handleForceSceneChange(p hub.ForceSceneChangePayload) {
	id, err := p.SceneID.SceneID()
	if err != nil {
		c.logger.Error("force_scene_change with bad scene id", slog.String("ref", string(p.SceneID)))
		return
	}

	current := c.state.ActiveSceneID()
	if current == id {
		return
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

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	if sc, ok := c.state.CachedScene(id); ok {
		drawings, err := c.api.FetchDrawings(ctx, id)
		if err != nil {
			c.notify("warning", "could not refresh drawings")
			drawings = nil
		}
		c.state.ReplaceScene(sc, drawings)
		return
	}

	if err := c.loadScene(ctx, id); err != nil {
		c.logger.Error("forced scene load", slog.Int64("scene", id), slog.String("error", err.Error()))
	}
}

func (c *Client) decode(ev hub.Event, out any) bool {
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		c.logger.Error("decode event payload",
			slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return false
	}
	return true
}
