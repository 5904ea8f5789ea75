// Package hub implements the real-time synchronization core: the room
// registry mapping scene ids to connected sessions and the event hub that
// fans client intents and server-side mutations out to the right rooms.
package hub

import (
	"encoding/json"
	"fmt"
	"strconv"

	"vtt/internal/scene"
)

// EventType names one message on the wire.
type EventType string

// Inbound intents (client to hub).
const (
	TypeJoinScene        EventType = "join_scene"
	TypeLeaveScene       EventType = "leave_scene"
	TypeDMSetActiveScene EventType = "dm_set_active_scene"
)

// Outbound events (hub to clients). Scene-local events go only to the room
// matching their scene id; global events go to every connected session.
const (
	TypeDrawingAdded      EventType = "drawing_added"
	TypeDrawingRemoved    EventType = "drawing_removed"
	TypeSceneUpdated      EventType = "scene_updated"
	TypePlayerTokenPlaced EventType = "player_token_placed"
	TypeCharacterUpdated  EventType = "character_updated"
	TypeNotesUpdated      EventType = "notes_updated"
	TypeNewMessage        EventType = "new_message"
	TypeForceSceneChange  EventType = "force_scene_change"
	TypeRosterUpdated     EventType = "roster_updated"
)

// Event is the wire envelope: a type tag plus the type-specific payload.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent wraps a payload in an envelope.
func NewEvent(t EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: data}, nil
}

// SceneRef is a scene id that tolerates both string and numeric JSON forms,
// since clients send either. Its canonical string form is the room id; join
// and broadcast must use the identical form or messages are silently lost.
type SceneRef string

func (r *SceneRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = SceneRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("scene ref must be string or number: %w", err)
	}
	*r = SceneRef(n.String())
	return nil
}

// SceneID parses the ref back into the numeric scene id.
func (r SceneRef) SceneID() (int64, error) {
	id, err := strconv.ParseInt(string(r), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse scene ref %q: %w", string(r), err)
	}
	return id, nil
}

// RoomID is the canonical room identifier for a scene.
func RoomID(sceneID int64) string {
	return strconv.FormatInt(sceneID, 10)
}

// Intent is a client-originated message read off the websocket.
type Intent struct {
	Type    EventType `json:"type"`
	SceneID SceneRef  `json:"sceneId"`
}

// ScenePatch carries the layer and grid state of a scene_updated event.
// Grid fields are pointers so an untouched field group is distinguishable
// from an explicit change.
type ScenePatch struct {
	MiddleLayer []scene.PlacedElement `json:"middleLayer"`
	TopLayer    []scene.PlacedElement `json:"topLayer"`
	GridSize    *int                  `json:"gridSize,omitempty"`
	GridColor   *string               `json:"gridColor,omitempty"`
	Scale       *float64              `json:"scale,omitempty"`
}

// SceneUpdatedPayload announces layer or grid changes to a room.
type SceneUpdatedPayload struct {
	SceneID int64 `json:"sceneId"`
	ScenePatch
}

// DrawingRemovedPayload announces a deleted drawing to its room.
type DrawingRemovedPayload struct {
	DrawingID string `json:"drawingId"`
	SceneID   int64  `json:"sceneId"`
}

// TokenPlacedPayload announces a player-placed token to its room.
type TokenPlacedPayload struct {
	SceneID int64               `json:"sceneId"`
	Element scene.PlacedElement `json:"element"`
}

// ForceSceneChangePayload tells every client to load the given scene.
type ForceSceneChangePayload struct {
	SceneID SceneRef `json:"sceneId"`
}

// RosterEntry is one connected member of a room.
type RosterEntry struct {
	Name string     `json:"name"`
	Role scene.Role `json:"role"`
}

// RosterUpdatedPayload lists a room's members after a join or leave.
type RosterUpdatedPayload struct {
	SceneID int64         `json:"sceneId"`
	Users   []RosterEntry `json:"users"`
}
