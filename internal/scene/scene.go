// Package scene defines the shared tabletop state: the persisted scene
// document, the elements placed on its layers, free-hand drawings and the
// fog-of-war darkness mask.
package scene

import "time"

// Role represents a user's role.
type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

// DefaultGridSize is the grid cell edge in scene pixels for new scenes.
const DefaultGridSize = 50

// Scene is the persisted visual state for one map. It is stored as a whole
// document and replaced wholesale on save; only drawings live outside it.
type Scene struct {
	ID              int64           `json:"id"`
	Background      string          `json:"background"`
	GridSize        int             `json:"gridSize"`
	GridColor       string          `json:"gridColor"`
	Scale           float64         `json:"scale"`
	MiddleLayer     []PlacedElement `json:"middleLayer"`
	TopLayer        []PlacedElement `json:"topLayer"`
	DarknessPaths   []DarknessPath  `json:"darknessPaths"`
	DarknessVisible bool            `json:"darknessVisible"`
	SavedAt         time.Time       `json:"savedAt"`
}

// Default returns an empty scene with sane grid and scale values. It is the
// fallback whenever a persisted snapshot is missing or unreadable.
func Default(id int64) Scene {
	return Scene{
		ID:          id,
		GridSize:    DefaultGridSize,
		GridColor:   "transparent",
		Scale:       1.0,
		MiddleLayer: []PlacedElement{},
		TopLayer:    []PlacedElement{},
	}
}

// PlacedElement is an image placed on a scene layer. Elements on the top
// layer bound to a character are tokens.
type PlacedElement struct {
	ID          string   `json:"id"`
	Image       string   `json:"image"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	Width       *float64 `json:"width,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	CharacterID string   `json:"characterId,omitempty"`
	Color       string   `json:"color,omitempty"`
}

// PathOp is a single vector path command verb.
type PathOp string

const (
	OpMove PathOp = "move"
	OpLine PathOp = "line"
)

// PathCommand is one step of a vector path in scene pixel space.
type PathCommand struct {
	Op PathOp  `json:"op"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// DarknessKind distinguishes paths that remove darkness from paths that
// restore it.
type DarknessKind string

const (
	DarknessErase DarknessKind = "erase"
	DarknessPaint DarknessKind = "paint"
)

// DarknessPath is one stroke of the fog-of-war mask. Paths are embedded in
// the scene snapshot and evaluated in order: later paths win at overlap.
type DarknessPath struct {
	ID        string        `json:"id"`
	Path      []PathCommand `json:"path"`
	Kind      DarknessKind  `json:"kind"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Drawing is a free-hand stroke. Unlike darkness paths, drawings are stored
// as their own rows with row-level insert and delete.
type Drawing struct {
	ID        string        `json:"id"`
	SceneID   int64         `json:"sceneId"`
	Path      []PathCommand `json:"path"`
	Color     string        `json:"color"`
	CreatedBy string        `json:"createdBy"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Character is a playable character record, broadcast globally on update.
type Character struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Health    int       `json:"health"`
	MaxHealth int       `json:"maxHealth"`
	Notes     string    `json:"notes,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Note is one entry of the shared ordered note list.
type Note struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ChatMessage is a table-wide chat line. Chat is not scene-scoped.
type ChatMessage struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}
