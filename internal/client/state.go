package client

import (
	"sync"

	"vtt/internal/hub"
	"vtt/internal/scene"
)

// Origin tags every applied mutation with its source. Suppression of the
// persistence echo is decided per mutation, not through a shared flag an
// unrelated change could clear.
type Origin int

const (
	// OriginLocal marks a mutation the user made here; it must be persisted.
	OriginLocal Origin = iota
	// OriginRemote marks a mutation that arrived from the hub; persisting it
	// again would echo it back to the store.
	OriginRemote
)

// State holds the client's view of the world: the active scene, its
// drawings, and the global records every client shares. All merges are
// idempotent (replace-if-present, append-if-absent) so duplicate delivery
// of an event never duplicates an entity.
type State struct {
	mu       sync.Mutex
	scene    scene.Scene
	loaded   bool
	drawings []scene.Drawing

	cache      map[int64]scene.Scene
	characters map[string]scene.Character
	notes      []scene.Note
	messages   []scene.ChatMessage
	roster     []hub.RosterEntry
}

// NewState returns an empty client state with no active scene.
func NewState() *State {
	return &State{
		cache:      make(map[int64]scene.Scene),
		characters: make(map[string]scene.Character),
	}
}

// ActiveSceneID returns the id of the loaded scene, or 0 when none is.
func (st *State) ActiveSceneID() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.loaded {
		return 0
	}
	return st.scene.ID
}

// ActiveScene returns a copy of the loaded scene.
func (st *State) ActiveScene() scene.Scene {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.scene
}

// Drawings returns a copy of the active scene's drawing list.
func (st *State) Drawings() []scene.Drawing {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]scene.Drawing{}, st.drawings...)
}

// ReplaceScene swaps in a freshly loaded scene wholesale, with no merge
// against whatever was displayed before, and remembers it in the local
// scene cache.
func (st *State) ReplaceScene(sc scene.Scene, drawings []scene.Drawing) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.scene = sc
	st.loaded = true
	st.drawings = append([]scene.Drawing{}, drawings...)
	st.cache[sc.ID] = sc
}

// CachedScene returns a previously loaded scene, if any.
func (st *State) CachedScene(id int64) (scene.Scene, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sc, ok := st.cache[id]
	return sc, ok
}

// ApplyPatch merges a scene_updated payload into the active scene.
// Last write wins per field group: layers always replace, grid and scale
// only when the patch carries them.
func (st *State) ApplyPatch(p hub.ScenePatch) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if p.MiddleLayer != nil {
		st.scene.MiddleLayer = p.MiddleLayer
	}
	if p.TopLayer != nil {
		st.scene.TopLayer = p.TopLayer
	}
	if p.GridSize != nil {
		st.scene.GridSize = *p.GridSize
	}
	if p.GridColor != nil {
		st.scene.GridColor = *p.GridColor
	}
	if p.Scale != nil {
		st.scene.Scale = *p.Scale
	}
	st.cache[st.scene.ID] = st.scene
}

// UpsertDrawing merges a drawing by id: replace if present, append if
// absent. Applying the same payload twice leaves exactly one drawing.
func (st *State) UpsertDrawing(d scene.Drawing) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.drawings {
		if st.drawings[i].ID == d.ID {
			st.drawings[i] = d
			return
		}
	}
	st.drawings = append(st.drawings, d)
}

// RemoveDrawing deletes a drawing by id. Removing an absent drawing is a
// no-op, which makes duplicate drawing_removed delivery harmless.
func (st *State) RemoveDrawing(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.drawings {
		if st.drawings[i].ID == id {
			st.drawings = append(st.drawings[:i], st.drawings[i+1:]...)
			return
		}
	}
}

// UpsertTopElement merges an element into the top layer by id.
func (st *State) UpsertTopElement(el scene.PlacedElement) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.scene.TopLayer = upsertElement(st.scene.TopLayer, el)
	st.cache[st.scene.ID] = st.scene
}

// UpsertMiddleElement merges an element into the middle layer by id.
func (st *State) UpsertMiddleElement(el scene.PlacedElement) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.scene.MiddleLayer = upsertElement(st.scene.MiddleLayer, el)
	st.cache[st.scene.ID] = st.scene
}

func upsertElement(layer []scene.PlacedElement, el scene.PlacedElement) []scene.PlacedElement {
	for i := range layer {
		if layer[i].ID == el.ID {
			layer[i] = el
			return layer
		}
	}
	return append(layer, el)
}

// MutateScene applies fn to the active scene under lock. Used by local
// editing operations (grid, scale, darkness).
func (st *State) MutateScene(fn func(*scene.Scene)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.scene)
	st.cache[st.scene.ID] = st.scene
}

// SetCharacter stores a character record by id.
func (st *State) SetCharacter(c scene.Character) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.characters[c.ID] = c
}

// Character returns a character record by id.
func (st *State) Character(id string) (scene.Character, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	c, ok := st.characters[id]
	return c, ok
}

// SetNotes replaces the shared note list.
func (st *State) SetNotes(notes []scene.Note) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.notes = append([]scene.Note{}, notes...)
}

// Notes returns the shared note list.
func (st *State) Notes() []scene.Note {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]scene.Note{}, st.notes...)
}

// AppendMessage adds a chat line unless one with the same id is already
// present.
func (st *State) AppendMessage(m scene.ChatMessage) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.messages {
		if st.messages[i].ID == m.ID {
			return
		}
	}
	st.messages = append(st.messages, m)
}

// Messages returns the chat log, oldest first.
func (st *State) Messages() []scene.ChatMessage {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]scene.ChatMessage{}, st.messages...)
}

// SetRoster stores the latest room roster.
func (st *State) SetRoster(users []hub.RosterEntry) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.roster = append([]hub.RosterEntry{}, users...)
}

// Roster returns the latest room roster.
func (st *State) Roster() []hub.RosterEntry {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]hub.RosterEntry{}, st.roster...)
}
