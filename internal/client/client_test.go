package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"vtt/internal/hub"
	"vtt/internal/scene"
)

// stubServer fakes the persistence API plus the hub websocket endpoint so
// the client can be exercised in isolation.
type stubServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	scenes     map[int64]scene.Scene
	degraded   map[int64]bool
	sceneGets  map[int64]int
	scenePuts  map[int64]int
	intents    chan hub.Intent
	wsUpgrader websocket.Upgrader
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{
		scenes:    make(map[int64]scene.Scene),
		degraded:  make(map[int64]bool),
		sceneGets: make(map[int64]int),
		scenePuts: make(map[int64]int),
		intents:   make(chan hub.Intent, 32),
	}
	s.wsUpgrader.CheckOrigin = func(r *http.Request) bool { return true }

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				var intent hub.Intent
				if err := conn.ReadJSON(&intent); err != nil {
					return
				}
				s.intents <- intent
			}
		}()
	})
	mux.HandleFunc("/scenes/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/scenes/"), "/"), "/")
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}

		if len(parts) == 2 && parts[1] == "drawings" {
			json.NewEncoder(w).Encode([]scene.Drawing{})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			s.sceneGets[id]++
			sc, ok := s.scenes[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			if s.degraded[id] {
				w.Header().Set("X-Scene-Degraded", "corrupt")
			}
			json.NewEncoder(w).Encode(sc)
		case http.MethodPut:
			s.scenePuts[id]++
			var sc scene.Scene
			if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
				http.Error(w, "bad scene", http.StatusBadRequest)
				return
			}
			sc.ID = id
			sc.SavedAt = time.Now().UTC()
			s.scenes[id] = sc
			json.NewEncoder(w).Encode(sc)
		}
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubServer) puts(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenePuts[id]
}

func (s *stubServer) gets(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sceneGets[id]
}

func (s *stubServer) seedScene(sc scene.Scene) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenes[sc.ID] = sc
}

func (s *stubServer) markDegraded(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded[id] = true
}

func newTestClient(t *testing.T, s *stubServer, clock clockwork.Clock) *Client {
	t.Helper()
	c := New(Config{
		ServerURL:      s.srv.URL,
		Name:           "ann",
		Role:           scene.RoleGM,
		SaveDelay:      300 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		Clock:          clock,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(c.Close)
	return c
}

func expectIntent(t *testing.T, s *stubServer, want hub.EventType, sceneID string) {
	t.Helper()
	select {
	case intent := <-s.intents:
		if intent.Type != want || string(intent.SceneID) != sceneID {
			t.Fatalf("expected %s(%s), got %s(%s)", want, sceneID, intent.Type, intent.SceneID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s(%s)", want, sceneID)
	}
}

func TestEchoIdempotence(t *testing.T) {
	s := newStubServer(t)
	c := newTestClient(t, s, clockwork.NewFakeClock())
	c.state.ReplaceScene(scene.Default(7), nil)

	d := scene.Drawing{ID: "d1", SceneID: 7, Color: "#fff"}
	payload, _ := json.Marshal(d)
	ev := hub.Event{Type: hub.TypeDrawingAdded, Payload: payload}

	c.handleEvent(ev)
	c.handleEvent(ev)

	drawings := c.state.Drawings()
	if len(drawings) != 1 || drawings[0].ID != "d1" {
		t.Fatalf("expected exactly one drawing after duplicate delivery, got %+v", drawings)
	}
}

func TestForeignSceneEventsIgnored(t *testing.T) {
	s := newStubServer(t)
	c := newTestClient(t, s, clockwork.NewFakeClock())
	c.state.ReplaceScene(scene.Default(9), nil)

	d := scene.Drawing{ID: "d1", SceneID: 7, Color: "#fff"}
	payload, _ := json.Marshal(d)
	c.handleEvent(hub.Event{Type: hub.TypeDrawingAdded, Payload: payload})

	if got := c.state.Drawings(); len(got) != 0 {
		t.Fatalf("expected drawing for scene 7 to be ignored on scene 9, got %+v", got)
	}

	grid := 99
	patch, _ := json.Marshal(hub.SceneUpdatedPayload{SceneID: 7, ScenePatch: hub.ScenePatch{GridSize: &grid}})
	c.handleEvent(hub.Event{Type: hub.TypeSceneUpdated, Payload: patch})

	if c.state.ActiveScene().GridSize != scene.DefaultGridSize {
		t.Fatalf("expected foreign scene_updated to leave the grid untouched")
	}
}

func TestNoSelfClobber(t *testing.T) {
	s := newStubServer(t)
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, s, clock)

	sc := scene.Default(42)
	sc.TopLayer = []scene.PlacedElement{{ID: "tok-1", X: 0, Y: 0, CharacterID: "char-1"}}
	c.state.ReplaceScene(sc, nil)

	// Local move: optimistic apply plus one coalesced save.
	c.MoveToken("tok-1", 163, 287)
	clock.Advance(300 * time.Millisecond)
	waitForPuts(t, s, 42, 1)

	// The hub echoes the mutation back; applying it must not schedule a
	// second persistence write.
	echo, _ := json.Marshal(hub.SceneUpdatedPayload{
		SceneID:    42,
		ScenePatch: hub.ScenePatch{TopLayer: c.state.ActiveScene().TopLayer},
	})
	c.handleEvent(hub.Event{Type: hub.TypeSceneUpdated, Payload: echo})
	clock.Advance(time.Second)

	time.Sleep(100 * time.Millisecond)
	if got := s.puts(42); got != 1 {
		t.Fatalf("expected exactly 1 save, got %d", got)
	}
}

func waitForPuts(t *testing.T, s *stubServer, sceneID int64, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.puts(sceneID) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d saves for scene %d, got %d", want, sceneID, s.puts(sceneID))
}

func TestMoveTokenSnapsToGrid(t *testing.T) {
	s := newStubServer(t)
	c := newTestClient(t, s, clockwork.NewFakeClock())

	sc := scene.Default(42) // 50px grid
	sc.TopLayer = []scene.PlacedElement{{ID: "tok-1", X: 0, Y: 0, CharacterID: "char-1"}}
	c.state.ReplaceScene(sc, nil)

	c.MoveToken("tok-1", 163, 287)

	tok := c.state.ActiveScene().TopLayer[0]
	if tok.X != 150 || tok.Y != 300 {
		t.Fatalf("expected snap to (150,300), got (%v,%v)", tok.X, tok.Y)
	}
}

func TestSwitchSceneLeavesBeforeJoining(t *testing.T) {
	s := newStubServer(t)
	s.seedScene(scene.Default(1))
	s.seedScene(scene.Default(2))
	c := newTestClient(t, s, clockwork.NewFakeClock())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.SwitchScene(context.Background(), 1); err != nil {
		t.Fatalf("switch to 1: %v", err)
	}
	expectIntent(t, s, hub.TypeJoinScene, "1")

	if err := c.SwitchScene(context.Background(), 2); err != nil {
		t.Fatalf("switch to 2: %v", err)
	}
	expectIntent(t, s, hub.TypeLeaveScene, "1")
	expectIntent(t, s, hub.TypeJoinScene, "2")

	// Switching to the active scene is a no-op: no further intents.
	if err := c.SwitchScene(context.Background(), 2); err != nil {
		t.Fatalf("switch to 2 again: %v", err)
	}
	select {
	case intent := <-s.intents:
		t.Fatalf("expected no intent, got %s(%s)", intent.Type, intent.SceneID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoadSceneMissingFallsBackToDefault(t *testing.T) {
	s := newStubServer(t)
	c := newTestClient(t, s, clockwork.NewFakeClock())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.SwitchScene(context.Background(), 5); err != nil {
		t.Fatalf("switch: %v", err)
	}

	sc := c.state.ActiveScene()
	if sc.ID != 5 || sc.GridSize != scene.DefaultGridSize || len(sc.TopLayer) != 0 {
		t.Fatalf("expected default scene fallback, got %+v", sc)
	}

	select {
	case n := <-c.Notices():
		if n.Level != "warning" {
			t.Fatalf("expected warning notice, got %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a recoverable notice")
	}
}

// A snapshot the server rebuilt from a corrupt row still loads, but the user
// hears about it.
func TestLoadSceneDegradedSnapshotWarns(t *testing.T) {
	s := newStubServer(t)
	s.seedScene(scene.Default(6))
	s.markDegraded(6)
	c := newTestClient(t, s, clockwork.NewFakeClock())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.SwitchScene(context.Background(), 6); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if c.state.ActiveSceneID() != 6 {
		t.Fatalf("expected the degraded scene to load, active is %d", c.state.ActiveSceneID())
	}

	select {
	case n := <-c.Notices():
		if n.Level != "warning" {
			t.Fatalf("expected warning notice, got %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a recoverable notice")
	}
}

func TestForceSceneChangeUsesCacheOrFetches(t *testing.T) {
	s := newStubServer(t)
	s.seedScene(scene.Default(3))
	s.seedScene(scene.Default(5))
	c := newTestClient(t, s, clockwork.NewFakeClock())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.SwitchScene(context.Background(), 3); err != nil {
		t.Fatalf("switch: %v", err)
	}
	expectIntent(t, s, hub.TypeJoinScene, "3")
	fetchesBefore := s.gets(5)

	// Unknown scene: must be fetched and loaded.
	payload, _ := json.Marshal(hub.ForceSceneChangePayload{SceneID: "5"})
	c.handleEvent(hub.Event{Type: hub.TypeForceSceneChange, Payload: payload})

	expectIntent(t, s, hub.TypeLeaveScene, "3")
	expectIntent(t, s, hub.TypeJoinScene, "5")
	if c.state.ActiveSceneID() != 5 {
		t.Fatalf("expected active scene 5, got %d", c.state.ActiveSceneID())
	}
	if s.gets(5) != fetchesBefore+1 {
		t.Fatalf("expected one fetch of scene 5")
	}

	// Already on the target: no-op, no intents, no fetches.
	c.handleEvent(hub.Event{Type: hub.TypeForceSceneChange, Payload: payload})
	select {
	case intent := <-s.intents:
		t.Fatalf("expected no intent, got %s(%s)", intent.Type, intent.SceneID)
	case <-time.After(100 * time.Millisecond):
	}
	if s.gets(5) != fetchesBefore+1 {
		t.Fatalf("expected no re-fetch when already on the scene")
	}

	// Back to a scene seen before: served from the local cache.
	payload3, _ := json.Marshal(hub.ForceSceneChangePayload{SceneID: "3"})
	fetches3 := s.gets(3)
	c.handleEvent(hub.Event{Type: hub.TypeForceSceneChange, Payload: payload3})
	expectIntent(t, s, hub.TypeLeaveScene, "5")
	expectIntent(t, s, hub.TypeJoinScene, "3")
	if c.state.ActiveSceneID() != 3 {
		t.Fatalf("expected active scene 3, got %d", c.state.ActiveSceneID())
	}
	if s.gets(3) != fetches3 {
		t.Fatalf("expected cached scene 3, not a re-fetch")
	}
}
