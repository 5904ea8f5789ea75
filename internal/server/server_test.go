package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"vtt/internal/client"
	"vtt/internal/hub"
	"vtt/internal/scene"
	"vtt/internal/store"
)

type testEnv struct {
	t         *testing.T
	store     *store.Store
	hub       *hub.Hub
	server    *Server
	srv       *httptest.Server
	dbPath    string
	scenePuts atomic.Int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hubCfg := hub.DefaultConfig()
	hubCfg.CheckOrigin = func(r *http.Request) bool { return true }
	h := hub.New(hubCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Start(ctx)

	cfg := Config{
		Port:           "0",
		AllowedOrigins: []string{"*"},
		FrontendDir:    t.TempDir(),
		ChatHistory:    200,
	}
	srv := New(cfg, logger, st, h)

	env := &testEnv{t: t, store: st, hub: h, server: srv, dbPath: dbPath}
	handler := srv.Handler()
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/scenes/") {
			env.scenePuts.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(env.srv.Close)

	return env
}

func (env *testEnv) request(method, path string, body any) *http.Response {
	env.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			env.t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, reader)
	if err != nil {
		env.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		env.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(http.MethodGet, "/healthz", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSceneRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(http.MethodGet, "/scenes/42", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unsaved scene, got %d", resp.StatusCode)
	}

	sc := scene.Default(42)
	sc.Background = "/maps/crypt.jpg"
	sc.TopLayer = []scene.PlacedElement{{ID: "hero", Image: "/tokens/hero.png", X: 100, Y: 150}}

	saved := decodeBody[scene.Scene](t, env.request(http.MethodPut, "/scenes/42", sc))
	if saved.ID != 42 {
		t.Fatalf("expected scene id 42, got %d", saved.ID)
	}
	if saved.SavedAt.IsZero() {
		t.Fatal("expected server-assigned save timestamp")
	}

	loaded := decodeBody[scene.Scene](t, env.request(http.MethodGet, "/scenes/42", nil))
	if loaded.Background != "/maps/crypt.jpg" {
		t.Fatalf("background not persisted: %q", loaded.Background)
	}
	if len(loaded.TopLayer) != 1 || loaded.TopLayer[0].ID != "hero" {
		t.Fatalf("top layer not persisted: %+v", loaded.TopLayer)
	}
}

func TestSceneInvalidID(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(http.MethodGet, "/scenes/crypt", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// A scene row that no longer decodes is served as the default with the
// degraded marker so clients can tell a restored default from a real one.
func TestCorruptSceneServedAsFlaggedDefault(t *testing.T) {
	env := newTestEnv(t)

	sc := scene.Default(9)
	sc.Background = "/maps/keep.jpg"
	resp := env.request(http.MethodPut, "/scenes/9", sc)
	resp.Body.Close()

	// Wreck the stored payload underneath the server.
	db, err := sql.Open("sqlite", env.dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE scenes SET payload = '{"id": nope' WHERE id = 9`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	resp = env.request(http.MethodGet, "/scenes/9", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Scene-Degraded") == "" {
		t.Fatal("expected degraded marker on corrupt snapshot")
	}
	loaded := decodeBody[scene.Scene](t, resp)
	if loaded.ID != 9 || loaded.Background != "" {
		t.Fatalf("expected the default scene, got %+v", loaded)
	}
}

func TestDrawingLifecycle(t *testing.T) {
	env := newTestEnv(t)

	d := scene.Drawing{
		Path:      []scene.PathCommand{{Op: scene.OpMove, X: 0, Y: 0}, {Op: scene.OpLine, X: 50, Y: 50}},
		Color:     "#ff0000",
		CreatedBy: "Mira",
	}
	created := decodeBody[scene.Drawing](t, env.request(http.MethodPost, "/scenes/7/drawings", d))
	if created.ID == "" {
		t.Fatal("expected server-assigned drawing id")
	}
	if created.SceneID != 7 {
		t.Fatalf("expected scene id 7, got %d", created.SceneID)
	}

	list := decodeBody[[]scene.Drawing](t, env.request(http.MethodGet, "/scenes/7/drawings", nil))
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("expected one drawing, got %+v", list)
	}

	resp := env.request(http.MethodDelete, "/drawings/"+created.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", resp.StatusCode)
	}

	resp = env.request(http.MethodDelete, "/drawings/"+created.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.StatusCode)
	}
}

func TestDrawingEmptyPathRejected(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(http.MethodPost, "/scenes/7/drawings", scene.Drawing{Color: "#fff"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTokenPlacementMergesTopLayer(t *testing.T) {
	env := newTestEnv(t)

	el := scene.PlacedElement{ID: "goblin", Image: "/tokens/goblin.png", X: 50, Y: 50}
	resp := env.request(http.MethodPost, "/scenes/5/tokens", el)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// Placing the same token again moves it rather than duplicating it.
	el.X, el.Y = 200, 250
	resp = env.request(http.MethodPost, "/scenes/5/tokens", el)
	resp.Body.Close()

	loaded := decodeBody[scene.Scene](t, env.request(http.MethodGet, "/scenes/5", nil))
	if len(loaded.TopLayer) != 1 {
		t.Fatalf("expected one token, got %d", len(loaded.TopLayer))
	}
	if loaded.TopLayer[0].X != 200 || loaded.TopLayer[0].Y != 250 {
		t.Fatalf("token not moved: %+v", loaded.TopLayer[0])
	}
}

func TestNotesReplacedWholesale(t *testing.T) {
	env := newTestEnv(t)

	first := []scene.Note{{ID: "n1", Title: "Session 1", Body: "The party met at the tavern."}}
	resp := env.request(http.MethodPut, "/notes", first)
	resp.Body.Close()

	second := []scene.Note{{ID: "n2", Title: "Session 2", Body: "Everything burned down."}}
	resp = env.request(http.MethodPut, "/notes", second)
	resp.Body.Close()

	notes := decodeBody[[]scene.Note](t, env.request(http.MethodGet, "/notes", nil))
	if len(notes) != 1 || notes[0].ID != "n2" {
		t.Fatalf("expected wholesale replacement, got %+v", notes)
	}
}

func TestMessagesPostAndFetch(t *testing.T) {
	env := newTestEnv(t)

	m := decodeBody[scene.ChatMessage](t, env.request(http.MethodPost, "/messages", scene.ChatMessage{Author: "Mira", Body: "roll for initiative"}))
	if m.ID == "" || m.CreatedAt.IsZero() {
		t.Fatalf("expected canonical message, got %+v", m)
	}

	resp := env.request(http.MethodPost, "/messages", scene.ChatMessage{Author: "Mira", Body: "   "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", resp.StatusCode)
	}

	messages := decodeBody[[]scene.ChatMessage](t, env.request(http.MethodGet, "/messages", nil))
	if len(messages) != 1 || messages[0].Body != "roll for initiative" {
		t.Fatalf("unexpected history: %+v", messages)
	}
}

func TestCharacterUpsert(t *testing.T) {
	env := newTestEnv(t)

	c := scene.Character{Name: "Mira", Health: 12, MaxHealth: 20}
	saved := decodeBody[scene.Character](t, env.request(http.MethodPut, "/characters/mira", c))
	if saved.ID != "mira" {
		t.Fatalf("expected id from path, got %q", saved.ID)
	}
	if saved.UpdatedAt.IsZero() {
		t.Fatal("expected server-assigned update timestamp")
	}
}

func TestSecondGMRefusedOnConnect(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?name=gm1&role=gm&scene=1", nil)
	if err != nil {
		t.Fatalf("first gm dial: %v", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws?name=gm2&role=gm&scene=1", nil)
	if err == nil {
		t.Fatal("expected second gm to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %+v", resp)
	}
}

// Clients join rooms by intent after connecting, so the single-GM rule must
// hold there too: the second GM switching onto an occupied scene is dropped
// and the room keeps exactly one member.
func TestSecondGMSwitchingToOccupiedSceneDropped(t *testing.T) {
	env := newTestEnv(t)

	newSceneClient(t, env, "gm1", scene.RoleGM, 1)

	usurper := client.New(client.Config{
		ServerURL: env.srv.URL,
		Name:      "gm2",
		Role:      scene.RoleGM,
		SaveDelay: 300 * time.Millisecond,
		Clock:     clockwork.NewFakeClock(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := usurper.Connect(ctx); err != nil {
		t.Fatalf("connect gm2: %v", err)
	}
	t.Cleanup(usurper.Close)
	_ = usurper.SwitchScene(ctx, 1)

	deadline := time.After(3 * time.Second)
	for dropped := false; !dropped; {
		select {
		case n := <-usurper.Notices():
			dropped = n.Message == "lost connection to table"
		case <-deadline:
			t.Fatal("expected the second gm to be dropped")
		}
	}

	if got := len(env.hub.Registry().MembersOf("1")); got != 1 {
		t.Fatalf("expected only the first gm in room 1, got %d members", got)
	}
}

func newSceneClient(t *testing.T, env *testEnv, name string, role scene.Role, sceneID int64) (*client.Client, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c := client.New(client.Config{
		ServerURL: env.srv.URL,
		Name:      name,
		Role:      role,
		SaveDelay: 300 * time.Millisecond,
		Clock:     clock,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	t.Cleanup(c.Close)
	if err := c.SwitchScene(ctx, sceneID); err != nil {
		t.Fatalf("switch %s to scene %d: %v", name, sceneID, err)
	}
	return c, clock
}

// A token move is persisted once by the mover and reaches the rest of the
// room through the hub; receivers apply it without writing it back.
func TestTokenMoveFansOutWithoutEchoSave(t *testing.T) {
	env := newTestEnv(t)

	gm, gmClock := newSceneClient(t, env, "gm", scene.RoleGM, 1)
	player, playerClock := newSceneClient(t, env, "player", scene.RolePlayer, 1)

	gm.PlaceElement(scene.PlacedElement{ID: "hero", Image: "/tokens/hero.png", X: 0, Y: 0}, true)
	gm.MoveToken("hero", 163, 287)
	gmClock.Advance(time.Second)

	waitFor(t, "save to land", func() bool { return env.scenePuts.Load() >= 1 })
	waitFor(t, "player to see move", func() bool {
		for _, el := range player.State().ActiveScene().TopLayer {
			if el.ID == "hero" && el.X == 150 && el.Y == 300 {
				return true
			}
		}
		return false
	})

	// Advancing the receiver's clock must not produce another save: the
	// remote update never arms its orchestrator.
	playerClock.Advance(time.Second)
	gmClock.Advance(time.Second)
	time.Sleep(100 * time.Millisecond)
	if got := env.scenePuts.Load(); got != 1 {
		t.Fatalf("expected exactly one scene save, got %d", got)
	}
}

// Drawings fan out only to the room of their scene.
func TestDrawingStaysInItsScene(t *testing.T) {
	env := newTestEnv(t)

	artist, _ := newSceneClient(t, env, "artist", scene.RolePlayer, 1)
	roommate, _ := newSceneClient(t, env, "roommate", scene.RolePlayer, 1)
	stranger, _ := newSceneClient(t, env, "stranger", scene.RolePlayer, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	path := []scene.PathCommand{{Op: scene.OpMove, X: 0, Y: 0}, {Op: scene.OpLine, X: 10, Y: 10}}
	if _, err := artist.AddDrawing(ctx, path, "#00ff00"); err != nil {
		t.Fatalf("add drawing: %v", err)
	}

	waitFor(t, "roommate to see drawing", func() bool { return len(roommate.State().Drawings()) == 1 })
	if got := len(stranger.State().Drawings()); got != 0 {
		t.Fatalf("drawing leaked into another scene: %d", got)
	}
}

// A GM scene switch drags every connected client along, whatever room they
// are in.
func TestGMForcesSceneChange(t *testing.T) {
	env := newTestEnv(t)

	gm, _ := newSceneClient(t, env, "gm", scene.RoleGM, 1)
	near, _ := newSceneClient(t, env, "near", scene.RolePlayer, 1)
	far, _ := newSceneClient(t, env, "far", scene.RolePlayer, 3)

	if err := gm.DMSetActiveScene(2); err != nil {
		t.Fatalf("set active scene: %v", err)
	}

	for name, c := range map[string]*client.Client{"gm": gm, "near": near, "far": far} {
		waitFor(t, fmt.Sprintf("%s to land in scene 2", name), func() bool {
			return c.State().ActiveSceneID() == 2
		})
	}
}
