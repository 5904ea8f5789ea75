// Package client implements the tabletop client core: the reconciliation
// layer that keeps local state consistent with both user intent and hub
// broadcasts, and the orchestrator that persists local changes without
// echoing remote ones back to the store.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"vtt/internal/scene"
)

// ErrNotFound is returned for 404 responses. A delete racing another client's
// delete lands here and is harmless.
var ErrNotFound = errors.New("not found")

// API talks to the persistence endpoints. Every call carries the configured
// request timeout so a stalled store write is reported instead of hanging
// the UI path forever.
type API struct {
	baseURL string
	http    *http.Client
}

// NewAPI builds an API client for the given server base URL.
func NewAPI(baseURL string, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &API{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// degradedHeader is set by the server on a scene response rebuilt from a
// corrupt snapshot.
const degradedHeader = "X-Scene-Degraded"

// FetchScene loads the persisted snapshot for a scene. When the server could
// only restore the default in place of a corrupt row, the scene is returned
// together with scene.ErrCorruptSnapshot so the caller can tell the user.
func (a *API) FetchScene(ctx context.Context, id int64) (scene.Scene, error) {
	path := fmt.Sprintf("/scenes/%d", id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return scene.Scene{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return scene.Scene{}, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return scene.Scene{}, fmt.Errorf("GET %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return scene.Scene{}, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}

	var sc scene.Scene
	if err := json.NewDecoder(resp.Body).Decode(&sc); err != nil {
		return scene.Scene{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Header.Get(degradedHeader) != "" {
		return sc, fmt.Errorf("scene %d: %w", id, scene.ErrCorruptSnapshot)
	}
	return sc, nil
}

// SaveScene replaces the persisted snapshot wholesale and returns the
// canonical record with the server-assigned timestamp.
func (a *API) SaveScene(ctx context.Context, sc scene.Scene) (scene.Scene, error) {
	var saved scene.Scene
	err := a.do(ctx, http.MethodPut, fmt.Sprintf("/scenes/%d", sc.ID), sc, &saved)
	if err != nil {
		return scene.Scene{}, err
	}
	return saved, nil
}

// FetchDrawings loads a scene's independently stored drawings.
func (a *API) FetchDrawings(ctx context.Context, sceneID int64) ([]scene.Drawing, error) {
	var drawings []scene.Drawing
	err := a.do(ctx, http.MethodGet, fmt.Sprintf("/scenes/%d/drawings", sceneID), nil, &drawings)
	if err != nil {
		return nil, err
	}
	return drawings, nil
}

// PostDrawing persists a new drawing and returns the canonical record.
func (a *API) PostDrawing(ctx context.Context, d scene.Drawing) (scene.Drawing, error) {
	var saved scene.Drawing
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/scenes/%d/drawings", d.SceneID), d, &saved)
	if err != nil {
		return scene.Drawing{}, err
	}
	return saved, nil
}

// DeleteDrawing removes a drawing row. ErrNotFound is a normal outcome when
// another client deleted it first.
func (a *API) DeleteDrawing(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/drawings/"+id, nil, nil)
}

// PlaceToken persists a player-placed token and returns the canonical
// element.
func (a *API) PlaceToken(ctx context.Context, sceneID int64, el scene.PlacedElement) (scene.PlacedElement, error) {
	var saved scene.PlacedElement
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/scenes/%d/tokens", sceneID), el, &saved)
	if err != nil {
		return scene.PlacedElement{}, err
	}
	return saved, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
