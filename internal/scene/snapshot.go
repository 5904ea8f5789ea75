package scene

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorruptSnapshot marks a persisted scene document that could not be
// decoded. Callers receive a usable default scene alongside it and must treat
// the condition as recoverable.
var ErrCorruptSnapshot = errors.New("corrupt scene snapshot")

// EncodeSnapshot serializes a scene for whole-document storage.
func EncodeSnapshot(s Scene) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode scene %d: %w", s.ID, err)
	}
	return data, nil
}

// DecodeSnapshot parses a persisted scene document. Malformed input never
// propagates a decode error: the caller gets Default(id) and
// ErrCorruptSnapshot instead, so a broken row degrades to an empty scene.
func DecodeSnapshot(id int64, data []byte) (Scene, error) {
	var s Scene
	if err := json.Unmarshal(data, &s); err != nil {
		return Default(id), fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	s.ID = id
	normalize(&s)
	return s, nil
}

// normalize clamps decoded values into the ranges the data model guarantees.
func normalize(s *Scene) {
	if s.GridSize <= 0 {
		s.GridSize = DefaultGridSize
	}
	if s.GridColor == "" {
		s.GridColor = "transparent"
	}
	if s.Scale <= 0 {
		s.Scale = 1.0
	}
	if s.MiddleLayer == nil {
		s.MiddleLayer = []PlacedElement{}
	}
	if s.TopLayer == nil {
		s.TopLayer = []PlacedElement{}
	}
}
