// Package mesh defines the snapshot document producers send through the relay.
//
// The relay itself treats payloads as opaque bytes; this package is used by
// the producer tooling to build and validate what it sends, and by tests.
package mesh

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var ErrInvalidSnapshot = errors.New("invalid mesh snapshot")

// Snapshot is one triangulated mesh in world space.
type Snapshot struct {
	Vertices  [][3]float64 `json:"vertices"`
	Faces     [][3]uint32  `json:"faces"`
	Name      string       `json:"name,omitempty"`
	Transform *Transform   `json:"transform,omitempty"`
}

// Transform is a 4x4 matrix in row-major order. It decodes from either a flat
// array of 16 numbers or four rows of four, and encodes as rows.
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func (t Transform) MarshalJSON() ([]byte, error) {
	rows := [4][4]float64{}
	for i := range 4 {
		copy(rows[i][:], t[i*4:i*4+4])
	}
	return json.Marshal(rows)
}

func (t *Transform) UnmarshalJSON(data []byte) error {
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err == nil {
		if len(rows) != 4 {
			return fmt.Errorf("transform must have 4 rows, got %d", len(rows))
		}
		for i, row := range rows {
			if len(row) != 4 {
				return fmt.Errorf("transform row %d must have 4 columns, got %d", i, len(row))
			}
			copy(t[i*4:], row)
		}
		return nil
	}

	var flat []float64
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("transform must be 16 numbers or 4 rows of 4: %w", err)
	}
	if len(flat) != 16 {
		return fmt.Errorf("transform must have 16 values, got %d", len(flat))
	}
	copy(t[:], flat)
	return nil
}

// Parse decodes and validates a snapshot. Unknown fields are rejected.
func Parse(data []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrInvalidSnapshot)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the snapshot is renderable: vertices and faces are
// present, coordinates are finite and every face index refers to a vertex.
func (s *Snapshot) Validate() error {
	if s.Vertices == nil {
		return fmt.Errorf("%w: missing vertices", ErrInvalidSnapshot)
	}
	if s.Faces == nil {
		return fmt.Errorf("%w: missing faces", ErrInvalidSnapshot)
	}

	for i, v := range s.Vertices {
		for _, c := range v {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return fmt.Errorf("%w: vertex %d has a non-finite coordinate", ErrInvalidSnapshot, i)
			}
		}
	}

	n := uint32(len(s.Vertices))
	for i, f := range s.Faces {
		for _, idx := range f {
			if idx >= n {
				return fmt.Errorf("%w: face %d references vertex %d of %d", ErrInvalidSnapshot, i, idx, n)
			}
		}
	}

	if s.Transform != nil {
		for _, c := range s.Transform {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return fmt.Errorf("%w: transform has a non-finite value", ErrInvalidSnapshot)
			}
		}
	}
	return nil
}

// Encode returns the canonical JSON form sent on the wire.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}
