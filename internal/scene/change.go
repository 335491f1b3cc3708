package scene

import (
	"encoding/json"
	"fmt"
)

// Kind classifies a detection after frame-pair matching.
type Kind int

const (
	KindUnchanged Kind = iota
	KindAppeared
	KindDisappeared
)

// String returns the lower-case name used in artifacts and logs.
func (k Kind) String() string {
	switch k {
	case KindUnchanged:
		return "unchanged"
	case KindAppeared:
		return "appeared"
	case KindDisappeared:
		return "disappeared"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "unchanged":
		return KindUnchanged, nil
	case "appeared":
		return KindAppeared, nil
	case "disappeared":
		return KindDisappeared, nil
	}
	return 0, fmt.Errorf("unknown change kind %q", s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Point3 is a position in scene (world) coordinates, in meters.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Less orders points lexicographically by (X, Y, Z).
func (p Point3) Less(o Point3) bool {
	if p.X != o.X {
		return p.X < o.X
	}
	if p.Y != o.Y {
		return p.Y < o.Y
	}
	return p.Z < o.Z
}

// Pixel is an integer image coordinate.
type Pixel struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ChangePoint is one 3D position derived from one 2D change detection.
// Weight is the number of observations the point stands for; lifted points
// carry weight 1.
type ChangePoint struct {
	Position   Point3  `json:"position"`
	Kind       Kind    `json:"kind"`
	ImageID    string  `json:"image_id"`
	ClassID    string  `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Pixel      Pixel   `json:"pixel"`
	Weight     int     `json:"weight,omitempty"`
}

// EffectiveWeight returns Weight, treating zero as one.
func (p ChangePoint) EffectiveWeight() int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

// ChangeCluster is a group of change points judged to be the same real-world
// change. All members share one Kind.
type ChangeCluster struct {
	ID          int      `json:"id"`
	Kind        Kind     `json:"kind"`
	ClassID     string   `json:"class_id,omitempty"`
	Centroid    Point3   `json:"centroid"`
	Min         Point3   `json:"min"`
	Max         Point3   `json:"max"`
	MemberCount int      `json:"member_count"`
	Confidence  float64  `json:"confidence"`
	ImageIDs    []string `json:"image_ids"`
}
