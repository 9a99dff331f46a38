package tiledisplay

import (
	"fmt"

	"github.com/chewxy/math32"
	"gopkg.in/yaml.v3"
)

// Vector3 is a point or direction in room coordinates.
type Vector3 struct {
	X float32
	Y float32
	Z float32
}

// Vec3 returns a new Vector3 with the given components.
func Vec3(x, y, z float32) Vector3 {
	return Vector3{X: x, Y: y, Z: z}
}

func (v Vector3) Sub(other Vector3) Vector3 {
	return Vec3(v.X-other.X, v.Y-other.Y, v.Z-other.Z)
}

func (v Vector3) DivScalar(s float32) Vector3 {
	return Vec3(v.X/s, v.Y/s, v.Z/s)
}

// Cross returns the cross product v x other.
func (v Vector3) Cross(other Vector3) Vector3 {
	return Vec3(
		v.Y*other.Z-v.Z*other.Y,
		v.Z*other.X-v.X*other.Z,
		v.X*other.Y-v.Y*other.X,
	)
}

func (v Vector3) Dot(other Vector3) float32 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

func (v Vector3) Length() float32 {
	return math32.Sqrt(v.Dot(v))
}

// Normal returns v scaled to unit length; the zero vector stays zero.
func (v Vector3) Normal() Vector3 {
	l := v.Length()
	if l == 0 {
		return v
	}
	return v.DivScalar(l)
}

// IsFinite reports whether no component is NaN or infinite.
func (v Vector3) IsFinite() bool {
	for _, c := range [...]float32{v.X, v.Y, v.Z} {
		if math32.IsNaN(c) || math32.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// IsEqual reports whether v and other differ by at most tol in every component.
func (v Vector3) IsEqual(other Vector3, tol float32) bool {
	d := v.Sub(other)
	return math32.Abs(d.X) <= tol && math32.Abs(d.Y) <= tol && math32.Abs(d.Z) <= tol
}

// UnmarshalYAML decodes a [x, y, z] sequence.
func (v *Vector3) UnmarshalYAML(n *yaml.Node) error {
	var c []float32
	if err := n.Decode(&c); err != nil {
		return err
	}
	if len(c) != 3 {
		return fmt.Errorf("line %d: vector has %d components, want 3", n.Line, len(c))
	}
	*v = Vec3(c[0], c[1], c[2])
	return nil
}
