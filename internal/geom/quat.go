package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Identity is the no-op rotation.
var Identity = quat.Number{Real: 1}

// Normalize scales q to unit length. The zero quaternion maps to Identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < Epsilon*Epsilon || math.IsNaN(n) {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// Rotate applies the unit quaternion q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	return r3.Rotation(q).Rotate(v)
}

// AxisAngle builds the rotation of angle radians about axis.
func AxisAngle(axis r3.Vec, angle float64) quat.Number {
	return quat.Number(r3.NewRotation(angle, axis))
}

// FindBetween returns the shortest-arc rotation taking direction a onto
// direction b. Neither needs to be normalised.
func FindBetween(a, b r3.Vec) quat.Number {
	na, nb := r3.Norm(a), r3.Norm(b)
	if na < Epsilon || nb < Epsilon {
		return Identity
	}
	a, b = r3.Scale(1/na, a), r3.Scale(1/nb, b)

	w := 1 + r3.Dot(a, b)
	if w < 1e-6 {
		// Antiparallel: any axis orthogonal to a does.
		axis := r3.Vec{X: -a.Z, Z: a.X}
		if math.Abs(a.X) <= math.Abs(a.Z) {
			axis = r3.Vec{Y: -a.Z, Z: a.Y}
		}
		return Normalize(quat.Number{Imag: axis.X, Jmag: axis.Y, Kmag: axis.Z})
	}
	c := r3.Cross(a, b)
	return Normalize(quat.Number{Real: w, Imag: c.X, Jmag: c.Y, Kmag: c.Z})
}

// AngleDeg is the angle between two directions in degrees. Rounding that
// pushes the cosine past ±1 is clamped instead of producing NaN.
func AngleDeg(a, b r3.Vec) float64 {
	na, nb := r3.Norm(a), r3.Norm(b)
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	c := r3.Dot(a, b) / (na * nb)
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * 180 / math.Pi
}

// Unit normalises v, returning the zero vector for (near) zero input instead
// of NaNs.
func Unit(v r3.Vec) r3.Vec {
	n := r3.Norm(v)
	if n < Epsilon*Epsilon {
		return r3.Vec{}
	}
	return r3.Scale(1/n, v)
}
