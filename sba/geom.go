package sba

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Pose is a camera exterior orientation: position of the projection
// center in the world frame and a rotation stored as an axis-angle
// vector (direction = rotation axis, norm = angle in radians).
type Pose struct {
	Position r3.Vector
	Rotation r3.Vector
}

// NewPose creates a pose from a position and an axis-angle rotation.
func NewPose(position, rotation r3.Vector) Pose {
	return Pose{
		Position: position,
		Rotation: rotation,
	}
}

// PoseFromSlice unpacks a 6-element parameter block (position followed
// by axis-angle rotation) into a Pose.
func PoseFromSlice(p []float64) Pose {
	return Pose{
		Position: r3.Vector{X: p[0], Y: p[1], Z: p[2]},
		Rotation: r3.Vector{X: p[3], Y: p[4], Z: p[5]},
	}
}

// Slice packs the pose into a 6-element parameter block.
func (pose Pose) Slice() []float64 {
	return []float64{
		pose.Position.X, pose.Position.Y, pose.Position.Z,
		pose.Rotation.X, pose.Rotation.Y, pose.Rotation.Z,
	}
}

// WorldToCamera returns the 3x3 rotation matrix taking world-frame
// vectors into the camera frame. The stored axis-angle is the
// camera-to-world rotation, so this is its transpose.
func (pose Pose) WorldToCamera() *mat.Dense {
	var rt mat.Dense
	rt.CloneFrom(rodrigues(pose.Rotation).T())
	return &rt
}

// rodrigues builds the rotation matrix for an axis-angle vector.
func rodrigues(axisAngle r3.Vector) *mat.Dense {
	theta := axisAngle.Norm()
	rot := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
	if theta < 1e-14 {
		return rot
	}
	k := axisAngle.Mul(1.0 / theta)
	kx := mat.NewDense(3, 3, []float64{
		0, -k.Z, k.Y,
		k.Z, 0, -k.X,
		-k.Y, k.X, 0,
	})
	sinT, cosT := math.Sin(theta), math.Cos(theta)

	var kx2 mat.Dense
	kx2.Mul(kx, kx)

	var term1, term2 mat.Dense
	term1.Scale(sinT, kx)
	term2.Scale(1-cosT, &kx2)
	rot.Add(rot, &term1)
	rot.Add(rot, &term2)
	return rot
}

// rotateVec applies a gonum 3x3 rotation matrix to an r3 vector.
func rotateVec(rot mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*v.X + rot.At(0, 1)*v.Y + rot.At(0, 2)*v.Z,
		Y: rot.At(1, 0)*v.X + rot.At(1, 1)*v.Y + rot.At(1, 2)*v.Z,
		Z: rot.At(2, 0)*v.X + rot.At(2, 1)*v.Y + rot.At(2, 2)*v.Z,
	}
}

// rotateVecT applies the transpose (inverse) of a rotation matrix to an
// r3 vector without materializing the transpose.
func rotateVecT(rot mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*v.X + rot.At(1, 0)*v.Y + rot.At(2, 0)*v.Z,
		Y: rot.At(0, 1)*v.X + rot.At(1, 1)*v.Y + rot.At(2, 1)*v.Z,
		Z: rot.At(0, 2)*v.X + rot.At(1, 2)*v.Y + rot.At(2, 2)*v.Z,
	}
}
