// Package lift back-projects 2D change detections into scene space using
// per-image depth maps and pinhole camera parameters.
package lift

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scenechange/internal/scene"
)

// MatrixValidationTolerance bounds the deviation of a pose rotation
// determinant from 1.
const MatrixValidationTolerance = 1e-3

// ErrInvalidCamera is returned for camera parameters that cannot be used
// for back-projection.
var ErrInvalidCamera = errors.New("invalid camera parameters")

// FlipYZ converts a portrait-oriented device frame (Y down, Z forward) into
// a right-handed frame by negating Y and Z.
var FlipYZ = [16]float64{
	1, 0, 0, 0,
	0, -1, 0, 0,
	0, 0, -1, 0,
	0, 0, 0, 1,
}

// Identity4 is the 4x4 identity in row-major order.
var Identity4 = [16]float64{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

// Camera holds the parameters needed to place a pixel in scene space.
//
// Intrinsics is the row-major 3x3 matrix K:
//
//	[[fx  0 cx],
//	 [ 0 fy cy],
//	 [ 0  0  1]]
//
// Pose is the row-major 4x4 camera-to-world transform. Correction, when set,
// is applied to the camera-space point before Pose.
type Camera struct {
	Intrinsics [9]float64   `json:"intrinsics"`
	Pose       [16]float64  `json:"pose"`
	Correction *[16]float64 `json:"correction,omitempty"`
}

// Validate checks that K is invertible and that Pose (and Correction) are
// finite transforms with a [0 0 0 1] bottom row.
func (c *Camera) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil camera", ErrInvalidCamera)
	}
	for _, v := range c.Intrinsics {
		if !isFinite(v) {
			return fmt.Errorf("%w: non-finite intrinsics", ErrInvalidCamera)
		}
	}
	if det := mat.Det(mat.NewDense(3, 3, c.Intrinsics[:])); math.Abs(det) < 1e-12 {
		return fmt.Errorf("%w: singular intrinsics (det=%g)", ErrInvalidCamera, det)
	}
	if err := validateTransform("pose", c.Pose); err != nil {
		return err
	}
	if c.Correction != nil {
		if err := validateTransform("correction", *c.Correction); err != nil {
			return err
		}
	}
	return nil
}

func validateTransform(name string, t [16]float64) error {
	for _, v := range t {
		if !isFinite(v) {
			return fmt.Errorf("%w: non-finite %s", ErrInvalidCamera, name)
		}
	}
	if math.Abs(t[12]) > MatrixValidationTolerance || math.Abs(t[13]) > MatrixValidationTolerance ||
		math.Abs(t[14]) > MatrixValidationTolerance || math.Abs(t[15]-1) > MatrixValidationTolerance {
		return fmt.Errorf("%w: %s bottom row is not [0 0 0 1]", ErrInvalidCamera, name)
	}
	r := mat.NewDense(3, 3, []float64{
		t[0], t[1], t[2],
		t[4], t[5], t[6],
		t[8], t[9], t[10],
	})
	if det := math.Abs(mat.Det(r)); math.Abs(det-1) > MatrixValidationTolerance {
		return fmt.Errorf("%w: %s rotation is not orthonormal (|det|=%g)", ErrInvalidCamera, name, det)
	}
	return nil
}

// PoseFromView inverts a world-to-camera view matrix into a camera-to-world pose.
func PoseFromView(view [16]float64) ([16]float64, error) {
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(4, 4, view[:])); err != nil {
		return [16]float64{}, fmt.Errorf("%w: view matrix not invertible: %v", ErrInvalidCamera, err)
	}
	var pose [16]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			pose[r*4+c] = inv.At(r, c)
		}
	}
	return pose, nil
}

// Projector back-projects pixels for one camera. It precomputes K⁻¹ and the
// combined Pose·Correction transform and is safe for concurrent use.
type Projector struct {
	kInv      *mat.Dense
	transform *mat.Dense
}

// NewProjector validates the camera and prepares a Projector.
func NewProjector(c *Camera) (*Projector, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	kInv := mat.NewDense(3, 3, nil)
	if err := kInv.Inverse(mat.NewDense(3, 3, c.Intrinsics[:])); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCamera, err)
	}

	transform := mat.NewDense(4, 4, nil)
	pose := mat.NewDense(4, 4, c.Pose[:])
	if c.Correction != nil {
		transform.Mul(pose, mat.NewDense(4, 4, c.Correction[:]))
	} else {
		transform.Copy(pose)
	}

	return &Projector{kInv: kInv, transform: transform}, nil
}

// BackProject maps pixel (u, v) at the given depth to scene space:
// Pose · Correction · [K⁻¹·[u v 1]ᵀ·depth ; 1].
func (p *Projector) BackProject(u, v, depth float64) scene.Point3 {
	ray := mat.NewVecDense(3, nil)
	ray.MulVec(p.kInv, mat.NewVecDense(3, []float64{u, v, 1}))

	cam := mat.NewVecDense(4, []float64{
		ray.AtVec(0) * depth,
		ray.AtVec(1) * depth,
		ray.AtVec(2) * depth,
		1,
	})
	world := mat.NewVecDense(4, nil)
	world.MulVec(p.transform, cam)

	w := world.AtVec(3)
	if w == 0 {
		w = 1
	}
	return scene.Point3{X: world.AtVec(0) / w, Y: world.AtVec(1) / w, Z: world.AtVec(2) / w}
}

// BackProject is a convenience for one-off projections.
func (c *Camera) BackProject(u, v, depth float64) (scene.Point3, error) {
	p, err := NewProjector(c)
	if err != nil {
		return scene.Point3{}, err
	}
	return p.BackProject(u, v, depth), nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
