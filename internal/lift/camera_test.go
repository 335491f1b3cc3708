package lift

import (
	"errors"
	"math"
	"testing"

	"github.com/banshee-data/scenechange/internal/scene"
)

func testCamera(fx, fy, cx, cy float64) *Camera {
	return &Camera{
		Intrinsics: [9]float64{fx, 0, cx, 0, fy, cy, 0, 0, 1},
		Pose:       Identity4,
	}
}

func assertPoint(t *testing.T, got, want scene.Point3, tol float64) {
	t.Helper()
	if math.Abs(got.X-want.X) > tol || math.Abs(got.Y-want.Y) > tol || math.Abs(got.Z-want.Z) > tol {
		t.Errorf("point = %+v, want %+v", got, want)
	}
}

func TestBackProject_Pinhole(t *testing.T) {
	cam := testCamera(100, 200, 50, 40)

	tests := []struct {
		name  string
		u, v  float64
		depth float64
		want  scene.Point3
	}{
		{"principal point", 50, 40, 3, scene.Point3{X: 0, Y: 0, Z: 3}},
		{"right of centre", 150, 40, 2, scene.Point3{X: 2, Y: 0, Z: 2}},
		{"below centre", 50, 240, 1, scene.Point3{X: 0, Y: 1, Z: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cam.BackProject(tt.u, tt.v, tt.depth)
			if err != nil {
				t.Fatalf("BackProject: %v", err)
			}
			assertPoint(t, got, tt.want, 1e-9)
		})
	}
}

func TestBackProject_PoseAndCorrection(t *testing.T) {
	cam := testCamera(100, 100, 50, 50)
	// Camera at (10, 0, 0) rotated 90 degrees about Z.
	cam.Pose = [16]float64{
		0, -1, 0, 10,
		1, 0, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}

	// Camera-space point (1, 0, 1) -> rotated (0, 1, 1) -> translated (10, 1, 1).
	got, err := cam.BackProject(150, 50, 1)
	if err != nil {
		t.Fatalf("BackProject: %v", err)
	}
	assertPoint(t, got, scene.Point3{X: 10, Y: 1, Z: 1}, 1e-9)

	// The correction applies before the pose: (1, 0, 1) -> (1, 0, -1) -> (10, 1, -1).
	flip := FlipYZ
	cam.Correction = &flip
	got, err = cam.BackProject(150, 50, 1)
	if err != nil {
		t.Fatalf("BackProject: %v", err)
	}
	assertPoint(t, got, scene.Point3{X: 10, Y: 1, Z: -1}, 1e-9)
}

// Depth scales a point linearly along its viewing ray, and scaling the
// image (pixel coordinates together with focal length and principal point)
// leaves the scene position unchanged.
func TestBackProject_ScaleConsistency(t *testing.T) {
	pose := [16]float64{
		1, 0, 0, 0.5,
		0, 0, -1, 1,
		0, 1, 0, -2,
		0, 0, 0, 1,
	}
	full := testCamera(600, 600, 320, 240)
	full.Pose = pose
	half := testCamera(300, 300, 160, 120)
	half.Pose = pose

	pFull, err := NewProjector(full)
	if err != nil {
		t.Fatalf("NewProjector: %v", err)
	}
	pHalf, err := NewProjector(half)
	if err != nil {
		t.Fatalf("NewProjector: %v", err)
	}

	for _, px := range [][2]float64{{0, 0}, {320, 240}, {17, 401}, {639, 3}} {
		u, v := px[0], px[1]
		a := pFull.BackProject(u, v, 2.5)
		b := pHalf.BackProject(u/2, v/2, 2.5)
		assertPoint(t, b, a, 1e-9)

		// Doubling depth doubles the camera-relative offset.
		origin := pFull.BackProject(u, v, 0)
		d1 := pFull.BackProject(u, v, 1.5)
		d2 := pFull.BackProject(u, v, 3)
		want := scene.Point3{
			X: origin.X + 2*(d1.X-origin.X),
			Y: origin.Y + 2*(d1.Y-origin.Y),
			Z: origin.Z + 2*(d1.Z-origin.Z),
		}
		assertPoint(t, d2, want, 1e-9)
	}
}

func TestCamera_Validate(t *testing.T) {
	good := testCamera(100, 100, 50, 50)
	if err := good.Validate(); err != nil {
		t.Fatalf("valid camera rejected: %v", err)
	}

	singular := testCamera(0, 100, 50, 50)
	nonFinite := testCamera(math.NaN(), 100, 50, 50)
	badRow := testCamera(100, 100, 50, 50)
	badRow.Pose[12] = 1
	scaled := testCamera(100, 100, 50, 50)
	scaled.Pose[0], scaled.Pose[5], scaled.Pose[10] = 2, 2, 2

	for name, cam := range map[string]*Camera{
		"singular":   singular,
		"non-finite": nonFinite,
		"bottom row": badRow,
		"scaled":     scaled,
		"nil":        nil,
	} {
		if err := cam.Validate(); !errors.Is(err, ErrInvalidCamera) {
			t.Errorf("%s: Validate() = %v, want ErrInvalidCamera", name, err)
		}
	}
}

func TestPoseFromView(t *testing.T) {
	view := [16]float64{
		0, 1, 0, -2,
		-1, 0, 0, 3,
		0, 0, 1, -4,
		0, 0, 0, 1,
	}
	pose, err := PoseFromView(view)
	if err != nil {
		t.Fatalf("PoseFromView: %v", err)
	}

	// pose · view must be the identity.
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += pose[r*4+k] * view[k*4+c]
			}
			if math.Abs(sum-Identity4[r*4+c]) > 1e-12 {
				t.Fatalf("pose*view[%d][%d] = %v", r, c, sum)
			}
		}
	}

	if _, err := PoseFromView([16]float64{}); !errors.Is(err, ErrInvalidCamera) {
		t.Errorf("singular view: got %v, want ErrInvalidCamera", err)
	}
}
