package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
	ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")
	// ErrInvalidIntrinsics is when the intrinsics exist but cannot describe a pinhole camera.
	ErrInvalidIntrinsics = errors.New("camera intrinsic parameters are invalid")
)

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

func newInvalidIntrinsicsError(format string, args ...interface{}) error {
	return errors.Wrap(ErrInvalidIntrinsics, fmt.Sprintf(format, args...))
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
// Camera coordinates follow the computer vision convention: x right, y down, z forward.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return newInvalidIntrinsicsError("invalid size (%#v, %#v)", params.Width, params.Height)
	}
	if params.Fx <= 0 {
		return newInvalidIntrinsicsError("invalid focal length Fx = %#v", params.Fx)
	}
	if params.Fy <= 0 {
		return newInvalidIntrinsicsError("invalid focal length Fy = %#v", params.Fy)
	}
	if params.Ppx < 0 || params.Ppx > float64(params.Width) {
		return newInvalidIntrinsicsError("invalid principal X point Ppx = %#v", params.Ppx)
	}
	if params.Ppy < 0 || params.Ppy > float64(params.Height) {
		return newInvalidIntrinsicsError("invalid principal Y point Ppy = %#v", params.Ppy)
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, intrinsics.CheckValid()
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	if params == nil {
		return 0, 0, 0
	}
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return xOverZ * z, yOverZ * z, z
}

// PointToPixel projects a 3D point in the camera frame to sub-pixel image coordinates. Points at or
// behind the camera center return ok = false.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64, bool) {
	if z <= 0 {
		return -1, -1, false
	}
	return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy, true
}

// Project is PointToPixel on vectors.
func (params *PinholeCameraIntrinsics) Project(p r3.Vector) (r2.Point, bool) {
	x, y, ok := params.PointToPixel(p.X, p.Y, p.Z)
	return r2.Point{X: x, Y: y}, ok
}

// Unproject returns the unit bearing vector in the camera frame of the ray through a pixel.
func (params *PinholeCameraIntrinsics) Unproject(pixel r2.Point) r3.Vector {
	x, y, z := params.PixelToPoint(pixel.X, pixel.Y, 1)
	return r3.Vector{X: x, Y: y, Z: z}.Normalize()
}

// InImage reports whether a sub-pixel coordinate lies within the image bounds.
func (params *PinholeCameraIntrinsics) InImage(pixel r2.Point) bool {
	return pixel.X >= 0 && pixel.Y >= 0 && pixel.X < float64(params.Width) && pixel.Y < float64(params.Height)
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}
