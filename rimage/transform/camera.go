package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/mapshare/spatialmath"
)

// Camera is one camera of a rig: its intrinsics and its fixed pose on the device,
// `device_T_camera`.
type Camera struct {
	Intrinsics    *PinholeCameraIntrinsics
	DeviceTCamera spatialmath.Pose
}

// NewMonoCamera returns a camera sitting at the device origin.
func NewMonoCamera(intrinsics *PinholeCameraIntrinsics) Camera {
	return Camera{Intrinsics: intrinsics, DeviceTCamera: spatialmath.IdentityPose()}
}

// CheckValid checks the intrinsics and the rig pose.
func (c Camera) CheckValid() error {
	if err := c.Intrinsics.CheckValid(); err != nil {
		return err
	}
	if !c.DeviceTCamera.IsValid() {
		return newInvalidIntrinsicsError("camera has no valid device_T_camera pose")
	}
	return nil
}

// ProjectWorldPoint projects a world point into the camera given `camera_T_world`. ok is false
// when the point is behind the camera.
func ProjectWorldPoint(intrinsics *PinholeCameraIntrinsics, cameraTWorld spatialmath.Pose, point r3.Vector) (r2.Point, bool) {
	return intrinsics.Project(cameraTWorld.Transform(point))
}
