package mapsync_test

import (
	"context"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/mapsync"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/testutils"
	"go.viam.com/mapshare/vision/featuremap"
	"go.viam.com/mapshare/vision/keypoints"
)

// f32 rounds to the precision positions travel with.
func f32(v float64) float64 {
	return float64(float32(v))
}

func randomVector(rng *rand.Rand) r3.Vector {
	return r3.Vector{X: f32(rng.NormFloat64()), Y: f32(rng.NormFloat64()), Z: f32(rng.NormFloat64())}
}

func header(tag string, version uint64) []byte {
	b := []byte(tag)
	return binary.LittleEndian.AppendUint64(b, version)
}

func TestTransformRoundTrip(t *testing.T) {
	pose := spatialmath.NewPose(spatialmath.QuatFromAxisAngle(r3.Vector{X: 1, Y: 2, Z: 3}, 0.7), r3.Vector{X: 1, Y: -2, Z: 0.5})
	data := mapsync.EncodeTransform(pose.Matrix())
	test.That(t, data, test.ShouldHaveLength, 8+8+16*8)
	test.That(t, string(data[:8]), test.ShouldEqual, mapsync.TagTransform)

	m, err := mapsync.DecodeTransform(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m, test.ShouldResemble, pose.Matrix())

	encoded, err := mapsync.EncodePose(pose)
	test.That(t, err, test.ShouldBeNil)
	decoded, err := mapsync.DecodePose(encoded)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded.AlmostEqual(pose, 1e-12, 1e-9), test.ShouldBeTrue)

	_, err = mapsync.EncodePose(spatialmath.InvalidPose())
	test.That(t, err, test.ShouldNotBeNil)

	_, err = mapsync.DecodeTransform(data[:len(data)-1])
	test.That(t, errors.Is(err, mapsync.ErrTruncated), test.ShouldBeTrue)
}

func TestHeaderChecks(t *testing.T) {
	data := mapsync.EncodeTransform(spatialmath.IdentityPose().Matrix())

	_, err := mapsync.DecodeObjectPoints(data)
	test.That(t, errors.Is(err, mapsync.ErrInvalidTag), test.ShouldBeTrue)

	wrongVersion := append(header(mapsync.TagTransform, 7), data[16:]...)
	_, err = mapsync.DecodeTransform(wrongVersion)
	test.That(t, errors.Is(err, mapsync.ErrUnsupportedVersion), test.ShouldBeTrue)

	_, err = mapsync.DecodeTransform([]byte("_OCN"))
	test.That(t, errors.Is(err, mapsync.ErrTruncated), test.ShouldBeTrue)

	tag, version, err := mapsync.PeekHeader(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tag, test.ShouldEqual, mapsync.TagTransform)
	test.That(t, version, test.ShouldEqual, uint64(mapsync.TransformVersion))
}

func TestObjectPoints(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	op := mapsync.ObjectPoints{}
	for i := 0; i < 50; i++ {
		op.Positions = append(op.Positions, randomVector(rng))
		op.IDs = append(op.IDs, uint32(100+i))
	}

	t.Run("round trip", func(t *testing.T) {
		data, err := mapsync.EncodeObjectPoints(op)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, data, test.ShouldHaveLength, 16+4+50*12+4+50*4)
		decoded, err := mapsync.DecodeObjectPoints(data)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cmp.Diff(op, decoded), test.ShouldBeEmpty)
	})

	t.Run("empty", func(t *testing.T) {
		data, err := mapsync.EncodeObjectPoints(mapsync.ObjectPoints{})
		test.That(t, err, test.ShouldBeNil)
		decoded, err := mapsync.DecodeObjectPoints(data)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, decoded.Positions, test.ShouldBeEmpty)
	})

	t.Run("count over bound", func(t *testing.T) {
		data := binary.LittleEndian.AppendUint32(header(mapsync.TagObjectPoints, 1), mapsync.MaxObjectPoints+1)
		_, err := mapsync.DecodeObjectPoints(data)
		test.That(t, errors.Is(err, mapsync.ErrTooLarge), test.ShouldBeTrue)

		_, err = mapsync.EncodeObjectPoints(mapsync.ObjectPoints{
			Positions: make([]r3.Vector, mapsync.MaxObjectPoints+1),
			IDs:       make([]uint32, mapsync.MaxObjectPoints+1),
		})
		test.That(t, errors.Is(err, mapsync.ErrTooLarge), test.ShouldBeTrue)
	})

	t.Run("count larger than message", func(t *testing.T) {
		data := binary.LittleEndian.AppendUint32(header(mapsync.TagObjectPoints, 1), 1000)
		_, err := mapsync.DecodeObjectPoints(data)
		test.That(t, errors.Is(err, mapsync.ErrTruncated), test.ShouldBeTrue)
	})

	t.Run("id count mismatch", func(t *testing.T) {
		data, err := mapsync.EncodeObjectPoints(op)
		test.That(t, err, test.ShouldBeNil)
		idCountOffset := 16 + 4 + 50*12
		binary.LittleEndian.PutUint32(data[idCountOffset:], 49)
		_, err = mapsync.DecodeObjectPoints(data)
		test.That(t, errors.Is(err, mapsync.ErrCountMismatch), test.ShouldBeTrue)

		_, err = mapsync.EncodeObjectPoints(mapsync.ObjectPoints{Positions: op.Positions, IDs: op.IDs[:3]})
		test.That(t, errors.Is(err, mapsync.ErrCountMismatch), test.ShouldBeTrue)
	})
}

func testMapMessage(n int) mapsync.MapMessage {
	rng := rand.New(rand.NewSource(11))
	m := mapsync.MapMessage{Descriptors: make(map[uint32][]keypoints.Descriptor)}
	for i := 0; i < n; i++ {
		id := uint32(7 + 3*i)
		m.Landmarks = append(m.Landmarks, featuremap.Landmark{
			ID:        id,
			Position:  randomVector(rng).Add(r3.Vector{Z: 5}),
			Stability: f32(rng.Float64()),
		})
		for k := 0; k <= i%3; k++ {
			m.Descriptors[id] = append(m.Descriptors[id], testutils.RandomDescriptor(rng))
		}
	}
	return m
}

func TestMapRoundTrip(t *testing.T) {
	m := testMapMessage(120)
	data, err := mapsync.EncodeMap(m)
	test.That(t, err, test.ShouldBeNil)

	decoded, err := mapsync.DecodeMap(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmp.Diff(m, decoded), test.ShouldBeEmpty)

	fm, err := decoded.Build(context.Background(), config.DefaultFeatureMapConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fm.Size(), test.ShouldEqual, 120)

	again := mapsync.NewMapMessage(fm)
	test.That(t, cmp.Diff(m, again), test.ShouldBeEmpty)
}

func TestMapRejectsBadContent(t *testing.T) {
	m := testMapMessage(4)

	t.Run("landmark without descriptors", func(t *testing.T) {
		bad := testMapMessage(4)
		delete(bad.Descriptors, bad.Landmarks[2].ID)
		_, err := mapsync.EncodeMap(bad)
		test.That(t, errors.Is(err, mapsync.ErrCountMismatch), test.ShouldBeTrue)
	})

	t.Run("too many descriptors", func(t *testing.T) {
		data, err := mapsync.EncodeMap(m)
		test.That(t, err, test.ShouldBeNil)
		// first landmark record: id then descriptor count
		offset := 16 + 4 + 4*12 + 4 + 4*4 + 4 + 4
		binary.LittleEndian.PutUint32(data[offset:], mapsync.MaxDescriptorsPerLandmark+1)
		_, err = mapsync.DecodeMap(data)
		test.That(t, errors.Is(err, mapsync.ErrTooLarge), test.ShouldBeTrue)
	})

	t.Run("ids disagree", func(t *testing.T) {
		data, err := mapsync.EncodeMap(m)
		test.That(t, err, test.ShouldBeNil)
		offset := 16 + 4 + 4*12 + 4 + 4*4 + 4
		binary.LittleEndian.PutUint32(data[offset:], 99999)
		_, err = mapsync.DecodeMap(data)
		test.That(t, errors.Is(err, mapsync.ErrCountMismatch), test.ShouldBeTrue)
	})

	t.Run("truncated", func(t *testing.T) {
		data, err := mapsync.EncodeMap(m)
		test.That(t, err, test.ShouldBeNil)
		for _, cut := range []int{1, 4, 33, len(data) / 2} {
			_, err = mapsync.DecodeMap(data[:len(data)-cut])
			test.That(t, errors.Is(err, mapsync.ErrTruncated), test.ShouldBeTrue)
		}
	})
}

func testMesh() mapsync.Mesh {
	rng := rand.New(rand.NewSource(5))
	m := mapsync.Mesh{
		ID:        3,
		Remaining: 2,
		Transform: spatialmath.NewPose(spatialmath.QuatFromAxisAngle(r3.Vector{Z: 1}, 0.3), r3.Vector{X: 2}).Matrix(),
		Image:     []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3},
	}
	for i := 0; i < 30; i++ {
		m.Vertices = append(m.Vertices, randomVector(rng))
		m.Normals = append(m.Normals, randomVector(rng))
		m.TexCoords = append(m.TexCoords, r2.Point{X: f32(rng.Float64()), Y: f32(rng.Float64())})
	}
	for i := 0; i < 28; i++ {
		m.Triangles = append(m.Triangles, [3]uint32{uint32(i), uint32(i + 1), uint32(i + 2)})
	}
	return m
}

func TestMeshRoundTrip(t *testing.T) {
	m := testMesh()
	data, err := mapsync.EncodeMesh(m)
	test.That(t, err, test.ShouldBeNil)
	decoded, err := mapsync.DecodeMesh(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmp.Diff(m, decoded, cmpopts.EquateEmpty()), test.ShouldBeEmpty)

	bare := mapsync.Mesh{ID: 1, Vertices: m.Vertices[:3], Triangles: [][3]uint32{{0, 1, 2}}}
	data, err = mapsync.EncodeMesh(bare)
	test.That(t, err, test.ShouldBeNil)
	decoded, err = mapsync.DecodeMesh(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmp.Diff(bare, decoded, cmpopts.EquateEmpty()), test.ShouldBeEmpty)
}

func TestMeshRejectsBadContent(t *testing.T) {
	m := testMesh()
	m.Normals = m.Normals[:5]
	_, err := mapsync.EncodeMesh(m)
	test.That(t, errors.Is(err, mapsync.ErrCountMismatch), test.ShouldBeTrue)

	m = testMesh()
	m.Triangles = append(m.Triangles, [3]uint32{0, 1, 30})
	_, err = mapsync.EncodeMesh(m)
	test.That(t, errors.Is(err, mapsync.ErrCountMismatch), test.ShouldBeTrue)

	// a triangle pointing past the vertices also fails on decode
	m = testMesh()
	data, err := mapsync.EncodeMesh(m)
	test.That(t, err, test.ShouldBeNil)
	trianglesOffset := 16 + 8 + 16 + 128 + 4 + 30*12 + 4 + 30*12 + 4 + 30*8 + 4 + 4
	binary.LittleEndian.PutUint32(data[trianglesOffset:], 31)
	_, err = mapsync.DecodeMesh(data)
	test.That(t, errors.Is(err, mapsync.ErrCountMismatch), test.ShouldBeTrue)

	// image length at the bound
	data, err = mapsync.EncodeMesh(mapsync.Mesh{Vertices: m.Vertices[:3], Triangles: [][3]uint32{{0, 1, 2}}})
	test.That(t, err, test.ShouldBeNil)
	imageOffset := len(data) - 4
	binary.LittleEndian.PutUint32(data[imageOffset:], mapsync.MaxImageBytes)
	_, err = mapsync.DecodeMesh(data)
	test.That(t, errors.Is(err, mapsync.ErrTooLarge), test.ShouldBeTrue)

	// vertex count over the bound
	data = header(mapsync.TagMesh, mapsync.MeshVersion)
	data = append(data, make([]byte, 8)...)
	data = append(data, mapsync.EncodeTransform(spatialmath.IdentityPose().Matrix())...)
	data = binary.LittleEndian.AppendUint32(data, mapsync.MaxMeshVertices+1)
	_, err = mapsync.DecodeMesh(data)
	test.That(t, errors.Is(err, mapsync.ErrTooLarge), test.ShouldBeTrue)
}

func TestMeshLayout(t *testing.T) {
	m := mapsync.Mesh{
		ID:        7,
		Transform: spatialmath.NewPose(spatialmath.QuatFromAxisAngle(r3.Vector{X: 1}, 0.2), r3.Vector{Z: 1}).Matrix(),
		Vertices:  testMesh().Vertices[:3],
		Triangles: [][3]uint32{{0, 1, 2}},
	}
	data, err := mapsync.EncodeMesh(m)
	test.That(t, err, test.ShouldBeNil)

	// the transform travels as a complete transform message after id and remaining count
	nested := data[16+8 : 16+8+16+128]
	tag, version, err := mapsync.PeekHeader(nested)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tag, test.ShouldEqual, mapsync.TagTransform)
	test.That(t, version, test.ShouldEqual, uint64(mapsync.TransformVersion))
	transform, err := mapsync.DecodeTransform(nested)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, transform, test.ShouldResemble, m.Transform)

	copy(data[16+8:], "_BROKEN_")
	_, err = mapsync.DecodeMesh(data)
	test.That(t, errors.Is(err, mapsync.ErrInvalidTag), test.ShouldBeTrue)
}

func TestMeshNeedsTriangles(t *testing.T) {
	m := testMesh()
	m.Triangles = nil
	_, err := mapsync.EncodeMesh(m)
	test.That(t, errors.Is(err, mapsync.ErrCountMismatch), test.ShouldBeTrue)

	bare := mapsync.Mesh{Vertices: m.Vertices[:3], Triangles: [][3]uint32{{0, 1, 2}}}
	data, err := mapsync.EncodeMesh(bare)
	test.That(t, err, test.ShouldBeNil)
	// triangle count sits after the three vertices and three empty attribute counts
	trianglesOffset := 16 + 8 + 16 + 128 + 4 + 3*12 + 4 + 4 + 4
	binary.LittleEndian.PutUint32(data[trianglesOffset:], 0)
	_, err = mapsync.DecodeMesh(data[:trianglesOffset+4])
	test.That(t, errors.Is(err, mapsync.ErrCountMismatch), test.ShouldBeTrue)
}

func TestRoomObjectsRoundTrip(t *testing.T) {
	objects := []mapsync.RoomObject{
		{
			Type:       mapsync.RoomObjectPlanar,
			Identifier: "wall-3",
			Confidence: 0.75,
			Transform:  spatialmath.IdentityPose().Matrix(),
			Dimensions: r3.Vector{X: 4, Y: 2.5},
		},
		{
			Type:       mapsync.RoomObjectVolumetric,
			Identifier: "table",
			Confidence: 0.5,
			Transform:  spatialmath.NewPose(spatialmath.IdentityQuat(), r3.Vector{X: 1, Y: 0, Z: 2}).Matrix(),
			Dimensions: r3.Vector{X: 1.5, Y: 0.75, Z: 0.875},
		},
		{Type: mapsync.RoomObjectPlanar, Transform: spatialmath.IdentityPose().Matrix()},
	}
	data, err := mapsync.EncodeRoomObjects(objects)
	test.That(t, err, test.ShouldBeNil)
	decoded, err := mapsync.DecodeRoomObjects(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmp.Diff(objects, decoded), test.ShouldBeEmpty)

	long := make([]byte, mapsync.MaxIdentifierLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = mapsync.EncodeRoomObjects([]mapsync.RoomObject{{Identifier: string(long)}})
	test.That(t, errors.Is(err, mapsync.ErrTooLarge), test.ShouldBeTrue)

	data = binary.LittleEndian.AppendUint32(header(mapsync.TagRoomObjects, 1), mapsync.MaxRoomObjects+1)
	_, err = mapsync.DecodeRoomObjects(data)
	test.That(t, errors.Is(err, mapsync.ErrTooLarge), test.ShouldBeTrue)
}
