package mapsync

import (
	"context"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/vision/featuremap"
	"go.viam.com/mapshare/vision/keypoints"
)

// Message tags.
const (
	TagTransform    = "_OCNHTR_"
	TagObjectPoints = "_OCNOPT_"
	TagMap          = "_OCNMAP_"
	TagMesh         = "_OCNMES_"
	TagRoomObjects  = "_OCNROB_"
)

// Format versions written and accepted for each tag.
const (
	TransformVersion    = 1
	ObjectPointsVersion = 1
	MapVersion          = 1
	MeshVersion         = 2
	RoomObjectsVersion  = 1
)

// Hard bounds enforced while decoding.
const (
	MaxObjectPoints           = 100000
	MaxDescriptorsPerLandmark = 64
	MaxMeshVertices           = 1000000
	MaxMeshTriangles          = 2000000
	MaxImageBytes             = 20 << 20
	MaxRoomObjects            = 10000
	MaxIdentifierLength       = 256
)

const (
	matrixBytes = 16 * 8
	vectorBytes = 3 * 4
)

// EncodeTransform encodes a row-major homogeneous matrix.
func EncodeTransform(m [16]float64) []byte {
	w := newWriter(TagTransform, TransformVersion, matrixBytes)
	w.matrix(m)
	return w.buf
}

// DecodeTransform decodes a transform message.
func DecodeTransform(data []byte) ([16]float64, error) {
	r, err := newReader(data, TagTransform, TransformVersion)
	if err != nil {
		return [16]float64{}, err
	}
	m := r.matrix()
	return m, r.err
}

// EncodePose encodes a pose as a transform message.
func EncodePose(p spatialmath.Pose) ([]byte, error) {
	if !p.IsValid() {
		return nil, errors.New("cannot encode an invalid pose")
	}
	return EncodeTransform(p.Matrix()), nil
}

// DecodePose decodes a transform message into a pose, dropping any scale.
func DecodePose(data []byte) (spatialmath.Pose, error) {
	m, err := DecodeTransform(data)
	if err != nil {
		return spatialmath.InvalidPose(), err
	}
	return spatialmath.NewPoseFromMatrix(m), nil
}

// ObjectPoints is a set of identified 3D points. Positions travel as float32.
type ObjectPoints struct {
	Positions []r3.Vector
	IDs       []uint32
}

func (op ObjectPoints) validate() error {
	if len(op.Positions) != len(op.IDs) {
		return errors.Wrapf(ErrCountMismatch, "%d positions, %d ids", len(op.Positions), len(op.IDs))
	}
	if len(op.Positions) > MaxObjectPoints {
		return errors.Wrapf(ErrTooLarge, "%d points exceeds %d", len(op.Positions), MaxObjectPoints)
	}
	return nil
}

func (op ObjectPoints) write(w *writer) {
	w.count(len(op.Positions))
	for _, p := range op.Positions {
		w.vector32(p)
	}
	w.count(len(op.IDs))
	for _, id := range op.IDs {
		w.uint32(id)
	}
}

func readObjectPoints(r *reader) ObjectPoints {
	n := r.count("object point", MaxObjectPoints, vectorBytes)
	op := ObjectPoints{Positions: make([]r3.Vector, n)}
	for i := range op.Positions {
		op.Positions[i] = r.vector32()
	}
	n = r.matchingCount("object point id", n, false, 4)
	op.IDs = make([]uint32, n)
	for i := range op.IDs {
		op.IDs[i] = r.uint32()
	}
	return op
}

// EncodeObjectPoints encodes a landmark position set.
func EncodeObjectPoints(op ObjectPoints) ([]byte, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}
	w := newWriter(TagObjectPoints, ObjectPointsVersion, 8+len(op.Positions)*(vectorBytes+4))
	op.write(w)
	return w.buf, nil
}

// DecodeObjectPoints decodes a landmark position set.
func DecodeObjectPoints(data []byte) (ObjectPoints, error) {
	r, err := newReader(data, TagObjectPoints, ObjectPointsVersion)
	if err != nil {
		return ObjectPoints{}, err
	}
	op := readObjectPoints(r)
	if r.err != nil {
		return ObjectPoints{}, r.err
	}
	return op, nil
}

// MapMessage is a shareable feature map: landmark positions and stabilities plus every landmark's
// multi-view descriptor set.
type MapMessage struct {
	Landmarks   []featuremap.Landmark
	Descriptors map[uint32][]keypoints.Descriptor
}

// NewMapMessage collects the content of a feature map.
func NewMapMessage(fm *featuremap.FeatureMap) MapMessage {
	m := MapMessage{
		Landmarks:   fm.Landmarks(),
		Descriptors: make(map[uint32][]keypoints.Descriptor, fm.Size()),
	}
	for _, id := range fm.IDs() {
		m.Descriptors[id], _ = fm.DescriptorsOf(id)
	}
	return m
}

// IDs returns the landmark ids in landmark order.
func (m MapMessage) IDs() []uint32 {
	ids := make([]uint32, len(m.Landmarks))
	for i, l := range m.Landmarks {
		ids[i] = l.ID
	}
	return ids
}

// Build indexes the message into a feature map.
func (m MapMessage) Build(ctx context.Context, cfg config.FeatureMapConfig) (*featuremap.FeatureMap, error) {
	return featuremap.Build(ctx, m.Landmarks, m.IDs(), m.Descriptors, cfg)
}

// EncodeMap encodes a feature map message.
func EncodeMap(m MapMessage) ([]byte, error) {
	if len(m.Landmarks) > MaxObjectPoints {
		return nil, errors.Wrapf(ErrTooLarge, "%d landmarks exceeds %d", len(m.Landmarks), MaxObjectPoints)
	}
	descriptorCount := 0
	for _, l := range m.Landmarks {
		n := len(m.Descriptors[l.ID])
		if n == 0 || n > MaxDescriptorsPerLandmark {
			return nil, errors.Wrapf(ErrCountMismatch, "landmark %d has %d descriptors", l.ID, n)
		}
		descriptorCount += n
	}
	op := ObjectPoints{Positions: make([]r3.Vector, len(m.Landmarks)), IDs: m.IDs()}
	for i, l := range m.Landmarks {
		op.Positions[i] = l.Position
	}

	w := newWriter(TagMap, MapVersion,
		12+len(m.Landmarks)*(vectorBytes+16)+descriptorCount*keypoints.DescriptorBytes)
	op.write(w)
	w.count(len(m.Landmarks))
	for _, l := range m.Landmarks {
		descriptors := m.Descriptors[l.ID]
		w.uint32(l.ID)
		w.count(len(descriptors))
		for _, d := range descriptors {
			w.bytes(d.AppendBytes(nil))
		}
		w.float32(l.Stability)
	}
	return w.buf, nil
}

// DecodeMap decodes a feature map message. The per-landmark records must list the same ids in the
// same order as the position block.
func DecodeMap(data []byte) (MapMessage, error) {
	r, err := newReader(data, TagMap, MapVersion)
	if err != nil {
		return MapMessage{}, err
	}
	op := readObjectPoints(r)
	n := r.matchingCount("landmark", len(op.IDs), false, 12+keypoints.DescriptorBytes)
	if r.err != nil {
		return MapMessage{}, r.err
	}
	m := MapMessage{
		Landmarks:   make([]featuremap.Landmark, n),
		Descriptors: make(map[uint32][]keypoints.Descriptor, n),
	}
	for i := 0; i < n; i++ {
		id := r.uint32()
		if r.err == nil && id != op.IDs[i] {
			return MapMessage{}, errors.Wrapf(ErrCountMismatch, "landmark %d is id %d, position block says %d", i, id, op.IDs[i])
		}
		k := r.count("descriptor", MaxDescriptorsPerLandmark, keypoints.DescriptorBytes)
		if r.err == nil && k == 0 {
			return MapMessage{}, errors.Wrapf(ErrCountMismatch, "landmark %d has no descriptors", id)
		}
		descriptors := make([]keypoints.Descriptor, k)
		for j := range descriptors {
			b := r.take(keypoints.DescriptorBytes)
			if b == nil {
				break
			}
			descriptors[j], _ = keypoints.DescriptorFromBytes(b)
		}
		stability := r.float32()
		if r.err != nil {
			return MapMessage{}, r.err
		}
		if _, dup := m.Descriptors[id]; dup {
			return MapMessage{}, errors.Wrapf(ErrCountMismatch, "landmark id %d repeated", id)
		}
		m.Descriptors[id] = descriptors
		m.Landmarks[i] = featuremap.Landmark{ID: id, Position: op.Positions[i], Stability: stability}
	}
	return m, nil
}

// Mesh is one chunk of a scanned surface. Optional per-vertex attributes are either empty or hold
// one entry per vertex.
type Mesh struct {
	ID        uint32
	Remaining uint32
	Transform [16]float64
	Vertices  []r3.Vector
	Normals   []r3.Vector
	TexCoords []r2.Point
	Colors    []r3.Vector
	Triangles [][3]uint32
	Image     []byte
}

func (m Mesh) validate() error {
	nv := len(m.Vertices)
	if nv > MaxMeshVertices {
		return errors.Wrapf(ErrTooLarge, "%d vertices exceeds %d", nv, MaxMeshVertices)
	}
	for name, n := range map[string]int{"normal": len(m.Normals), "texture coordinate": len(m.TexCoords), "color": len(m.Colors)} {
		if n != 0 && n != nv {
			return errors.Wrapf(ErrCountMismatch, "%d %ss for %d vertices", n, name, nv)
		}
	}
	if len(m.Triangles) == 0 {
		return errors.Wrap(ErrCountMismatch, "mesh without triangles")
	}
	if len(m.Triangles) > MaxMeshTriangles {
		return errors.Wrapf(ErrTooLarge, "%d triangles exceeds %d", len(m.Triangles), MaxMeshTriangles)
	}
	if err := checkTriangles(m.Triangles, nv); err != nil {
		return err
	}
	if len(m.Image) >= MaxImageBytes {
		return errors.Wrapf(ErrTooLarge, "image of %d bytes", len(m.Image))
	}
	return nil
}

func checkTriangles(triangles [][3]uint32, vertices int) error {
	for i, t := range triangles {
		for _, v := range t {
			if int(v) >= vertices {
				return errors.Wrapf(ErrCountMismatch, "triangle %d references vertex %d of %d", i, v, vertices)
			}
		}
	}
	return nil
}

// EncodeMesh encodes a mesh chunk. Its transform is nested as a complete transform message.
func EncodeMesh(m Mesh) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	nv := len(m.Vertices)
	w := newWriter(TagMesh, MeshVersion,
		8+headerLength+matrixBytes+24+nv*(3*vectorBytes+8)+len(m.Triangles)*12+len(m.Image))
	w.uint32(m.ID)
	w.uint32(m.Remaining)
	w.bytes(EncodeTransform(m.Transform))
	w.count(nv)
	for _, v := range m.Vertices {
		w.vector32(v)
	}
	w.count(len(m.Normals))
	for _, v := range m.Normals {
		w.vector32(v)
	}
	w.count(len(m.TexCoords))
	for _, p := range m.TexCoords {
		w.float32(p.X)
		w.float32(p.Y)
	}
	w.count(len(m.Colors))
	for _, c := range m.Colors {
		w.vector32(c)
	}
	w.count(len(m.Triangles))
	for _, t := range m.Triangles {
		w.uint32(t[0])
		w.uint32(t[1])
		w.uint32(t[2])
	}
	w.count(len(m.Image))
	w.bytes(m.Image)
	return w.buf, nil
}

// DecodeMesh decodes a mesh chunk.
func DecodeMesh(data []byte) (Mesh, error) {
	r, err := newReader(data, TagMesh, MeshVersion)
	if err != nil {
		return Mesh{}, err
	}
	var m Mesh
	m.ID = r.uint32()
	m.Remaining = r.uint32()
	m.Transform = readNestedTransform(r)

	nv := r.count("vertex", MaxMeshVertices, vectorBytes)
	m.Vertices = readVectors(r, nv)
	m.Normals = readVectors(r, r.matchingCount("normal", nv, true, vectorBytes))
	if n := r.matchingCount("texture coordinate", nv, true, 8); n > 0 {
		m.TexCoords = make([]r2.Point, n)
		for i := range m.TexCoords {
			m.TexCoords[i] = r.point32()
		}
	}
	m.Colors = readVectors(r, r.matchingCount("color", nv, true, vectorBytes))

	nt := r.count("triangle", MaxMeshTriangles, 12)
	if r.err != nil {
		return Mesh{}, r.err
	}
	if nt == 0 {
		return Mesh{}, errors.Wrap(ErrCountMismatch, "mesh without triangles")
	}
	m.Triangles = make([][3]uint32, nt)
	for i := range m.Triangles {
		m.Triangles[i] = [3]uint32{r.uint32(), r.uint32(), r.uint32()}
	}
	if r.err != nil {
		return Mesh{}, r.err
	}
	if err := checkTriangles(m.Triangles, nv); err != nil {
		return Mesh{}, err
	}
	if ni := r.count("image byte", MaxImageBytes-1, 1); ni > 0 {
		m.Image = append([]byte(nil), r.take(ni)...)
	}
	if r.err != nil {
		return Mesh{}, r.err
	}
	return m, nil
}

func readNestedTransform(r *reader) [16]float64 {
	data := r.take(headerLength + matrixBytes)
	if r.err != nil {
		return [16]float64{}
	}
	m, err := DecodeTransform(data)
	if err != nil {
		r.err = errors.Wrap(err, "mesh transform")
	}
	return m
}

func readVectors(r *reader, n int) []r3.Vector {
	if n == 0 {
		return nil
	}
	out := make([]r3.Vector, n)
	for i := range out {
		out[i] = r.vector32()
	}
	return out
}

// RoomObjectType distinguishes flat surfaces from boxes.
type RoomObjectType uint8

// Room object types.
const (
	RoomObjectPlanar RoomObjectType = iota
	RoomObjectVolumetric
)

func (t RoomObjectType) String() string {
	switch t {
	case RoomObjectPlanar:
		return "planar"
	case RoomObjectVolumetric:
		return "volumetric"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// RoomObject is a detected piece of the room, like a wall, a table or a chair.
type RoomObject struct {
	Type       RoomObjectType
	Identifier string
	Confidence float64
	Transform  [16]float64
	Dimensions r3.Vector
}

// EncodeRoomObjects encodes a room object set.
func EncodeRoomObjects(objects []RoomObject) ([]byte, error) {
	if len(objects) > MaxRoomObjects {
		return nil, errors.Wrapf(ErrTooLarge, "%d room objects exceeds %d", len(objects), MaxRoomObjects)
	}
	size := 4
	for _, o := range objects {
		if len(o.Identifier) > MaxIdentifierLength {
			return nil, errors.Wrapf(ErrTooLarge, "identifier of %d bytes", len(o.Identifier))
		}
		if o.Type > RoomObjectVolumetric {
			return nil, errors.Errorf("unknown room object type %d", o.Type)
		}
		size += 1 + 4 + len(o.Identifier) + 4 + matrixBytes + vectorBytes
	}
	w := newWriter(TagRoomObjects, RoomObjectsVersion, size)
	w.count(len(objects))
	for _, o := range objects {
		w.uint8(uint8(o.Type))
		w.count(len(o.Identifier))
		w.bytes([]byte(o.Identifier))
		w.float32(o.Confidence)
		w.matrix(o.Transform)
		w.vector32(o.Dimensions)
	}
	return w.buf, nil
}

// DecodeRoomObjects decodes a room object set.
func DecodeRoomObjects(data []byte) ([]RoomObject, error) {
	r, err := newReader(data, TagRoomObjects, RoomObjectsVersion)
	if err != nil {
		return nil, err
	}
	const minObjectBytes = 1 + 4 + 4 + matrixBytes + vectorBytes
	n := r.count("room object", MaxRoomObjects, minObjectBytes)
	objects := make([]RoomObject, n)
	for i := range objects {
		typ := RoomObjectType(r.uint8())
		if r.err == nil && typ > RoomObjectVolumetric {
			return nil, errors.Errorf("unknown room object type %d", typ)
		}
		length := r.count("identifier byte", MaxIdentifierLength, 1)
		identifier := string(r.take(length))
		objects[i] = RoomObject{
			Type:       typ,
			Identifier: identifier,
			Confidence: r.float32(),
			Transform:  r.matrix(),
			Dimensions: r.vector32(),
		}
		if r.err != nil {
			return nil, r.err
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return objects, nil
}
