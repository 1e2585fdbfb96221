package cli

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"go.viam.com/mapshare/mapsync"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/vision/featuremap"
	"go.viam.com/mapshare/vision/keypoints"
)

// maxInspectRows bounds the per-item rows printed for large messages.
const maxInspectRows = 10

// InspectAction decodes the message in the file given as argument and prints a summary of it.
func InspectAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("inspect takes exactly one file")
	}
	path := c.Args().First()
	//nolint:gosec
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return errors.Wrap(err, "error reading message")
	}
	out, err := inspect(raw)
	if err != nil {
		return errors.Wrapf(err, "cannot decode %q", path)
	}
	fmt.Fprint(c.App.Writer, out)
	return nil
}

// inspect decompresses a payload, dispatches on its tag and renders what it decoded.
func inspect(raw []byte) (string, error) {
	codec := mapsync.DetectCompression(raw)
	data, err := mapsync.Decompress(raw)
	if err != nil {
		return "", err
	}
	tag, version, err := mapsync.PeekHeader(data)
	if err != nil {
		return "", err
	}

	header := table.NewWriter()
	header.AppendRows([]table.Row{
		{"tag", tag},
		{"version", version},
		{"compression", codec},
		{"bytes", fmt.Sprintf("%d (%d decoded)", len(raw), len(data))},
	})

	var body string
	switch tag {
	case mapsync.TagTransform:
		body, err = inspectTransform(data)
	case mapsync.TagObjectPoints:
		body, err = inspectObjectPoints(data)
	case mapsync.TagMap:
		body, err = inspectMap(data)
	case mapsync.TagMesh:
		body, err = inspectMesh(data)
	case mapsync.TagRoomObjects:
		body, err = inspectRoomObjects(data)
	default:
		err = errors.Wrapf(mapsync.ErrInvalidTag, "unknown tag %q", tag)
	}
	if err != nil {
		return "", err
	}
	return header.Render() + "\n" + body, nil
}

func inspectTransform(data []byte) (string, error) {
	m, err := mapsync.DecodeTransform(data)
	if err != nil {
		return "", err
	}
	t := table.NewWriter()
	for row := 0; row < 4; row++ {
		t.AppendRow(lo.Map(m[4*row:4*row+4], func(v float64, _ int) interface{} {
			return fmt.Sprintf("%.4f", v)
		}))
	}
	pose := spatialmath.NewPoseFromMatrix(m)
	t.AppendFooter(table.Row{"pose", pose.String()})
	return t.Render() + "\n", nil
}

func inspectObjectPoints(data []byte) (string, error) {
	op, err := mapsync.DecodeObjectPoints(data)
	if err != nil {
		return "", err
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "Position"})
	for i := 0; i < len(op.IDs) && i < maxInspectRows; i++ {
		t.AppendRow(table.Row{op.IDs[i], formatVector(op.Positions[i])})
	}
	t.AppendFooter(table.Row{"points", len(op.IDs)})
	return t.Render() + "\n", nil
}

func inspectMap(data []byte) (string, error) {
	msg, err := mapsync.DecodeMap(data)
	if err != nil {
		return "", err
	}
	descriptors := lo.SumBy(lo.Values(msg.Descriptors), func(ds []keypoints.Descriptor) int { return len(ds) })
	positions := lo.Map(msg.Landmarks, func(l featuremap.Landmark, _ int) r3.Vector { return l.Position })
	minCorner, maxCorner := bounds(positions)

	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "Position", "Descriptors", "Stability"})
	landmarks := append([]featuremap.Landmark(nil), msg.Landmarks...)
	sort.Slice(landmarks, func(i, j int) bool { return landmarks[i].Stability > landmarks[j].Stability })
	for _, l := range lo.Subset(landmarks, 0, maxInspectRows) {
		t.AppendRow(table.Row{l.ID, formatVector(l.Position), len(msg.Descriptors[l.ID]), fmt.Sprintf("%.3f", l.Stability)})
	}
	t.AppendFooter(table.Row{"landmarks", len(msg.Landmarks), descriptors, ""})
	t.AppendFooter(table.Row{"bounds", formatVector(minCorner) + " .. " + formatVector(maxCorner), "", ""})
	return t.Render() + "\n", nil
}

func inspectMesh(data []byte) (string, error) {
	mesh, err := mapsync.DecodeMesh(data)
	if err != nil {
		return "", err
	}
	minCorner, maxCorner := bounds(mesh.Vertices)
	t := table.NewWriter()
	t.AppendRows([]table.Row{
		{"id", mesh.ID},
		{"remaining", mesh.Remaining},
		{"vertices", len(mesh.Vertices)},
		{"normals", len(mesh.Normals)},
		{"texture coordinates", len(mesh.TexCoords)},
		{"colors", len(mesh.Colors)},
		{"triangles", len(mesh.Triangles)},
		{"image bytes", len(mesh.Image)},
		{"bounds", formatVector(minCorner) + " .. " + formatVector(maxCorner)},
		{"pose", spatialmath.NewPoseFromMatrix(mesh.Transform).String()},
	})
	return t.Render() + "\n", nil
}

func inspectRoomObjects(data []byte) (string, error) {
	objects, err := mapsync.DecodeRoomObjects(data)
	if err != nil {
		return "", err
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Identifier", "Type", "Confidence", "Dimensions", "Position"})
	for _, o := range lo.Subset(objects, 0, maxInspectRows) {
		pose := spatialmath.NewPoseFromMatrix(o.Transform)
		t.AppendRow(table.Row{o.Identifier, o.Type, fmt.Sprintf("%.2f", o.Confidence), formatVector(o.Dimensions), formatVector(pose.Translation)})
	}
	t.AppendFooter(table.Row{"objects", len(objects), "", "", ""})
	return t.Render() + "\n", nil
}

func formatVector(v r3.Vector) string {
	return fmt.Sprintf("X:%.2f, Y:%.2f, Z:%.2f", v.X, v.Y, v.Z)
}

// bounds returns the axis aligned box around points, zero for none.
func bounds(points []r3.Vector) (r3.Vector, r3.Vector) {
	if len(points) == 0 {
		return r3.Vector{}, r3.Vector{}
	}
	minCorner := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	maxCorner := r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, p := range points {
		minCorner = r3.Vector{X: math.Min(minCorner.X, p.X), Y: math.Min(minCorner.Y, p.Y), Z: math.Min(minCorner.Z, p.Z)}
		maxCorner = r3.Vector{X: math.Max(maxCorner.X, p.X), Y: math.Max(maxCorner.Y, p.Y), Z: math.Max(maxCorner.Z, p.Z)}
	}
	return minCorner, maxCorner
}
