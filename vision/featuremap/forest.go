package featuremap

import (
	"context"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/vision/keypoints"
)

// indexedDescriptor is one descriptor in the forest and the landmark (by position in the map)
// it belongs to.
type indexedDescriptor struct {
	descriptor keypoints.Descriptor
	landmark   int
}

type vocabularyNode struct {
	center   keypoints.Descriptor
	children []*vocabularyNode
	// members are indices into Forest.entries, only set on leaves
	members []int
}

func (n *vocabularyNode) isLeaf() bool {
	return len(n.children) == 0
}

// Forest is a set of vocabulary trees over binary descriptors. Every tree recursively clusters the
// descriptors with a seeded k-medians in Hamming space, so a query descends to the leaf of the
// nearest centers and only compares against the descriptors stored there.
type Forest struct {
	entries []indexedDescriptor
	trees   []*vocabularyNode
}

type candidate struct {
	landmark int
	distance int
}

func buildForest(ctx context.Context, entries []indexedDescriptor, cfg config.FeatureMapConfig) (*Forest, error) {
	forest := &Forest{entries: entries, trees: make([]*vocabularyNode, cfg.Trees)}
	all := make([]int, len(entries))
	for i := range all {
		all[i] = i
	}
	group, ctx := errgroup.WithContext(ctx)
	for t := 0; t < cfg.Trees; t++ {
		t := t
		group.Go(func() error {
			rng := rand.New(rand.NewSource(cfg.ClusteringSeed + int64(t)))
			root, err := forest.buildNode(ctx, all, keypoints.MajorityDescriptor(nil), rng, cfg)
			if err != nil {
				return err
			}
			forest.trees[t] = root
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return forest, nil
}

func (f *Forest) buildNode(
	ctx context.Context,
	members []int,
	center keypoints.Descriptor,
	rng *rand.Rand,
	cfg config.FeatureMapConfig,
) (*vocabularyNode, error) {
	node := &vocabularyNode{center: center}
	if len(members) <= cfg.MaxLeafSize {
		node.members = members
		return node, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	centers, groups := f.cluster(members, rng, cfg)
	if len(centers) < 2 {
		node.members = members
		return node, nil
	}
	for i, c := range centers {
		child, err := f.buildNode(ctx, groups[i], c, rng, cfg)
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, child)
	}
	return node, nil
}

// cluster splits members into at most ClustersPerNode groups. Centers are seeded with the
// farthest point heuristic from a random first center, refined by majority votes, and every
// member finally sits under the center nearest to it. Empty groups are dropped.
func (f *Forest) cluster(members []int, rng *rand.Rand, cfg config.FeatureMapConfig) ([]keypoints.Descriptor, [][]int) {
	centers := []keypoints.Descriptor{f.entries[members[rng.Intn(len(members))]].descriptor}
	nearest := make([]int, len(members))
	for i, m := range members {
		nearest[i] = keypoints.Distance(f.entries[m].descriptor, centers[0])
	}
	for len(centers) < cfg.ClustersPerNode {
		farthest, farthestDistance := -1, 0
		for i, d := range nearest {
			if d > farthestDistance {
				farthest, farthestDistance = i, d
			}
		}
		if farthest < 0 {
			break
		}
		next := f.entries[members[farthest]].descriptor
		centers = append(centers, next)
		for i, m := range members {
			nearest[i] = min(nearest[i], keypoints.Distance(f.entries[m].descriptor, next))
		}
	}
	if len(centers) < 2 {
		return centers, nil
	}

	assignment := make([]int, len(members))
	for round := 0; round < cfg.ClusteringRounds; round++ {
		changed := f.assign(members, centers, assignment)
		if !changed && round > 0 {
			break
		}
		clusters := make([][]keypoints.Descriptor, len(centers))
		for i, m := range members {
			clusters[assignment[i]] = append(clusters[assignment[i]], f.entries[m].descriptor)
		}
		for c := range centers {
			if len(clusters[c]) > 0 {
				centers[c] = keypoints.MajorityDescriptor(clusters[c])
			}
		}
	}
	f.assign(members, centers, assignment)

	groups := make([][]int, len(centers))
	for i, m := range members {
		groups[assignment[i]] = append(groups[assignment[i]], m)
	}
	keptCenters := make([]keypoints.Descriptor, 0, len(centers))
	keptGroups := make([][]int, 0, len(centers))
	for c := range centers {
		if len(groups[c]) > 0 {
			keptCenters = append(keptCenters, centers[c])
			keptGroups = append(keptGroups, groups[c])
		}
	}
	return keptCenters, keptGroups
}

// assign puts every member under its nearest center, the lowest index on ties, and reports
// whether any assignment changed.
func (f *Forest) assign(members []int, centers []keypoints.Descriptor, assignment []int) bool {
	changed := false
	for i, m := range members {
		best := nearestCenter(f.entries[m].descriptor, centers)
		if best != assignment[i] {
			assignment[i] = best
			changed = true
		}
	}
	return changed
}

func nearestCenter(d keypoints.Descriptor, centers []keypoints.Descriptor) int {
	best, bestDistance := 0, keypoints.DescriptorBits+1
	for c, center := range centers {
		if dist := keypoints.Distance(d, center); dist < bestDistance {
			best, bestDistance = c, dist
		}
	}
	return best
}

func (f *Forest) leaf(root *vocabularyNode, d keypoints.Descriptor) *vocabularyNode {
	node := root
	for !node.isLeaf() {
		centers := make([]keypoints.Descriptor, len(node.children))
		for i, child := range node.children {
			centers[i] = child.center
		}
		node = node.children[nearestCenter(d, centers)]
	}
	return node
}

// search returns the landmarks found in the leaf reached in every tree with their smallest
// distance to d, ordered by distance and then landmark position.
func (f *Forest) search(d keypoints.Descriptor) []candidate {
	best := map[int]int{}
	for _, root := range f.trees {
		for _, m := range f.leaf(root, d).members {
			e := f.entries[m]
			dist := keypoints.Distance(d, e.descriptor)
			if prev, ok := best[e.landmark]; !ok || dist < prev {
				best[e.landmark] = dist
			}
		}
	}
	out := make([]candidate, 0, len(best))
	for landmark, dist := range best {
		out = append(out, candidate{landmark: landmark, distance: dist})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].distance != out[b].distance {
			return out[a].distance < out[b].distance
		}
		return out[a].landmark < out[b].landmark
	})
	return out
}

// Depth returns the depth of the deepest tree, a leaf-only tree having depth 1.
func (f *Forest) Depth() int {
	var depth func(n *vocabularyNode) int
	depth = func(n *vocabularyNode) int {
		d := 0
		for _, c := range n.children {
			d = max(d, depth(c))
		}
		return d + 1
	}
	out := 0
	for _, root := range f.trees {
		out = max(out, depth(root))
	}
	return out
}
