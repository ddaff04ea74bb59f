package analyzer

import "github.com/Faultbox/modelstats/pkg/gltf"

// SkeletonStats returns the number of distinct joints across all skins and
// the deepest chain of joints whose parents are themselves joints.
func SkeletonStats(doc *gltf.Document) (bones, depth int) {
	joints := make(map[int]bool)
	for _, skin := range doc.Skins {
		for _, j := range skin.Joints {
			joints[j] = true
		}
	}
	if len(joints) == 0 {
		return 0, 0
	}

	parents := ParentMap(doc)
	for j := range joints {
		d := 0
		seen := map[int]bool{j: true}
		p, ok := parents[j]
		for ok && joints[p] && !seen[p] {
			seen[p] = true
			d++
			p, ok = parents[p]
		}
		depth = max(depth, d)
	}
	return len(joints), depth
}

// ParentMap inverts every node's children list. When a node is listed as a
// child of several parents the last one wins.
func ParentMap(doc *gltf.Document) map[int]int {
	parents := make(map[int]int, len(doc.Nodes))
	for i, node := range doc.Nodes {
		for _, child := range node.Children {
			parents[child] = i
		}
	}
	return parents
}
