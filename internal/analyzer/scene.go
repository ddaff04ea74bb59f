package analyzer

import "github.com/Faultbox/modelstats/pkg/gltf"

// SceneUsage records how the active scene uses mesh definitions.
type SceneUsage struct {
	Instances map[int]int // mesh index -> number of nodes referencing it
	Visited   int         // nodes reached from the scene roots
}

// MeshInstances returns the total number of mesh instances in the scene.
func (u SceneUsage) MeshInstances() int {
	total := 0
	for _, n := range u.Instances {
		total += n
	}
	return total
}

// WalkScene traverses the active scene breadth-first from its roots and
// counts, per mesh, the nodes that reference it. Each node is visited at
// most once, so cyclic child lists terminate.
func WalkScene(doc *gltf.Document) SceneUsage {
	usage := SceneUsage{Instances: make(map[int]int)}

	queue := append([]int(nil), doc.SceneRoots()...)
	visited := make(map[int]bool, len(doc.Nodes))

	for head := 0; head < len(queue); head++ {
		idx := queue[head]
		if visited[idx] {
			continue
		}
		visited[idx] = true

		node, ok := doc.Node(idx)
		if !ok {
			continue
		}
		usage.Visited++

		if node.Mesh != nil {
			usage.Instances[*node.Mesh]++
		}
		for _, child := range node.Children {
			if !visited[child] {
				queue = append(queue, child)
			}
		}
	}
	return usage
}

// TrianglesForMode converts an element count to a triangle count for the
// given primitive mode. A nil mode means TRIANGLES.
func TrianglesForMode(count int, mode *int) int {
	m := gltf.ModeTriangles
	if mode != nil {
		m = *mode
	}

	switch m {
	case gltf.ModeTriangles:
		return count / 3
	case gltf.ModeTriangleStrip, gltf.ModeTriangleFan:
		return max(0, count-2)
	default:
		return 0
	}
}

// PrimitiveTriangles returns the triangle count of one primitive. The index
// accessor's count is used when present, else the POSITION accessor's.
func PrimitiveTriangles(doc *gltf.Document, prim gltf.Primitive) int {
	count := 0
	found := false

	if prim.Indices != nil {
		if acc, ok := doc.Accessor(*prim.Indices); ok {
			count, found = acc.Count, true
		}
	}
	if !found {
		pos, ok := prim.Attributes["POSITION"]
		if !ok {
			pos, ok = prim.Attributes["position"]
		}
		if ok {
			if acc, ok := doc.Accessor(pos); ok {
				count = acc.Count
			}
		}
	}
	return TrianglesForMode(count, prim.Mode)
}

// MeshTriangles sums the triangles of every primitive of mesh i.
func MeshTriangles(doc *gltf.Document, i int) int {
	if i < 0 || i >= len(doc.Meshes) {
		return 0
	}
	total := 0
	for _, prim := range doc.Meshes[i].Primitives {
		total += PrimitiveTriangles(doc, prim)
	}
	return total
}

// CountGeometry returns the instanced mesh and triangle counts. When the
// scene references no mesh, every mesh definition is counted once.
func CountGeometry(doc *gltf.Document, usage SceneUsage) (meshes, triangles int) {
	if len(usage.Instances) == 0 {
		for i := range doc.Meshes {
			triangles += MeshTriangles(doc, i)
		}
		return len(doc.Meshes), triangles
	}

	for mesh, n := range usage.Instances {
		triangles += MeshTriangles(doc, mesh) * n
	}
	return usage.MeshInstances(), triangles
}
