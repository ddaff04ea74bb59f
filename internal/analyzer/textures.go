package analyzer

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"

	"github.com/Faultbox/modelstats/pkg/gltf"
)

type visitKey struct {
	kind reflect.Kind
	ptr  uintptr
	len  int
}

// CollectTextureRefs walks every material's property tree and returns the
// sorted set of texture indices referenced by nested objects carrying an
// integer "index" field. Slot names are not consulted, so extension and
// future slots are found too.
func CollectTextureRefs(materials []any) []int {
	refs := make(map[int]struct{})
	visited := make(map[visitKey]bool)

	stack := make([]any, 0, len(materials))
	for i := len(materials) - 1; i >= 0; i-- {
		stack = append(stack, materials[i])
	}

	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch node := v.(type) {
		case map[string]any:
			key := visitKey{reflect.Map, reflect.ValueOf(node).Pointer(), 0}
			if visited[key] {
				continue
			}
			visited[key] = true

			if idx, ok := integerValue(node["index"]); ok {
				refs[idx] = struct{}{}
			}
			for _, child := range node {
				stack = append(stack, child)
			}
		case []any:
			if len(node) == 0 {
				continue
			}
			key := visitKey{reflect.Slice, reflect.ValueOf(node).Pointer(), len(node)}
			if visited[key] {
				continue
			}
			visited[key] = true
			stack = append(stack, node...)
		}
	}

	out := make([]int, 0, len(refs))
	for idx := range refs {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func integerValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case int:
		return n, n >= 0
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 || i > math.MaxInt32 {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// TextureCount returns the number of distinct textures referenced by
// materials, or the size of the texture array when none are referenced.
func TextureCount(doc *gltf.Document, refs []int) int {
	if len(refs) > 0 {
		return len(refs)
	}
	return len(doc.Textures)
}

// ImageSources maps referenced textures to the distinct image indices they
// sample, in ascending order, so that equal-area images resolve the largest
// texture to the lowest index. When no texture resolves to an image, every
// image of the document is returned.
func ImageSources(doc *gltf.Document, refs []int) []int {
	seen := make(map[int]bool)
	var out []int

	for _, t := range refs {
		if t < 0 || t >= len(doc.Textures) {
			continue
		}
		src, ok := doc.Textures[t].ImageSource()
		if !ok || seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}

	if len(out) == 0 {
		for i := range doc.Images {
			out = append(out, i)
		}
		return out
	}

	sort.Ints(out)
	return out
}
