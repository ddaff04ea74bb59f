package gltf

import "encoding/json"

// Primitive draw modes.
const (
	ModePoints        = 0
	ModeLines         = 1
	ModeLineLoop      = 2
	ModeLineStrip     = 3
	ModeTriangles     = 4
	ModeTriangleStrip = 5
	ModeTriangleFan   = 6
)

// ExtTextureBasisu is the texture extension whose source overrides the
// plain texture source.
const ExtTextureBasisu = "KHR_texture_basisu"

// Document is the subset of the glTF JSON graph used for statistics.
// Materials are kept as untyped trees so that texture references in
// unknown slots are still visible.
type Document struct {
	Scene       *int              `json:"scene,omitempty"`
	Scenes      []Scene           `json:"scenes,omitempty"`
	Nodes       []Node            `json:"nodes,omitempty"`
	Meshes      []Mesh            `json:"meshes,omitempty"`
	Accessors   []Accessor        `json:"accessors,omitempty"`
	Materials   []any             `json:"materials,omitempty"`
	Textures    []Texture         `json:"textures,omitempty"`
	Images      []Image           `json:"images,omitempty"`
	Buffers     []Buffer          `json:"buffers,omitempty"`
	BufferViews []BufferView      `json:"bufferViews,omitempty"`
	Skins       []Skin            `json:"skins,omitempty"`
	Animations  []json.RawMessage `json:"animations,omitempty"`
}

// Scene lists root node indices.
type Scene struct {
	Nodes []int `json:"nodes,omitempty"`
}

// Node is a scene graph node.
type Node struct {
	Mesh     *int  `json:"mesh,omitempty"`
	Children []int `json:"children,omitempty"`
}

// Mesh is a set of primitives.
type Mesh struct {
	Primitives []Primitive `json:"primitives,omitempty"`
}

// Primitive is one drawable geometry unit.
type Primitive struct {
	Attributes map[string]int `json:"attributes,omitempty"`
	Indices    *int           `json:"indices,omitempty"`
	Mode       *int           `json:"mode,omitempty"`
}

// Accessor describes typed buffer data. Only the element count is used.
type Accessor struct {
	Count int `json:"count"`
}

// Texture references an image.
type Texture struct {
	Source     *int              `json:"source,omitempty"`
	Extensions TextureExtensions `json:"extensions,omitempty"`
}

// TextureExtensions holds the texture extensions that affect source resolution.
type TextureExtensions struct {
	Basisu *TextureSource `json:"KHR_texture_basisu,omitempty"`
}

// TextureSource is an extension-provided image source.
type TextureSource struct {
	Source *int `json:"source,omitempty"`
}

// ImageSource returns the image index a texture samples from, preferring
// the KHR_texture_basisu source over the plain source.
func (t Texture) ImageSource() (int, bool) {
	if t.Extensions.Basisu != nil && t.Extensions.Basisu.Source != nil {
		return *t.Extensions.Basisu.Source, true
	}
	if t.Source != nil {
		return *t.Source, true
	}
	return 0, false
}

// Image is an image referenced by uri or bufferView.
type Image struct {
	URI        string `json:"uri,omitempty"`
	BufferView *int   `json:"bufferView,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
}

// Buffer is a block of binary data. An empty URI refers to the GLB BIN chunk.
type Buffer struct {
	URI        string `json:"uri,omitempty"`
	ByteLength int    `json:"byteLength"`
}

// BufferView is a byte range within a buffer.
type BufferView struct {
	Buffer     int `json:"buffer"`
	ByteOffset int `json:"byteOffset,omitempty"`
	ByteLength int `json:"byteLength"`
}

// Skin binds a skeleton.
type Skin struct {
	Joints []int `json:"joints,omitempty"`
}

// SceneRoots returns the root nodes to traverse: the selected scene's
// roots, or the roots of every scene when none is selected.
func (d *Document) SceneRoots() []int {
	if d.Scene != nil {
		if *d.Scene < 0 || *d.Scene >= len(d.Scenes) {
			return nil
		}
		return d.Scenes[*d.Scene].Nodes
	}

	var roots []int
	for _, s := range d.Scenes {
		roots = append(roots, s.Nodes...)
	}
	return roots
}

// Accessor returns the accessor at index i.
func (d *Document) Accessor(i int) (Accessor, bool) {
	if i < 0 || i >= len(d.Accessors) {
		return Accessor{}, false
	}
	return d.Accessors[i], true
}

// Node returns the node at index i.
func (d *Document) Node(i int) (Node, bool) {
	if i < 0 || i >= len(d.Nodes) {
		return Node{}, false
	}
	return d.Nodes[i], true
}
