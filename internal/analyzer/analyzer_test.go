package analyzer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	qgltf "github.com/qmuntal/gltf"

	"github.com/Faultbox/modelstats/internal/assets"
	"github.com/Faultbox/modelstats/internal/resource"
	"github.com/Faultbox/modelstats/pkg/gltf"
)

const assetURL = "https://assets.test/models/model.glb"

// fixture assembles a GLB whose images live in the BIN chunk.
type fixture struct {
	doc   map[string]any
	bin   []byte
	views []any
}

func newFixture(doc map[string]any) *fixture {
	return &fixture{doc: doc}
}

func (f *fixture) addView(data []byte) int {
	for len(f.bin)%4 != 0 {
		f.bin = append(f.bin, 0)
	}
	offset := len(f.bin)
	f.bin = append(f.bin, data...)
	f.views = append(f.views, map[string]any{"buffer": 0, "byteOffset": offset, "byteLength": len(data)})
	return len(f.views) - 1
}

func (f *fixture) glb(t *testing.T) []byte {
	t.Helper()
	if len(f.views) > 0 {
		f.doc["bufferViews"] = f.views
	}
	if f.bin != nil {
		for len(f.bin)%4 != 0 {
			f.bin = append(f.bin, 0)
		}
		f.doc["buffers"] = []any{map[string]any{"byteLength": len(f.bin)}}
	}
	js, err := json.Marshal(f.doc)
	if err != nil {
		t.Fatalf("failed to marshal fixture: %v", err)
	}
	return buildGLB(js, f.bin)
}

func buildGLB(js, bin []byte) []byte {
	for len(js)%4 != 0 {
		js = append(js, ' ')
	}
	var buf bytes.Buffer
	total := 12 + 8 + len(js)
	if bin != nil {
		total += 8 + len(bin)
	}
	binary.Write(&buf, binary.LittleEndian, gltf.GLBMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(2))
	binary.Write(&buf, binary.LittleEndian, uint32(total))
	binary.Write(&buf, binary.LittleEndian, uint32(len(js)))
	binary.Write(&buf, binary.LittleEndian, gltf.ChunkTypeJSON)
	buf.Write(js)
	if bin != nil {
		binary.Write(&buf, binary.LittleEndian, uint32(len(bin)))
		binary.Write(&buf, binary.LittleEndian, gltf.ChunkTypeBIN)
		buf.Write(bin)
	}
	return buf.Bytes()
}

func pngHeader(width, height uint32) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	binary.Write(&buf, binary.BigEndian, uint32(13))
	buf.WriteString("IHDR")
	binary.Write(&buf, binary.BigEndian, width)
	binary.Write(&buf, binary.BigEndian, height)
	buf.Write([]byte{8, 6, 0, 0, 0})
	return buf.Bytes()
}

func ktx2Header(width, height uint32) []byte {
	buf := make([]byte, 48)
	copy(buf, []byte{0xAB, 0x4B, 0x54, 0x58, 0x20, 0x32, 0x30, 0xBB, 0x0D, 0x0A, 0x1A, 0x0A})
	binary.LittleEndian.PutUint32(buf[20:], width)
	binary.LittleEndian.PutUint32(buf[24:], height)
	return buf
}

func memFetcher(files map[string][]byte) resource.Fetcher {
	return resource.FetcherFunc(func(ctx context.Context, location string) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, resource.ErrCancelled
		}
		data, ok := files[location]
		if !ok {
			return nil, &resource.FetchError{URL: location, Status: 404}
		}
		return data, nil
	})
}

func analyze(t *testing.T, glb []byte, extra map[string][]byte) (Stats, error) {
	t.Helper()
	files := map[string][]byte{assetURL: glb}
	for k, v := range extra {
		files[k] = v
	}
	return New(memFetcher(files), Options{}).Analyze(context.Background(), assetURL, nil)
}

// triangleDoc builds a document whose single mesh draws accessor 0 as TRIANGLES.
func triangleDoc(nodes []any, positionCount int) map[string]any {
	return map[string]any{
		"scene":     0,
		"scenes":    []any{map[string]any{"nodes": rootsOf(nodes)}},
		"nodes":     nodes,
		"meshes":    []any{map[string]any{"primitives": []any{map[string]any{"attributes": map[string]any{"POSITION": 0}}}}},
		"accessors": []any{map[string]any{"count": positionCount}},
	}
}

func rootsOf(nodes []any) []int {
	roots := make([]int, len(nodes))
	for i := range nodes {
		roots[i] = i
	}
	return roots
}

func TestAnalyze_SingleTriangle(t *testing.T) {
	doc := triangleDoc([]any{map[string]any{"mesh": 0}}, 3)
	stats, err := analyze(t, newFixture(doc).glb(t), nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if stats.TriangleCount != 1 {
		t.Errorf("expected 1 triangle, got %d", stats.TriangleCount)
	}
	if stats.MeshCount != 1 {
		t.Errorf("expected 1 mesh, got %d", stats.MeshCount)
	}
}

func TestAnalyze_InstancedMesh(t *testing.T) {
	const n, trianglesPerMesh = 5, 12

	nodes := make([]any, n)
	for i := range nodes {
		nodes[i] = map[string]any{"mesh": 0}
	}
	doc := triangleDoc(nodes, trianglesPerMesh*3)

	stats, err := analyze(t, newFixture(doc).glb(t), nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if stats.MeshCount != n {
		t.Errorf("expected meshCount %d, got %d", n, stats.MeshCount)
	}
	if stats.TriangleCount != n*trianglesPerMesh {
		t.Errorf("expected triangleCount %d, got %d", n*trianglesPerMesh, stats.TriangleCount)
	}
}

func TestAnalyze_InstancedMeshThirdPartyEncoder(t *testing.T) {
	doc := &qgltf.Document{
		Asset:  qgltf.Asset{Version: "2.0"},
		Scene:  qgltf.Index(0),
		Scenes: []*qgltf.Scene{{Nodes: []int{0}}},
		Nodes: []*qgltf.Node{
			{Children: []int{1, 2, 3}},
			{Mesh: qgltf.Index(0)},
			{Mesh: qgltf.Index(0)},
			{Mesh: qgltf.Index(0)},
		},
		Meshes: []*qgltf.Mesh{{
			Primitives: []*qgltf.Primitive{{
				Attributes: map[string]int{qgltf.POSITION: 0},
				Indices:    qgltf.Index(1),
			}},
		}},
		Accessors: []*qgltf.Accessor{
			{Count: 4, ComponentType: qgltf.ComponentFloat, Type: qgltf.AccessorVec3},
			{Count: 6, ComponentType: qgltf.ComponentUshort, Type: qgltf.AccessorScalar},
		},
	}

	var buf bytes.Buffer
	enc := qgltf.NewEncoder(&buf)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}

	stats, err := analyze(t, buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if stats.MeshCount != 3 {
		t.Errorf("expected meshCount 3, got %d", stats.MeshCount)
	}
	if stats.TriangleCount != 6 {
		t.Errorf("expected triangleCount 6, got %d", stats.TriangleCount)
	}
}

func TestAnalyze_PlainJSON(t *testing.T) {
	doc := triangleDoc([]any{map[string]any{"mesh": 0}, map[string]any{"mesh": 0}}, 9)
	doc["animations"] = []any{map[string]any{}, map[string]any{}}
	doc["materials"] = []any{map[string]any{"name": "a"}}
	js, _ := json.Marshal(doc)

	stats, err := analyze(t, js, nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	want := Stats{MeshCount: 2, TriangleCount: 6, MaterialCount: 1, AnimationCount: 2}
	if stats != want {
		t.Errorf("expected %+v, got %+v", want, stats)
	}
}

func TestAnalyze_SharedTextureCountedOnce(t *testing.T) {
	f := newFixture(map[string]any{
		"materials": []any{map[string]any{
			"pbrMetallicRoughness": map[string]any{"baseColorTexture": map[string]any{"index": 0}},
			"emissiveTexture":      map[string]any{"index": 0, "texCoord": 1},
		}},
		"textures": []any{map[string]any{"source": 0}},
	})
	view := f.addView(pngHeader(8, 4))
	f.doc["images"] = []any{map[string]any{"bufferView": view, "mimeType": "image/png"}}

	stats, err := analyze(t, f.glb(t), nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if stats.TextureCount != 1 {
		t.Errorf("expected textureCount 1, got %d", stats.TextureCount)
	}
	if stats.TexturePixels != 32 {
		t.Errorf("expected 32 texture pixels, got %d", stats.TexturePixels)
	}
	if stats.TextureMemoryBytes != EstimateTextureBytes(8, 4) {
		t.Errorf("expected %d texture bytes, got %d", EstimateTextureBytes(8, 4), stats.TextureMemoryBytes)
	}
	if stats.MaxTextureWidth != 8 || stats.MaxTextureHeight != 4 {
		t.Errorf("expected max texture 8x4, got %dx%d", stats.MaxTextureWidth, stats.MaxTextureHeight)
	}
}

func TestAnalyze_TexturesSharingImage(t *testing.T) {
	f := newFixture(map[string]any{
		"materials": []any{
			map[string]any{"normalTexture": map[string]any{"index": 0}},
			map[string]any{"occlusionTexture": map[string]any{"index": 1}},
		},
		"textures": []any{map[string]any{"source": 0}, map[string]any{"source": 0}},
	})
	view := f.addView(pngHeader(16, 16))
	f.doc["images"] = []any{map[string]any{"bufferView": view}}

	stats, err := analyze(t, f.glb(t), nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if stats.TextureCount != 2 {
		t.Errorf("expected textureCount 2, got %d", stats.TextureCount)
	}
	if stats.TexturePixels != 256 {
		t.Errorf("expected image counted once (256 pixels), got %d", stats.TexturePixels)
	}
}

func TestAnalyze_BasisuSourcePreferred(t *testing.T) {
	f := newFixture(map[string]any{
		"materials": []any{map[string]any{
			"extensions": map[string]any{
				"KHR_materials_clearcoat": map[string]any{"clearcoatTexture": map[string]any{"index": 0}},
			},
		}},
		"textures": []any{map[string]any{
			"source":     0,
			"extensions": map[string]any{"KHR_texture_basisu": map[string]any{"source": 1}},
		}},
	})
	pngView := f.addView(pngHeader(8, 8))
	ktxView := f.addView(ktx2Header(1024, 512))
	f.doc["images"] = []any{
		map[string]any{"bufferView": pngView, "mimeType": "image/png"},
		map[string]any{"bufferView": ktxView, "mimeType": "image/ktx2"},
	}

	stats, err := analyze(t, f.glb(t), nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if stats.TexturePixels != 1024*512 {
		t.Errorf("expected KTX2 pixels %d, got %d", 1024*512, stats.TexturePixels)
	}
	if stats.MaxTextureWidth != 1024 || stats.MaxTextureHeight != 512 {
		t.Errorf("expected max texture 1024x512, got %dx%d", stats.MaxTextureWidth, stats.MaxTextureHeight)
	}
}

func TestAnalyze_ExternalAndDataURIImages(t *testing.T) {
	f := newFixture(map[string]any{
		"materials": []any{map[string]any{
			"a": map[string]any{"index": 0},
			"b": map[string]any{"index": 1},
		}},
		"textures": []any{map[string]any{"source": 0}, map[string]any{"source": 1}},
		"images": []any{
			map[string]any{"uri": "textures/wood%20grain.png"},
			map[string]any{"uri": "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAIAAAADCAYAAAC56t6BAAAAAA=="},
		},
	})

	extra := map[string][]byte{
		"https://assets.test/models/textures/wood%20grain.png": pngHeader(64, 32),
	}
	stats, err := analyze(t, f.glb(t), extra)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if stats.TexturePixels != 64*32+2*3 {
		t.Errorf("expected %d pixels, got %d", 64*32+2*3, stats.TexturePixels)
	}
	if stats.MaxTextureWidth != 64 || stats.MaxTextureHeight != 32 {
		t.Errorf("expected max texture 64x32, got %dx%d", stats.MaxTextureWidth, stats.MaxTextureHeight)
	}
}

func TestAnalyze_UnmeasurableImageIsNotFatal(t *testing.T) {
	f := newFixture(map[string]any{
		"materials": []any{map[string]any{"baseColorTexture": map[string]any{"index": 0}}},
		"textures":  []any{map[string]any{"source": 0}},
	})
	view := f.addView([]byte("GIF89a\x08\x00\x04\x00\x00\x00\x00\x00"))
	f.doc["images"] = []any{map[string]any{"bufferView": view, "mimeType": "image/gif"}}

	stats, err := analyze(t, f.glb(t), nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if stats.TextureCount != 1 {
		t.Errorf("expected textureCount 1, got %d", stats.TextureCount)
	}
	if stats.TexturePixels != 0 || stats.TextureMemoryBytes != 0 || stats.MaxTextureWidth != 0 {
		t.Errorf("expected zero texture cost, got %+v", stats)
	}
}

func TestAnalyze_Errors(t *testing.T) {
	missingBin := newFixture(map[string]any{
		"buffers":     []any{map[string]any{"byteLength": 4}},
		"bufferViews": []any{map[string]any{"buffer": 0, "byteLength": 4}},
		"images":      []any{map[string]any{"bufferView": 0}},
	})
	missingBinJSON, _ := json.Marshal(missingBin.doc)

	brokenImage := newFixture(map[string]any{
		"images": []any{map[string]any{"uri": "missing.png"}},
	})

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"malformed container", []byte("not a model"), gltf.ErrMalformedContainer},
		{"missing buffer", missingBinJSON, assets.ErrMissingBuffer},
		{"image fetch failure", brokenImage.glb(t), resource.ErrFetchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := analyze(t, tt.data, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	_, err := New(memFetcher(nil), Options{}).Analyze(context.Background(), assetURL, nil)
	if !errors.Is(err, resource.ErrFetchFailed) {
		t.Errorf("expected ErrFetchFailed for missing asset, got %v", err)
	}
}

func TestAnalyze_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	glb := newFixture(triangleDoc([]any{map[string]any{"mesh": 0}}, 3)).glb(t)
	_, err := New(memFetcher(map[string][]byte{assetURL: glb}), Options{}).Analyze(ctx, assetURL, nil)
	if !resource.IsCancelled(err) {
		t.Errorf("expected cancellation error, got %v", err)
	}
}

func TestAnalyze_Skeleton(t *testing.T) {
	tests := []struct {
		name  string
		nodes []any
		skins []any
		bones int
		depth int
	}{
		{
			// Chain 0 -> 1 -> 2 -> 3 of joints under a non-joint root 4.
			name: "chain across skins",
			nodes: []any{
				map[string]any{"children": []any{1}},
				map[string]any{"children": []any{2}},
				map[string]any{"children": []any{3}},
				map[string]any{},
				map[string]any{"children": []any{0}},
			},
			skins: []any{
				map[string]any{"joints": []any{0, 1}},
				map[string]any{"joints": []any{1, 2, 3}},
			},
			bones: 4, depth: 3,
		},
		{
			name:  "single joint",
			nodes: []any{map[string]any{}},
			skins: []any{map[string]any{"joints": []any{0}}},
			bones: 1, depth: 0,
		},
		{
			name:  "single joint under non-joint parent",
			nodes: []any{map[string]any{"children": []any{1}}, map[string]any{}},
			skins: []any{map[string]any{"joints": []any{1}}},
			bones: 1, depth: 0,
		},
		{
			name:  "cyclic joint parents",
			nodes: []any{map[string]any{"children": []any{1}}, map[string]any{"children": []any{0}}},
			skins: []any{map[string]any{"joints": []any{0, 1}}},
			bones: 2, depth: 1,
		},
		{
			name:  "no skins",
			nodes: []any{map[string]any{"children": []any{1}}, map[string]any{}},
			bones: 0, depth: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := map[string]any{"nodes": tt.nodes}
			if tt.skins != nil {
				doc["skins"] = tt.skins
			}
			stats, err := analyze(t, newFixture(doc).glb(t), nil)
			if err != nil {
				t.Fatalf("analyze failed: %v", err)
			}
			if stats.BoneCount != tt.bones {
				t.Errorf("expected %d bones, got %d", tt.bones, stats.BoneCount)
			}
			if stats.BoneDepth != tt.depth {
				t.Errorf("expected bone depth %d, got %d", tt.depth, stats.BoneDepth)
			}
		})
	}
}

func TestAnalyze_NonUTF8Name(t *testing.T) {
	js := "{\"scene\":0,\"scenes\":[{\"nodes\":[0]}],\"nodes\":[{\"name\":\"Caf\xe9\",\"mesh\":0}]," +
		"\"meshes\":[{\"primitives\":[{\"attributes\":{\"POSITION\":0}}]}],\"accessors\":[{\"count\":3}]}"

	stats, err := analyze(t, buildGLB([]byte(js), nil), nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if stats.MeshCount != 1 || stats.TriangleCount != 1 {
		t.Errorf("expected 1 mesh and 1 triangle, got %d and %d", stats.MeshCount, stats.TriangleCount)
	}
}

func TestAnalyze_EqualAreaTexturesPreferLowestImage(t *testing.T) {
	// Material order reaches image 1 first; image 0 still wins the tie.
	f := newFixture(map[string]any{
		"materials": []any{
			map[string]any{"normalTexture": map[string]any{"index": 0}},
			map[string]any{"occlusionTexture": map[string]any{"index": 1}},
		},
		"textures": []any{map[string]any{"source": 1}, map[string]any{"source": 0}},
	})
	tall := f.addView(pngHeader(256, 512))
	wide := f.addView(pngHeader(512, 256))
	f.doc["images"] = []any{
		map[string]any{"bufferView": tall, "mimeType": "image/png"},
		map[string]any{"bufferView": wide, "mimeType": "image/png"},
	}

	stats, err := analyze(t, f.glb(t), nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if stats.MaxTextureWidth != 256 || stats.MaxTextureHeight != 512 {
		t.Errorf("expected max texture 256x512, got %dx%d", stats.MaxTextureWidth, stats.MaxTextureHeight)
	}
	if stats.TexturePixels != 2*256*512 {
		t.Errorf("expected %d texture pixels, got %d", 2*256*512, stats.TexturePixels)
	}
}
