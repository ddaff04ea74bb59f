// Package analyzer computes structural and complexity statistics for glTF
// assets without rendering or decoding them.
package analyzer

import "math"

// Stats summarizes the complexity of a glTF asset.
type Stats struct {
	MeshCount          int   `json:"meshCount" yaml:"mesh_count"`
	TriangleCount      int   `json:"triangleCount" yaml:"triangle_count"`
	MaterialCount      int   `json:"materialCount" yaml:"material_count"`
	TextureCount       int   `json:"textureCount" yaml:"texture_count"`
	BoneCount          int   `json:"boneCount" yaml:"bone_count"`
	AnimationCount     int   `json:"animationCount" yaml:"animation_count"`
	BoneDepth          int   `json:"boneDepth" yaml:"bone_depth"`
	TexturePixels      int64 `json:"texturePixels" yaml:"texture_pixels"`
	MaxTextureWidth    int   `json:"maxTextureWidth" yaml:"max_texture_width"`
	MaxTextureHeight   int   `json:"maxTextureHeight" yaml:"max_texture_height"`
	TextureMemoryBytes int64 `json:"textureMemoryBytes" yaml:"texture_memory_bytes"`
}

// mipChainFactor approximates the extra memory of a full mip chain.
const mipChainFactor = 1.333

// EstimateTextureBytes estimates GPU memory for an uncompressed RGBA8
// texture of the given size, including mipmaps.
func EstimateTextureBytes(width, height int) int64 {
	base := float64(width) * float64(height) * 4
	return int64(math.Round(base * mipChainFactor))
}
