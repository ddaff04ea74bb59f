// Package lod turns model statistics into viewer level-of-detail advice:
// quality profiles, when to swap in a prebuilt LOD, and texture limits.
package lod

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Faultbox/modelstats/internal/analyzer"
)

// Quality is a viewer quality level.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ErrUnknownQuality is returned by ParseQuality.
var ErrUnknownQuality = errors.New("unknown quality")

// ParseQuality parses a quality name, case-insensitively.
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case QualityLow, QualityMedium, QualityHigh:
		return q, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownQuality, s)
}

// Profile holds the render settings for one quality level.
type Profile struct {
	Quality        Quality    `json:"quality"`
	DPR            [2]float64 `json:"dpr"`
	Shadows        bool       `json:"shadows"`
	ShadowMapSize  int        `json:"shadowMapSize"`
	TextureMaxSize int        `json:"textureMaxSize"`
	Anisotropy     int        `json:"anisotropy"`
	LODDistance    float64    `json:"lodDistance"`
}

var profiles = map[Quality]Profile{
	QualityLow: {
		Quality:        QualityLow,
		DPR:            [2]float64{1, 1},
		ShadowMapSize:  512,
		TextureMaxSize: 1024,
		Anisotropy:     2,
		LODDistance:    2.2,
	},
	QualityMedium: {
		Quality:        QualityMedium,
		DPR:            [2]float64{1, 1.5},
		Shadows:        true,
		ShadowMapSize:  1024,
		TextureMaxSize: 2048,
		Anisotropy:     4,
		LODDistance:    2.8,
	},
	QualityHigh: {
		Quality:        QualityHigh,
		DPR:            [2]float64{1, 2},
		Shadows:        true,
		ShadowMapSize:  2048,
		TextureMaxSize: 4096,
		Anisotropy:     8,
		LODDistance:    3.2,
	},
}

// ProfileFor returns the profile of q. Unknown levels get the high profile.
func ProfileFor(q Quality) Profile {
	if p, ok := profiles[q]; ok {
		return p
	}
	return profiles[QualityHigh]
}

// Triangle thresholds for switching to a prebuilt LOD.
const (
	StaticLODTriangles = 30000
	AnyLODTriangles    = 90000
)

// ShouldUseLOD reports whether the viewer should load a prebuilt LOD.
// Static models qualify above StaticLODTriangles; any model qualifies above
// AnyLODTriangles unless the quality is high.
func ShouldUseLOD(stats analyzer.Stats, q Quality) bool {
	static := stats.BoneCount == 0 && stats.AnimationCount == 0
	if stats.TriangleCount > StaticLODTriangles && static {
		return true
	}
	return stats.TriangleCount > AnyLODTriangles && q != QualityHigh
}

// PrebuiltLODURL maps a model URL to its prebuilt LOD location. It returns
// false for blob URLs, empty input and URLs outside /models/.
func PrebuiltLODURL(src string) (string, bool) {
	if src == "" || strings.HasPrefix(src, "blob:") {
		return "", false
	}
	for _, m := range []struct{ from, to string }{
		{"/models/ktx2/", "/models/lod/ktx2/"},
		{"/models/high/", "/models/lod/high/"},
		{"/models/", "/models/lod/raw/"},
	} {
		if strings.Contains(src, m.from) {
			return strings.Replace(src, m.from, m.to, 1), true
		}
	}
	return "", false
}

// Device describes the client's GPU and memory limits. Zero values mean
// unknown.
type Device struct {
	MemoryGB       float64 `json:"memoryGb,omitempty"`
	MaxTextureSize int     `json:"maxTextureSize,omitempty"`
	MaxAnisotropy  int     `json:"maxAnisotropy,omitempty"`
}

// TextureLimit returns the largest texture side the viewer keeps at quality
// q. Below high quality, or on devices with less than 8 GB of memory, the
// profile limit applies; otherwise only the GPU limit does.
func TextureLimit(q Quality, d Device) int {
	allowDownscale := q != QualityHigh || (d.MemoryGB > 0 && d.MemoryGB < 8)

	limit := d.MaxTextureSize
	if allowDownscale {
		limit = ProfileFor(q).TextureMaxSize
	}
	if d.MaxTextureSize > 0 && (limit == 0 || d.MaxTextureSize < limit) {
		limit = d.MaxTextureSize
	}
	return limit
}

// Anisotropy returns the anisotropic filtering level for q on device d.
func Anisotropy(q Quality, d Device) int {
	a := ProfileFor(q).Anisotropy
	if d.MaxAnisotropy > 0 {
		a = min(a, d.MaxAnisotropy)
	}
	return a
}

// NeedsTextureDownscale reports whether the largest texture exceeds the
// limit for q on device d. A zero limit never requires downscaling.
func NeedsTextureDownscale(stats analyzer.Stats, q Quality, d Device) bool {
	limit := TextureLimit(q, d)
	if limit <= 0 {
		return false
	}
	return max(stats.MaxTextureWidth, stats.MaxTextureHeight) > limit
}

// Advice bundles everything the viewer derives from one stats result.
type Advice struct {
	Profile          Profile `json:"profile"`
	UseLOD           bool    `json:"useLod"`
	LODURL           string  `json:"lodUrl,omitempty"`
	TextureLimit     int     `json:"textureLimit,omitempty"`
	DownscaleTexture bool    `json:"downscaleTextures"`
}

// Advise computes viewer advice for the model at src.
func Advise(src string, stats analyzer.Stats, q Quality, d Device) Advice {
	a := Advice{
		Profile:          ProfileFor(q),
		TextureLimit:     TextureLimit(q, d),
		DownscaleTexture: NeedsTextureDownscale(stats, q, d),
	}
	if ShouldUseLOD(stats, q) {
		if url, ok := PrebuiltLODURL(src); ok {
			a.UseLOD = true
			a.LODURL = url
		}
	}
	return a
}
