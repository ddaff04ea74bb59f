package analyzer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/modelstats/internal/assets"
	"github.com/Faultbox/modelstats/internal/resource"
	"github.com/Faultbox/modelstats/pkg/gltf"
	"github.com/Faultbox/modelstats/pkg/imagesize"
)

// DefaultImageConcurrency bounds concurrent image fetches within one run.
const DefaultImageConcurrency = 4

// Options configure an Analyzer.
type Options struct {
	ImageConcurrency int
	Logger           *zap.Logger
}

// Analyzer computes Stats for glTF assets. It holds no per-asset state and
// may be shared by concurrent analyses.
type Analyzer struct {
	fetcher     resource.Fetcher
	concurrency int
	log         *zap.Logger
}

// New creates an Analyzer that loads assets through fetcher.
func New(fetcher resource.Fetcher, opts Options) *Analyzer {
	a := &Analyzer{
		fetcher:     fetcher,
		concurrency: opts.ImageConcurrency,
		log:         opts.Logger,
	}
	if a.concurrency <= 0 {
		a.concurrency = DefaultImageConcurrency
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	return a
}

// Analyze fetches the asset at url and computes its statistics. fileMap, if
// non-nil, overrides resolution of the asset's external resources.
func (a *Analyzer) Analyze(ctx context.Context, url string, fileMap map[string]string) (Stats, error) {
	data, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		return Stats{}, fmt.Errorf("fetching %s: %w", url, err)
	}

	c, err := gltf.ParseContainer(data)
	if err != nil {
		return Stats{}, err
	}

	src := assets.Source{BasePath: resource.BasePath(url), FileMap: fileMap}
	return a.AnalyzeContainer(ctx, c, src)
}

// AnalyzeContainer computes statistics for an already parsed container.
func (a *Analyzer) AnalyzeContainer(ctx context.Context, c *gltf.Container, src assets.Source) (Stats, error) {
	doc := c.Doc
	loader := assets.NewLoader(doc, c.Bin, src, a.fetcher)

	usage := WalkScene(doc)
	meshes, triangles := CountGeometry(doc, usage)

	refs := CollectTextureRefs(doc.Materials)
	bones, depth := SkeletonStats(doc)

	stats := Stats{
		MeshCount:      meshes,
		TriangleCount:  triangles,
		MaterialCount:  len(doc.Materials),
		TextureCount:   TextureCount(doc, refs),
		BoneCount:      bones,
		AnimationCount: len(doc.Animations),
		BoneDepth:      depth,
	}

	sizes, err := a.measureImages(ctx, loader, doc, ImageSources(doc, refs))
	if err != nil {
		return Stats{}, err
	}
	for _, size := range sizes {
		if size == nil {
			continue
		}
		w, h := int(size.Width), int(size.Height)
		stats.TexturePixels += int64(size.Pixels())
		stats.TextureMemoryBytes += EstimateTextureBytes(w, h)
		if size.Pixels() > uint64(stats.MaxTextureWidth)*uint64(stats.MaxTextureHeight) {
			stats.MaxTextureWidth, stats.MaxTextureHeight = w, h
		}
	}

	hits, misses, buffers := loader.CacheStats()
	a.log.Debug("buffer cache",
		zap.Int("hits", hits),
		zap.Int("misses", misses),
		zap.Int("buffers", buffers),
		zap.Int("scene_nodes", usage.Visited),
	)
	return stats, nil
}

// measureImages reads the headers of the given images with bounded
// concurrency. The result is ordered like images; unmeasurable entries are
// nil. Fetch failures are fatal, header failures are not.
func (a *Analyzer) measureImages(ctx context.Context, loader *assets.Loader, doc *gltf.Document, images []int) ([]*imagesize.Size, error) {
	sizes := make([]*imagesize.Size, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for slot, idx := range images {
		if idx < 0 || idx >= len(doc.Images) {
			continue
		}
		img := doc.Images[idx]

		g.Go(func() error {
			var data []byte
			var err error
			switch {
			case img.URI != "":
				data, err = loader.Fetch(gctx, img.URI)
			case img.BufferView != nil:
				data, err = loader.BufferView(gctx, *img.BufferView)
			default:
				return nil
			}
			if err != nil {
				return fmt.Errorf("image %d: %w", idx, err)
			}

			size, format, ok := imagesize.Measure(data, img.MimeType, img.URI)
			if !ok {
				a.log.Debug("image size unavailable",
					zap.Int("image", idx),
					zap.String("format", format.String()),
					zap.String("kind", imagesize.Describe(data)),
					zap.Int("bytes", len(data)),
				)
				return nil
			}
			sizes[slot] = &size
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sizes, nil
}
