package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Faultbox/modelstats/internal/analyzer"
	"github.com/Faultbox/modelstats/internal/config"
	"github.com/Faultbox/modelstats/internal/lod"
	"github.com/Faultbox/modelstats/internal/logger"
	"github.com/Faultbox/modelstats/internal/resource"
	"github.com/Faultbox/modelstats/internal/server"
	"github.com/Faultbox/modelstats/internal/session"
	"github.com/Faultbox/modelstats/internal/store"
	"github.com/Faultbox/modelstats/internal/watch"
	"github.com/Faultbox/modelstats/internal/worker"
)

// mapFlag collects repeated -map name=path options.
type mapFlag map[string]string

func (m mapFlag) String() string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (m mapFlag) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("expected name=path, got %q", v)
	}
	m[name] = localTarget(path)
	return nil
}

// localTarget makes filesystem paths absolute and leaves URLs alone.
func localTarget(p string) string {
	if resource.IsAbsolute(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func newAnalyzer(cfg *config.Config, allowLocal bool) *analyzer.Analyzer {
	fetcher := resource.NewHTTPFetcher(cfg.Analyzer.FetchTimeout, cfg.Analyzer.MaxResourceBytes)
	fetcher.UserAgent = cfg.Analyzer.UserAgent
	fetcher.AllowLocal = allowLocal
	return analyzer.New(fetcher, analyzer.Options{
		ImageConcurrency: cfg.Analyzer.ImageConcurrency,
		Logger:           logger.Named("analyzer"),
	})
}

// openHistory returns nil when history is disabled or unavailable; a broken
// history never blocks analysis.
func openHistory(cfg *config.Config) *store.Store {
	if !cfg.Store.Enabled {
		return nil
	}
	st, err := store.Open(cfg.Store.Path, logger.Named("store"))
	if err != nil {
		logger.Warn("history unavailable", zap.String("path", cfg.Store.Path), zap.Error(err))
		return nil
	}
	return st
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdAnalyze(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	fileMap := mapFlag{}
	fs.Var(fileMap, "map", "Map a referenced resource to a file or URL (name=path, repeatable)")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	memory := fs.Float64("device-memory", 0, "Client memory in GB for texture advice (0 = unknown)")
	fs.Parse(reorderArgs(fs, args))

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: modelstat analyze <url|path> [-map name=path]... [-json]")
		return 1
	}
	target := localTarget(fs.Arg(0))

	ctx, stop := signalContext()
	defer stop()

	opts := worker.Options{Logger: logger.Named("worker")}
	if st := openHistory(cfg); st != nil {
		defer st.Close()
		opts.Observer = st
	}

	var fm map[string]string
	if len(fileMap) > 0 {
		fm = fileMap
	}

	resp, err := worker.Once(ctx, newAnalyzer(cfg, true), worker.AnalyzeRequest(1, target, fm), opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Cancelled")
		return 130
	}
	if resp.Type == worker.TypeError {
		fmt.Fprintf(os.Stderr, "Error: %s\n", resp.Message)
		return 1
	}

	advice := lod.Advise(target, *resp.Stats, cfg.Quality(), lod.Device{MemoryGB: *memory})
	if *asJSON {
		return printJSON(os.Stdout, server.AnalyzeResult{RequestID: resp.RequestID, Stats: *resp.Stats, Advice: advice})
	}
	printStats(os.Stdout, target, *resp.Stats, advice)
	return 0
}

func cmdWatch(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fileMap := mapFlag{}
	fs.Var(fileMap, "map", "Map a referenced resource to a file (name=path, repeatable)")
	debounce := fs.Duration("debounce", watch.DefaultDebounce, "Delay before re-analyzing after a change")
	fs.Parse(reorderArgs(fs, args))

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: modelstat watch <path> [-map name=path]...")
		return 1
	}
	target := localTarget(fs.Arg(0))

	ctx, stop := signalContext()
	defer stop()

	opts := worker.Options{Logger: logger.Named("worker")}
	if st := openHistory(cfg); st != nil {
		defer st.Close()
		opts.Observer = st
	}
	wk := worker.New(newAnalyzer(cfg, true), opts)
	go wk.Run(ctx)

	sess := session.New(wk, logger.Named("session"))
	go sess.Dispatch(ctx, wk.Responses(), func(resp worker.Response) {
		if resp.Type == worker.TypeError {
			fmt.Fprintf(os.Stderr, "[%s] Error: %s\n", time.Now().Format("15:04:05"), resp.Message)
			return
		}
		fmt.Printf("[%s] analysis #%d\n", time.Now().Format("15:04:05"), resp.RequestID)
		printStats(os.Stdout, target, *resp.Stats, lod.Advise(target, *resp.Stats, cfg.Quality(), lod.Device{}))
	})

	var fm map[string]string
	if len(fileMap) > 0 {
		fm = fileMap
	}
	w := watch.New(target, fm, sess, watch.Options{Debounce: *debounce, Logger: logger.Named("watch")})
	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func cmdServe(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	opts := server.Options{
		Analyzer:       newAnalyzer(cfg, false),
		Quality:        cfg.Quality(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger.Named("server"),
	}
	if st := openHistory(cfg); st != nil {
		defer st.Close()
		opts.History = st
	}

	srv := server.New(opts)
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ReadHeaderTimeout); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}
	logger.Info("server stopped")
	return 0
}

func cmdHistory(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "Number of entries to show")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	fs.Parse(reorderArgs(fs, args))

	if !cfg.Store.Enabled {
		fmt.Fprintln(os.Stderr, "History is disabled")
		return 1
	}
	st, err := store.Open(cfg.Store.Path, logger.Named("store"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	ctx := context.Background()
	var entries []store.Entry
	if fs.NArg() > 0 {
		entries, err = st.ForURL(ctx, localTarget(fs.Arg(0)), *limit)
	} else {
		entries, err = st.Recent(ctx, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *asJSON {
		return printJSON(os.Stdout, entries)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tMESHES\tTRIANGLES\tTEXTURES\tTEX MEMORY\tURL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Stats.MeshCount, e.Stats.TriangleCount, e.Stats.TextureCount,
			formatBytes(e.Stats.TextureMemoryBytes), e.URL)
	}
	tw.Flush()
	return 0
}

func cmdConfig(args []string) {
	if len(args) < 1 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "Usage: modelstat config init [-path file] [-force]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	path := fs.String("path", config.DefaultPath(), "Where to write the config file")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args[1:])

	if err := config.Init(*path, *force); err != nil {
		if errors.Is(err, config.ErrConfigExists) {
			fmt.Fprintf(os.Stderr, "Error: %v (use -force to overwrite)\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", *path)
}

// reorderArgs moves flags ahead of positional arguments so that
// "analyze model.glb -json" works like "analyze -json model.glb".
func reorderArgs(fs *flag.FlagSet, args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			positional = append(append(positional, a), args[i+1:]...)
			break
		}
		if !strings.HasPrefix(a, "-") || a == "-" {
			positional = append(positional, a)
			continue
		}
		flags = append(flags, a)
		name := strings.TrimLeft(a, "-")
		if strings.Contains(name, "=") {
			continue
		}
		// Non-boolean flags take the next argument as their value.
		if f := fs.Lookup(name); f != nil && i+1 < len(args) {
			if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); !ok || !bf.IsBoolFlag() {
				i++
				flags = append(flags, args[i])
			}
		}
	}
	return append(flags, positional...)
}

func printStats(w io.Writer, target string, s analyzer.Stats, advice lod.Advice) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Model:\t%s\n", target)
	fmt.Fprintf(tw, "Meshes:\t%d\n", s.MeshCount)
	fmt.Fprintf(tw, "Triangles:\t%d\n", s.TriangleCount)
	fmt.Fprintf(tw, "Materials:\t%d\n", s.MaterialCount)
	fmt.Fprintf(tw, "Textures:\t%d\n", s.TextureCount)
	fmt.Fprintf(tw, "Texture pixels:\t%d\n", s.TexturePixels)
	fmt.Fprintf(tw, "Texture memory:\t%s\n", formatBytes(s.TextureMemoryBytes))
	fmt.Fprintf(tw, "Largest texture:\t%dx%d\n", s.MaxTextureWidth, s.MaxTextureHeight)
	fmt.Fprintf(tw, "Bones:\t%d (depth %d)\n", s.BoneCount, s.BoneDepth)
	fmt.Fprintf(tw, "Animations:\t%d\n", s.AnimationCount)
	fmt.Fprintf(tw, "Quality:\t%s\n", advice.Profile.Quality)
	if advice.UseLOD {
		fmt.Fprintf(tw, "Prebuilt LOD:\t%s\n", advice.LODURL)
	}
	if advice.DownscaleTexture {
		fmt.Fprintf(tw, "Texture limit:\t%d (downscale needed)\n", advice.TextureLimit)
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
