// Command buildcore is the reference CLI entry point for the build core:
// it loads configuration, assembles the cache/provider/sandbox/scheduler
// stack, and drives an orchestrator.Build from a target manifest. Target
// ingestion from an actual build-file DSL is out of scope (§6); this binary
// reads a small JSON manifest instead of parsing one.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flags "github.com/thought-machine/go-flags"
	"go.uber.org/automaxprocs/maxprocs"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/cache"
	"github.com/kilnforge/buildcore/src/config"
	"github.com/kilnforge/buildcore/src/core"
	"github.com/kilnforge/buildcore/src/distproto"
	"github.com/kilnforge/buildcore/src/gc"
	"github.com/kilnforge/buildcore/src/hashutil"
	"github.com/kilnforge/buildcore/src/metrics"
	"github.com/kilnforge/buildcore/src/orchestrator"
	"github.com/kilnforge/buildcore/src/provider"
	"github.com/kilnforge/buildcore/src/sandbox"
	"github.com/kilnforge/buildcore/src/scheduler"
)

var log = logging.MustGetLogger("buildcore")

var opts struct {
	Usage string `usage:"buildcore drives hermetic, cached, dependency-ordered builds from a target manifest."`

	Verbosity  int    `short:"v" long:"verbosity" default:"3" description:"Log verbosity: 0 critical .. 5 debug"`
	WorkspaceRoot string `short:"r" long:"workspace_root" default:"." description:"Workspace root to run in"`
	ConfigFile string `short:"c" long:"config" description:"Extra config file to load after .buildconfig"`
	MachineID  string `long:"machine_id" description:"Identifier embedded in cache envelopes for this machine" default:"local"`

	Build struct {
		Manifest string   `long:"manifest" default:"targets.json" description:"JSON target manifest to build from"`
		Workers  int      `long:"workers" description:"Override configured worker count"`
		Resilient bool    `long:"keep_going" description:"Continue building independent targets after a failure"`
		Args     struct {
			Targets []string `positional-arg-name:"targets" description:"Targets to build, e.g. //pkg:name"`
		} `positional-args:"true"`
	} `command:"build" description:"Builds one or more targets from the manifest"`

	Gc struct {
		Manifest string `long:"manifest" default:"targets.json" description:"JSON target manifest describing the live graph"`
		DryRun   bool   `long:"dry_run" description:"Report what would be collected without deleting anything"`
	} `command:"gc" description:"Collects cache objects unreachable from the manifest's targets"`

	Worker struct {
		Listen string `long:"listen" default:"0.0.0.0:9922" description:"Address to accept distributed work requests on"`
	} `command:"worker" description:"Runs a distributed-scheduling worker that executes dispatched work requests"`
}

func initLogging(verbosity int) {
	level := logging.Level(verbosity)
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		"%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}

func main() {
	sandbox.MaybeReExecSandboxInit()

	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	var command string
	if parser.Command.Active != nil {
		command = parser.Command.Active.Name
	}

	initLogging(opts.Verbosity)
	if _, err := maxprocs.Set(maxprocs.Logger(log.Info)); err != nil {
		log.Warning("failed to set GOMAXPROCS: %s", err)
	}

	root, err := filepath.Abs(opts.WorkspaceRoot)
	if err != nil {
		log.Fatalf("resolving workspace root: %s", err)
	}

	cfg, err := loadConfig(root)
	if err != nil {
		log.Fatalf("loading config: %s", err)
	}

	var exitCode int
	switch command {
	case "build":
		exitCode = runBuild(root, cfg)
	case "gc":
		exitCode = runGC(root, cfg)
	case "worker":
		exitCode = runWorker(cfg)
	default:
		parser.WriteHelp(os.Stderr)
		exitCode = 2
	}
	os.Exit(exitCode)
}

func loadConfig(root string) (*config.Configuration, error) {
	files := []string{filepath.Join(root, config.FileName), filepath.Join(root, config.LocalFileName)}
	if opts.ConfigFile != "" {
		files = append(files, opts.ConfigFile)
	}
	cfg, err := config.ReadConfigFiles(files)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if opts.Build.Workers > 0 {
		cfg.Build.Workers = opts.Build.Workers
	}
	return cfg, nil
}

// buildStores assembles the cache tier stack described in §4.2: a local
// directory store always, fronted by an optional async write-behind wrapper,
// composed with an optional read-through HTTP remote tier when configured.
// It returns both the composed blob store (used for content-addressed
// artifacts, local or remote) and the local-only keyed tier the action
// cache persists entries through: §6's remote HTTP interface exposes no
// keyed "actions" endpoint, so action cache persistence never goes further
// than the local disk.
func buildStores(root string, cfg *config.Configuration) (cache.Store, cache.KeyedStore, error) {
	dir := cfg.Cache.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	local, err := cache.NewLocalStore(dir, root, opts.MachineID)
	if err != nil {
		return nil, nil, err
	}
	var localTier cache.Store = local
	var keyedTier cache.KeyedStore = local
	if cfg.Cache.AsyncWorkers > 0 {
		async := cache.NewAsyncStore(local, cfg.Cache.AsyncWorkers, 256)
		localTier = async
		keyedTier = async
	}
	if cfg.Cache.RemoteURL == "" {
		return localTier, keyedTier, nil
	}
	remote := cache.NewHTTPStore(
		cfg.Cache.RemoteURL.String(),
		cfg.Cache.RemoteWritable,
		time.Duration(cfg.Cache.HTTPTimeout),
		cfg.Cache.HTTPRetries,
		root, opts.MachineID,
	)
	return cache.Compose(localTier, remote), keyedTier, nil
}

func newProviderRegistry() *provider.Registry {
	registry := provider.NewRegistry()
	registry.Register(provider.NewGenrule())
	return registry
}

func serveMetrics(ctx context.Context, reg *metrics.Registry, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warning("metrics server stopped: %s", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
}

func runBuild(root string, cfg *config.Configuration) int {
	graph, err := loadManifest(filepath.Join(root, opts.Build.Manifest))
	if err != nil {
		log.Error("%s", err)
		return builderrors.KindOf(err).ExitCode()
	}

	targets, err := resolveTargets(graph, opts.Build.Args.Targets)
	if err != nil {
		log.Error("%s", err)
		return builderrors.KindOf(err).ExitCode()
	}

	store, keyedStore, err := buildStores(root, cfg)
	if err != nil {
		log.Error("%s", err)
		return builderrors.KindOf(err).ExitCode()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.NewFromConfig(ctx, cfg)
	defer reg.Stop()
	serveMetrics(ctx, reg, cfg.Metrics.ListenAddress)

	mode := scheduler.FailFast
	if opts.Build.Resilient {
		mode = scheduler.Resilient
	}

	buildID := uuid.New().String()
	log.Notice("build %s: %d target(s) requested", buildID, len(targets))

	bctx := &orchestrator.BuildContext{
		Config:        cfg,
		Graph:         graph,
		Store:         store,
		Actions:       cache.NewActionCache(keyedStore),
		Providers:     newProviderRegistry(),
		Sandbox:       sandbox.NewExecutor(),
		Metrics:       reg,
		Hasher:        hashutil.NewContentHasher(root),
		WorkspaceRoot: root,
		Mode:          mode,
	}

	report, buildErr := orchestrator.Build(ctx, bctx, targets)
	if report != nil {
		log.Notice("build %s finished in %s: %d built, %d cached, %d failed, %d skipped",
			buildID, report.Duration, len(report.Built), len(report.Cached), len(report.Failed), len(report.Skipped))
		printReport(report)
	}
	if buildErr != nil {
		log.Error("%s", buildErr)
		return builderrors.KindOf(buildErr).ExitCode()
	}
	return 0
}

func printReport(report *orchestrator.BuildReport) {
	for _, id := range report.Built {
		fmt.Printf("built:  %s\n", id)
	}
	for _, id := range report.Cached {
		fmt.Printf("cached: %s\n", id)
	}
	for _, id := range report.Failed {
		fmt.Printf("FAILED: %s\n", id)
	}
	for _, id := range report.Skipped {
		fmt.Printf("skipped: %s\n", id)
	}
}

func resolveTargets(graph *core.Graph, raw []string) ([]core.TargetID, error) {
	if len(raw) == 0 {
		return gc.TopLevelTargets(graph), nil
	}
	ids := make([]core.TargetID, 0, len(raw))
	for _, r := range raw {
		id, err := core.ParseTargetID(r)
		if err != nil {
			return nil, err
		}
		if graph.Node(id) == nil {
			return nil, builderrors.New(builderrors.GraphMissingNode, "no such target %s", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runGC(root string, cfg *config.Configuration) int {
	graph, err := loadManifest(filepath.Join(root, opts.Gc.Manifest))
	if err != nil {
		log.Error("%s", err)
		return builderrors.KindOf(err).ExitCode()
	}
	store, _, err := buildStores(root, cfg)
	if err != nil {
		log.Error("%s", err)
		return builderrors.KindOf(err).ExitCode()
	}
	roots := gc.TopLevelTargets(graph)
	policy := gc.Policy(graph, roots, uint64(cfg.Cache.HighWaterMark), uint64(cfg.Cache.LowWaterMark))
	if opts.Gc.DryRun {
		live := gc.LiveSet(graph, roots)
		log.Notice("dry run: %d live digests reachable from %d root targets", len(live), len(roots))
		return 0
	}
	removed, err := store.GC(policy)
	if err != nil {
		log.Error("%s", err)
		return builderrors.KindOf(err).ExitCode()
	}
	log.Notice("collected %d cache objects (high water mark %s)", removed, humanize.Bytes(uint64(cfg.Cache.HighWaterMark)))
	return 0
}

func runWorker(cfg *config.Configuration) int {
	ln, err := net.Listen("tcp", opts.Worker.Listen)
	if err != nil {
		log.Fatalf("listening on %s: %s", opts.Worker.Listen, err)
	}
	defer ln.Close()
	log.Notice("worker listening on %s", ln.Addr())

	w := newRemoteWorker(sandbox.NewExecutor())
	if err := distproto.Serve(ln, w); err != nil {
		log.Error("worker stopped: %s", err)
		return builderrors.KindOf(err).ExitCode()
	}
	return 0
}
