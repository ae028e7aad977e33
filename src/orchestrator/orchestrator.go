// Package orchestrator implements component C7: the public entry point to
// the build core. It wires the graph, action cache, scheduler, sandbox
// executor, action provider registry, and telemetry registry together into
// the six-step build protocol of SPEC_FULL.md 4.7.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/cache"
	"github.com/kilnforge/buildcore/src/config"
	"github.com/kilnforge/buildcore/src/core"
	"github.com/kilnforge/buildcore/src/hashutil"
	"github.com/kilnforge/buildcore/src/metrics"
	"github.com/kilnforge/buildcore/src/provider"
	"github.com/kilnforge/buildcore/src/sandbox"
	"github.com/kilnforge/buildcore/src/scheduler"
)

var log = logging.MustGetLogger("orchestrator")

// BuildContext holds the cache handles, scheduler configuration, and
// sandbox defaults a Build call needs, per 4.7. The caller (typically
// cmd/buildcore) constructs one per invocation; nothing here is process-wide
// state, so tests can build several in parallel.
type BuildContext struct {
	Config    *config.Configuration
	Graph     *core.Graph
	Store     cache.Store
	Actions   *cache.ActionCache
	Providers *provider.Registry
	Sandbox   *sandbox.Executor
	Metrics   *metrics.Registry
	Hasher    *hashutil.ContentHasher

	// WorkspaceRoot is the directory action inputs are resolved against;
	// outputs are moved into Config.Build.OutputDir beneath it.
	WorkspaceRoot string
	Mode          scheduler.Mode
}

// BuildReport is the summary returned from Build: which targets were built,
// served from cache, failed, or skipped because a dependency failed.
type BuildReport struct {
	Built    []core.TargetID
	Cached   []core.TargetID
	Failed   []core.TargetID
	Skipped  []core.TargetID
	Duration time.Duration
}

// Build runs the full orchestration protocol over targets: materialize the
// closure, validate the graph, resolve action-cache hits, hand the rest to
// the scheduler, and record outputs for everything that actually ran.
func Build(ctx context.Context, bctx *BuildContext, targets []core.TargetID) (*BuildReport, error) {
	start := time.Now()
	if err := bctx.Graph.Validate(); err != nil {
		return nil, err
	}

	order, err := bctx.Graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	o := &orchestration{bctx: bctx, outputsByID: map[core.TargetID][]string{}}
	report := &BuildReport{}
	for _, id := range order {
		if !o.reachable(targets, id) {
			continue
		}
		n := bctx.Graph.Node(id)
		if n == nil || n.Status() != core.Pending {
			continue
		}
		hit, outputs, err := o.checkCache(id)
		if err != nil {
			log.Warning("action cache lookup for %s failed, will rebuild: %s", id, err)
			continue
		}
		if !hit {
			continue
		}
		bctx.Graph.MarkReady(id)
		bctx.Graph.MarkCached(id, outputs)
		report.Cached = append(report.Cached, id)
		o.recordOutputs(id, outputPaths(outputs))
	}

	sched := scheduler.New(bctx.Graph, workerCount(bctx.Config), bctx.Mode)
	if bctx.Metrics != nil {
		sched.SetQueueObserver(bctx.Metrics.SetQueueDepth)
	}

	schedReport, err := sched.RunWithAction(ctx, targets, o.runAction)
	report.Built = append(report.Built, schedReport.Built...)
	report.Failed = append(report.Failed, schedReport.Failed...)
	report.Skipped = append(report.Skipped, schedReport.Blocked...)
	report.Duration = time.Since(start)
	return report, err
}

func workerCount(cfg *config.Configuration) int {
	if cfg != nil && cfg.Build.Workers > 0 {
		return cfg.Build.Workers
	}
	return 1
}

// orchestration is the per-Build scratch state shared between the cache
// pre-check loop and the scheduler's ActionFunc: principally the
// dependency-output lookup table action providers need to expand
// $(location) style references.
type orchestration struct {
	bctx *BuildContext

	mu          sync.Mutex
	outputsByID map[core.TargetID][]string
}

// reachable reports whether id is in the dependency closure of targets,
// via a plain DFS over Dependencies — this only needs to answer membership
// for the cache pre-check loop, unlike the scheduler's own closure walk.
func (o *orchestration) reachable(targets []core.TargetID, id core.TargetID) bool {
	seen := map[core.TargetID]bool{}
	var walk func(core.TargetID) bool
	walk = func(cur core.TargetID) bool {
		if cur == id {
			return true
		}
		if seen[cur] {
			return false
		}
		seen[cur] = true
		for _, dep := range o.bctx.Graph.Dependencies(cur) {
			if walk(dep) {
				return true
			}
		}
		return false
	}
	for _, t := range targets {
		if walk(t) {
			return true
		}
	}
	return false
}

// checkCache fingerprints id's planned actions and looks the result up in
// the action cache, per 4.7 step 3: "on hit, mark Cached and restore
// outputs from the cache store."
func (o *orchestration) checkCache(id core.TargetID) (bool, []core.OutputEntry, error) {
	node := o.bctx.Graph.Node(id)
	actions, err := o.plan(node.Target)
	if err != nil {
		return false, nil, err
	}
	pk := o.planKey(node.Target, actions)
	prior, _ := o.bctx.Actions.LookupPlan(pk)
	fp, _, err := o.fingerprint(node.Target, actions, prior)
	if err != nil {
		return false, nil, err
	}
	entry, ok := o.bctx.Actions.Lookup(fp)
	if !ok {
		return false, nil, nil
	}
	outputs, err := o.restoreOutputs(node.Target, entry)
	if err != nil {
		return false, nil, err
	}
	return true, outputs, nil
}

func (o *orchestration) plan(target *core.Target) ([]provider.Action, error) {
	return o.bctx.Providers.Plan(target, &provider.Context{
		Graph:         o.bctx.Graph,
		WorkspaceRoot: o.bctx.WorkspaceRoot,
		Outputs:       o.outputsFor,
	})
}

// outputsFor is the provider.Context.Outputs hook: it resolves a dependency's
// recorded output paths, populated by recordOutputs as each dependency
// reaches Cached or Success. Safe to call concurrently with recordOutputs.
func (o *orchestration) outputsFor(id core.TargetID) ([]string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	paths, ok := o.outputsByID[id]
	return paths, ok
}

// planKey is a structural identity for target's planned actions: argv,
// declared input/output paths, and the config digest, but none of the
// inputs' content. It never changes just because a source file's bytes
// changed, which is exactly why it's useful as a lookup key *before* those
// bytes have been hashed: it's what fingerprint uses, via
// ActionCache.LookupPlan, to find the previous build's recorded input
// metadata (§4.1's two-tier fast path) without a chicken-and-egg dependency
// on the very digest it's trying to help compute.
func (o *orchestration) planKey(target *core.Target, actions []provider.Action) hashutil.Digest {
	var b strings.Builder
	b.WriteString("plan\x00")
	b.WriteString(target.ID.String())
	b.WriteByte('\n')
	for _, a := range actions {
		b.WriteString(strings.Join(a.Argv, "\x1f"))
		b.WriteByte('\n')
		for _, in := range a.Inputs {
			b.WriteString(in)
			b.WriteByte('\n')
		}
		for _, out := range a.Outputs {
			b.WriteString(out)
			b.WriteByte('\n')
		}
	}
	if o.bctx.Config != nil {
		b.WriteString(o.bctx.Config.Digest().String())
	}
	return hashutil.HashBytes([]byte(b.String()))
}

// fingerprint computes the action fingerprint (§3: "Action fingerprint"): a
// hash over target identity, argv, the *content* of every declared input,
// declared output paths, and the resolved config digest (§4.10: mixed in so
// a config change that affects actions forces cache invalidation). Changing
// a single byte of any declared input therefore changes the returned
// digest, satisfying S4.
//
// prior, when non-nil, is the entry LookupPlan last recorded for this exact
// plan. For each input, its metadata digest is compared against prior's
// recorded one via the two-tier hasher (§4.1): if every single input's
// metadata is unchanged, prior.ActionFingerprint is trusted outright and no
// input's content is read at all (S2's "zero actions, near-zero wall
// clock"). The moment any input's metadata has moved, the whole fingerprint
// is recomputed from fresh content hashes — including inputs whose
// metadata didn't change, since the fingerprint must be a function of
// content alone, not of which inputs happened to get rehashed this time.
//
// The returned map is this build's fresh metadata per input, to be carried
// into the entry this plan eventually resolves to (whether restored from
// cache or just executed), seeding the next build's two-tier comparison.
func (o *orchestration) fingerprint(target *core.Target, actions []provider.Action, prior *cache.ActionCacheEntry) (hashutil.Digest, map[string]hashutil.MetaDigest, error) {
	meta := map[string]hashutil.MetaDigest{}
	unchanged := prior != nil
	inputCount := 0
	for _, a := range actions {
		for _, in := range a.Inputs {
			inputCount++
			var prevMeta hashutil.MetaDigest
			if prior != nil {
				prevMeta = prior.InputMeta[in]
			}
			m, content, err := o.bctx.Hasher.HashFileTwoTier(o.resolveInput(target, in), prevMeta)
			if err != nil {
				return hashutil.Digest{}, nil, err
			}
			meta[in] = m
			if content != (hashutil.Digest{}) {
				unchanged = false
			}
		}
	}
	if unchanged && prior != nil && len(prior.InputMeta) == inputCount {
		return prior.ActionFingerprint, meta, nil
	}

	var b strings.Builder
	b.WriteString(target.ID.String())
	b.WriteByte('\n')
	for _, a := range actions {
		b.WriteString(strings.Join(a.Argv, "\x1f"))
		b.WriteByte('\n')
		for _, in := range a.Inputs {
			digest, err := o.bctx.Hasher.HashFile(o.resolveInput(target, in), false)
			if err != nil {
				return hashutil.Digest{}, nil, err
			}
			b.WriteString(in)
			b.WriteByte(':')
			b.WriteString(digest.String())
			b.WriteByte('\n')
		}
		for _, out := range a.Outputs {
			b.WriteString(out)
			b.WriteByte('\n')
		}
	}
	if o.bctx.Config != nil {
		b.WriteString(o.bctx.Config.Digest().String())
	}
	return hashutil.HashBytes([]byte(b.String())), meta, nil
}

// resolveInput turns a declared input path into an absolute filesystem
// path. Most inputs are workspace-relative sources; the rest are a
// dependency's output path (injected via $(location), see
// provider.expandLocations), which lives under that dependency's own
// output directory rather than under the workspace root. Since an input
// string alone doesn't say which, the dependencies' output directories are
// tried as a fallback in declaration order.
func (o *orchestration) resolveInput(target *core.Target, in string) string {
	if p := filepath.Join(o.bctx.WorkspaceRoot, in); fileExists(p) {
		return p
	}
	for _, dep := range target.Deps {
		if p := filepath.Join(o.outputDirForPackage(dep.PackageName), in); fileExists(p) {
			return p
		}
	}
	return filepath.Join(o.bctx.WorkspaceRoot, in)
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// restoreOutputs writes a cached entry's recorded output bytes back into
// the workspace output directory, converting cache.OutputRef into the
// core.OutputEntry shape the graph's DFA records.
func (o *orchestration) restoreOutputs(target *core.Target, entry *cache.ActionCacheEntry) ([]core.OutputEntry, error) {
	outDir := o.outputDir(target)
	outputs := make([]core.OutputEntry, 0, len(entry.Outputs))
	for _, ref := range entry.Outputs {
		b, err := o.bctx.Store.Get(ref.Digest)
		if err != nil {
			return nil, builderrors.Wrap(builderrors.CacheCorrupted, err, "restoring cached output %s for %s", ref.Path, target.ID)
		}
		dest := filepath.Join(outDir, ref.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, builderrors.Wrap(builderrors.StorageIO, err, "preparing output dir for %s", target.ID)
		}
		if err := os.WriteFile(dest, b, 0o644); err != nil {
			return nil, builderrors.Wrap(builderrors.StorageIO, err, "writing cached output %s for %s", ref.Path, target.ID)
		}
		outputs = append(outputs, core.OutputEntry{Path: ref.Path, Digest: ref.Digest.String()})
	}
	o.recordOutputs(target.ID, outputPaths(outputs))
	return outputs, nil
}

func outputPaths(outputs []core.OutputEntry) []string {
	paths := make([]string, len(outputs))
	for i, o := range outputs {
		paths[i] = o.Path
	}
	return paths
}

func (o *orchestration) recordOutputs(id core.TargetID, paths []string) {
	o.mu.Lock()
	o.outputsByID[id] = paths
	o.mu.Unlock()
}

func (o *orchestration) outputDir(target *core.Target) string {
	return o.outputDirForPackage(target.ID.PackageName)
}

func (o *orchestration) outputDirForPackage(pkg string) string {
	base := ".build-out"
	if o.bctx.Config != nil && o.bctx.Config.Build.OutputDir != "" {
		base = o.bctx.Config.Build.OutputDir
	}
	return filepath.Join(o.bctx.WorkspaceRoot, base, pkg)
}

// runAction is the scheduler.ActionFunc: plan id's actions, run each under
// the sandbox executor, hash and store its outputs, and record a fresh
// action cache entry, per 4.7 steps 4-5.
func (o *orchestration) runAction(ctx context.Context, id core.TargetID) ([]core.OutputEntry, error) {
	node := o.bctx.Graph.Node(id)
	target := node.Target
	actions, err := o.plan(target)
	if err != nil {
		return nil, err
	}
	pk := o.planKey(target, actions)
	prior, _ := o.bctx.Actions.LookupPlan(pk)
	fp, inputMeta, err := o.fingerprint(target, actions, prior)
	if err != nil {
		return nil, err
	}

	outDir := o.outputDir(target)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, builderrors.Wrap(builderrors.StorageIO, err, "creating output dir for %s", id)
	}

	var allOutputs []core.OutputEntry
	var allRefs []cache.OutputRef
	start := time.Now()
	for _, action := range actions {
		if err := o.runOne(ctx, target, outDir, action); err != nil {
			return nil, err
		}
		for _, path := range action.Outputs {
			digest, err := o.bctx.Hasher.HashFile(filepath.Join(outDir, path), true)
			if err != nil {
				return nil, builderrors.Wrap(builderrors.StorageIO, err, "hashing output %s for %s", path, id)
			}
			allOutputs = append(allOutputs, core.OutputEntry{Path: path, Digest: digest.String()})
			allRefs = append(allRefs, cache.OutputRef{Path: path, Digest: digest})
		}
	}

	entry := &cache.ActionCacheEntry{
		OutputFingerprint: hashutil.HashBytes([]byte(strings.Join(outputPaths(allOutputs), "\n"))),
		Outputs:           allRefs,
		Metadata:          cache.BuildMetadata{WallDuration: time.Since(start)},
		InputMeta:         inputMeta,
	}
	if err := o.storeOutputs(outDir, allRefs); err != nil {
		return nil, err
	}
	if err := o.bctx.Actions.Store(fp, pk, entry); err != nil {
		log.Warning("failed to record action cache entry for %s: %s", id, err)
	}
	o.recordOutputs(id, outputPaths(allOutputs))
	return allOutputs, nil
}

func (o *orchestration) storeOutputs(outDir string, refs []cache.OutputRef) error {
	for _, ref := range refs {
		b, err := os.ReadFile(filepath.Join(outDir, ref.Path))
		if err != nil {
			return builderrors.Wrap(builderrors.StorageIO, err, "reading output %s for caching", ref.Path)
		}
		if _, err := o.bctx.Store.Put(b); err != nil {
			return err
		}
	}
	return nil
}

func (o *orchestration) runOne(ctx context.Context, target *core.Target, outDir string, action provider.Action) error {
	spec := sandbox.HermeticSpec{
		WorkDir: outDir,
		Env:     action.Env,
		Outputs: action.Outputs,
		Network: sandbox.NetworkNone,
	}
	if o.bctx.Config != nil {
		spec.Network = sandbox.NetworkPolicy(o.bctx.Config.Sandbox.Network)
		spec.Fakeroot = o.bctx.Config.Sandbox.Fakeroot
	}
	if action.Sandbox != nil {
		spec = *action.Sandbox
	}
	if spec.Env == nil {
		spec.Env = map[string]string{}
	}
	if len(action.Outputs) == 1 {
		spec.Env["OUT"] = action.Outputs[0]
	}

	result, err := o.bctx.Sandbox.Run(ctx, spec, action.Argv)
	if err != nil {
		return builderrors.Wrap(builderrors.ActionFailed, err, "running action for %s", target.ID)
	}
	if result.ExitCode != 0 {
		return builderrors.New(builderrors.ActionFailed, "action for %s exited %d", target.ID, result.ExitCode)
	}
	return nil
}
