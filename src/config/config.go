// Package config implements component C10: workspace-rooted configuration
// loaded from an INI-style file, overridable by environment variables and
// by explicit overrides at BuildContext-construction call sites (so tests
// can embed a Configuration directly without touching the filesystem).
package config

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/please-build/gcfg"

	"github.com/kilnforge/buildcore/src/hashutil"
)

// FileName is the config file this package looks for in the workspace
// root, mirroring the teacher's .plzconfig convention for this build system.
const FileName = ".buildconfig"

// LocalFileName overrides FileName and is expected not to be checked in,
// for per-machine tweaks (e.g. a bigger local cache high water mark).
const LocalFileName = ".buildconfig.local"

// EnvPrefix is the prefix environment-variable overrides must carry, e.g.
// BUILDCORE_CACHE_ASYNCWORKERS=4 overrides Cache.AsyncWorkers.
const EnvPrefix = "BUILDCORE_"

// Configuration is the resolved set of knobs the orchestrator, scheduler,
// cache, and sandbox read from. Every field here corresponds to something
// named in SPEC_FULL.md §4.10: cache roots/limits, worker count, sandbox
// policy, remote endpoint, and default per-action resource limits.
type Configuration struct {
	Cache struct {
		Dir            string   `gcfg:"dir"`
		HighWaterMark  ByteSize `gcfg:"highwatermark"`
		LowWaterMark   ByteSize `gcfg:"lowwatermark"`
		RemoteURL      URL      `gcfg:"remoteurl"`
		RemoteWritable bool     `gcfg:"remotewritable"`
		HTTPTimeout    Duration `gcfg:"httptimeout"`
		HTTPRetries    int      `gcfg:"httpretries"`
		AsyncWorkers   int      `gcfg:"asyncworkers"`
	}
	Build struct {
		Workers   int      `gcfg:"workers"`
		Timeout   Duration `gcfg:"timeout"`
		OutputDir string   `gcfg:"outputdir"`
	}
	Sandbox struct {
		// Network is one of "none", "loopback", "host" — see sandbox.NetworkPolicy.
		Network  string `gcfg:"network"`
		Fakeroot bool   `gcfg:"fakeroot"`
	}
	Resources struct {
		MaxRSS       ByteSize `gcfg:"maxrss"`
		MaxCPUTime   Duration `gcfg:"maxcputime"`
		MaxOpenFiles int      `gcfg:"maxopenfiles"`
	}
	Metrics struct {
		// ListenAddress is where the orchestrator's Prometheus collectors
		// are exposed for the telemetry UI to scrape; the core never pushes.
		ListenAddress  string   `gcfg:"listenaddress"`
		SampleInterval Duration `gcfg:"sampleinterval"`
	}
}

// DefaultConfiguration returns a Configuration with sane defaults, before
// any file, environment, or explicit override is applied.
func DefaultConfiguration() *Configuration {
	c := &Configuration{}
	c.Cache.Dir = ".build-cache"
	c.Cache.HighWaterMark = ByteSize(10 << 30) // 10 GiB
	c.Cache.LowWaterMark = ByteSize(8 << 30)
	c.Cache.HTTPTimeout = Duration(5 * time.Second)
	c.Cache.HTTPRetries = 3
	c.Cache.AsyncWorkers = 4
	c.Build.Workers = runtime.NumCPU()
	c.Build.Timeout = Duration(10 * time.Minute)
	c.Build.OutputDir = ".build-out"
	c.Sandbox.Network = "none"
	c.Resources.MaxCPUTime = Duration(10 * time.Minute)
	c.Metrics.ListenAddress = ":9921"
	c.Metrics.SampleInterval = Duration(2 * time.Second)
	return c
}

// ReadConfigFiles reads each file in order into a single Configuration,
// starting from defaults, each file's values overriding the last —
// mirroring the teacher's ReadConfigFiles loop over workspace / local /
// machine config layers. Missing files are not an error.
func ReadConfigFiles(filenames []string) (*Configuration, error) {
	c := DefaultConfiguration()
	for _, filename := range filenames {
		if err := gcfg.ReadFileInto(c, filename); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if gcfg.FatalOnly(err) != nil {
				return c, fmt.Errorf("reading config %s: %w", filename, err)
			}
		}
	}
	return c, nil
}

// ApplyEnvOverrides scans the process environment for BUILDCORE_<SECTION>_<FIELD>
// variables and applies them over c, so e.g. BUILDCORE_BUILD_WORKERS=8 takes
// precedence over whatever the config file said.
func (c *Configuration) ApplyEnvOverrides() error {
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, EnvPrefix)
		parts := strings.SplitN(rest, "_", 2)
		if len(parts) != 2 {
			continue
		}
		if err := c.set(parts[0], parts[1], v); err != nil {
			return fmt.Errorf("env override %s: %w", k, err)
		}
	}
	return nil
}

// ApplyOverrides applies "section.field" -> value overrides, for explicit
// per-call-site overrides (e.g. a CLI -o flag or a test harness), via the
// same reflection-based field lookup the teacher's Configuration.ApplyOverrides
// uses, generalized to our narrower field set.
func (c *Configuration) ApplyOverrides(overrides map[string]string) error {
	for k, v := range overrides {
		section, field, ok := strings.Cut(k, ".")
		if !ok {
			return fmt.Errorf("bad override key %q: expected section.field", k)
		}
		if err := c.set(section, field, v); err != nil {
			return fmt.Errorf("override %s: %w", k, err)
		}
	}
	return nil
}

func caseInsensitiveFieldMatch(name string) func(string) bool {
	return func(candidate string) bool {
		return strings.EqualFold(candidate, name)
	}
}

func (c *Configuration) set(section, field, value string) error {
	root := reflect.ValueOf(c).Elem()
	sectionField := root.FieldByNameFunc(caseInsensitiveFieldMatch(section))
	if !sectionField.IsValid() || sectionField.Kind() != reflect.Struct {
		return fmt.Errorf("unknown config section %q", section)
	}
	target := sectionField.FieldByNameFunc(caseInsensitiveFieldMatch(field))
	if !target.IsValid() {
		return fmt.Errorf("unknown config field %q in section %q", field, section)
	}
	if setter, ok := target.Addr().Interface().(interface{ UnmarshalFlag(string) error }); ok {
		return setter.UnmarshalFlag(value)
	}
	switch target.Kind() {
	case reflect.String:
		target.SetString(value)
	case reflect.Bool:
		lower := strings.ToLower(value)
		target.SetBool(lower == "true" || lower == "yes" || lower == "on" || lower == "1")
	case reflect.Int, reflect.Int64:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value %q", value)
		}
		target.SetInt(int64(i))
	default:
		return fmt.Errorf("unsettable config field kind %s", target.Kind())
	}
	return nil
}

// Digest hashes the resolved configuration, so a config change that could
// affect how actions run is mixed into every action fingerprint the
// orchestrator computes (§4.10: "forces cache invalidation"). We hash
// a stable field-by-field description rather than a gob/json encoding of
// the struct so that field *reordering* in a future version doesn't itself
// invalidate every cache entry.
func (c *Configuration) Digest() hashutil.Digest {
	var b strings.Builder
	fmt.Fprintf(&b, "cache.dir=%s\n", c.Cache.Dir)
	fmt.Fprintf(&b, "cache.highwatermark=%d\n", c.Cache.HighWaterMark)
	fmt.Fprintf(&b, "cache.lowwatermark=%d\n", c.Cache.LowWaterMark)
	fmt.Fprintf(&b, "cache.remoteurl=%s\n", c.Cache.RemoteURL)
	fmt.Fprintf(&b, "cache.remotewritable=%v\n", c.Cache.RemoteWritable)
	fmt.Fprintf(&b, "build.workers=%d\n", c.Build.Workers)
	fmt.Fprintf(&b, "build.timeout=%d\n", c.Build.Timeout)
	fmt.Fprintf(&b, "build.outputdir=%s\n", c.Build.OutputDir)
	fmt.Fprintf(&b, "sandbox.network=%s\n", c.Sandbox.Network)
	fmt.Fprintf(&b, "sandbox.fakeroot=%v\n", c.Sandbox.Fakeroot)
	fmt.Fprintf(&b, "resources.maxrss=%d\n", c.Resources.MaxRSS)
	fmt.Fprintf(&b, "resources.maxcputime=%d\n", c.Resources.MaxCPUTime)
	fmt.Fprintf(&b, "resources.maxopenfiles=%d\n", c.Resources.MaxOpenFiles)
	return hashutil.HashBytes([]byte(b.String()))
}
