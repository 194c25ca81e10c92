package policy

import (
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WallClockGrace is added to the CPU limit for the host-side wall-clock wait,
// leaving the isolation layer time to tear the jail down.
const WallClockGrace = 10 * time.Second

// jailTmp is where the per-execution writable directory is mounted.
const jailTmp = "/tmp"

// Mount is a host path exposed inside the jail.
type Mount struct {
	Source string
	Target string
}

func (m Mount) String() string {
	if m.Target == "" || m.Target == m.Source {
		return m.Source
	}
	return m.Source + ":" + m.Target
}

// IsolationConfig is the OS-level translation of a SandboxProfile.
type IsolationConfig struct {
	RlimitCPU          int   // seconds
	RlimitAddressSpace int64 // bytes
	RlimitFileSize     int64 // bytes
	RlimitOpenFiles    int

	// TimeLimit is the isolation-layer run time limit in seconds.
	TimeLimit int

	NetworkNamespaceDisabled bool
	SeccompPolicyPath        string

	Hostname string
	User     string
	Group    string
	Chroot   string

	ReadOnlyMounts []Mount
	WritableMounts []Mount

	Environment map[string]string
	// InheritedEnv names variables the jail takes from the launcher's own
	// environment, keeping their values off the command line.
	InheritedEnv []string

	Python   string
	Executor string
}

func deriveIsolation(profile SandboxProfile, opts Options, chroot string) IsolationConfig {
	cfg := IsolationConfig{
		RlimitCPU:                profile.MaxExecutionTimeSeconds,
		RlimitAddressSpace:       int64(profile.MaxMemoryMB) << 20,
		RlimitFileSize:           int64(DefaultMaxFileSizeMB) << 20,
		RlimitOpenFiles:          DefaultMaxOpenFiles,
		TimeLimit:                profile.MaxExecutionTimeSeconds,
		NetworkNamespaceDisabled: !profile.NetworkEnabled,
		Hostname:                 opts.Hostname,
		User:                     opts.User,
		Group:                    opts.Group,
		Chroot:                   chroot,
		Python:                   opts.Python,
		Executor:                 opts.Executor,
	}

	for _, src := range opts.ReadOnlyMounts {
		cfg.ReadOnlyMounts = append(cfg.ReadOnlyMounts, parseMount(src))
	}

	if profile.NetworkEnabled {
		cfg.SeccompPolicyPath = filepath.Join(opts.PolicyDir, NetworkPolicyFile)
		cfg.ReadOnlyMounts = append(cfg.ReadOnlyMounts,
			Mount{Source: "/etc/resolv.conf"},
			Mount{Source: "/etc/hosts"},
		)
	} else {
		cfg.SeccompPolicyPath = filepath.Join(opts.PolicyDir, NoNetworkPolicyFile)
	}

	env := forwardedEnv(profile.EnvParams, opts.Environ())
	env["MPLBACKEND"] = "Agg"
	env["PYTHONUNBUFFERED"] = "1"
	env["PYTHONDONTWRITEBYTECODE"] = "1"
	env["HOME"] = jailTmp
	env["TMPDIR"] = jailTmp
	env["USER"] = "sandbox"
	if opts.PythonPath != "" {
		env["PYTHONPATH"] = opts.PythonPath
	}
	cfg.Environment = env

	return cfg
}

func parseMount(spec string) Mount {
	src, dst, ok := strings.Cut(spec, ":")
	if !ok {
		return Mount{Source: spec}
	}
	return Mount{Source: src, Target: dst}
}

func defaultReadOnlyMounts(python, executor string) []string {
	return []string{
		"/usr",
		"/lib",
		"/lib64",
		"/bin",
		"/etc/ssl",
		"/dev/null",
		"/dev/urandom",
		filepath.Dir(python),
		executor,
	}
}

func (c IsolationConfig) clone() IsolationConfig {
	c.ReadOnlyMounts = append([]Mount(nil), c.ReadOnlyMounts...)
	c.WritableMounts = append([]Mount(nil), c.WritableMounts...)
	c.InheritedEnv = append([]string(nil), c.InheritedEnv...)
	env := make(map[string]string, len(c.Environment))
	for k, v := range c.Environment {
		env[k] = v
	}
	c.Environment = env
	return c
}

// WallClockLimit is the host-side wait budget for one execution.
func (c IsolationConfig) WallClockLimit() time.Duration {
	return time.Duration(c.TimeLimit)*time.Second + WallClockGrace
}

// WithExecutionTempMount returns a copy whose only writable mount is hostDir
// mounted at /tmp, replacing any earlier temp mount.
func (c IsolationConfig) WithExecutionTempMount(hostDir string) IsolationConfig {
	out := c.clone()
	kept := out.WritableMounts[:0]
	for _, m := range out.WritableMounts {
		if m.Target != jailTmp {
			kept = append(kept, m)
		}
	}
	out.WritableMounts = append(kept, Mount{Source: hostDir, Target: jailTmp})
	return out
}

// WithTimeLimit returns a copy with the CPU and run time limits set to seconds.
func (c IsolationConfig) WithTimeLimit(seconds int) IsolationConfig {
	out := c.clone()
	if seconds > 0 {
		out.TimeLimit = seconds
		out.RlimitCPU = seconds
	}
	return out
}

// WithEnv returns a copy with extra variables layered over the base environment.
func (c IsolationConfig) WithEnv(extra map[string]string) IsolationConfig {
	out := c.clone()
	for k, v := range extra {
		out.Environment[k] = v
	}
	return out
}

// WithInheritedEnv returns a copy that forwards the named launcher
// variables into the jail.
func (c IsolationConfig) WithInheritedEnv(keys ...string) IsolationConfig {
	out := c.clone()
	for _, k := range keys {
		if !slices.Contains(out.InheritedEnv, k) {
			out.InheritedEnv = append(out.InheritedEnv, k)
		}
	}
	sort.Strings(out.InheritedEnv)
	return out
}

// Args renders the config as nsjail command-line flags, ending with the
// interpreter and executor script. nsjail takes address-space and file-size
// limits in MiB.
func (c IsolationConfig) Args() []string {
	args := []string{
		"-Mo",
		"--hostname", c.Hostname,
		"--user", c.User,
		"--group", c.Group,
		"--rlimit_as", strconv.FormatInt(bytesToMiB(c.RlimitAddressSpace), 10),
		"--rlimit_cpu", strconv.Itoa(c.RlimitCPU),
		"--rlimit_fsize", strconv.FormatInt(bytesToMiB(c.RlimitFileSize), 10),
		"--rlimit_nofile", strconv.Itoa(c.RlimitOpenFiles),
	}
	if !c.NetworkNamespaceDisabled {
		// Network enabled: share the host network namespace.
		args = append(args, "--disable_clone_newnet")
	}
	if c.Chroot != "" {
		args = append(args, "--chroot", c.Chroot)
	}
	for _, m := range c.ReadOnlyMounts {
		args = append(args, "--bindmount_ro", m.String())
	}
	for _, m := range c.WritableMounts {
		args = append(args, "--bindmount", m.String())
	}
	if c.SeccompPolicyPath != "" {
		args = append(args, "--seccomp_policy", c.SeccompPolicyPath)
	}
	args = append(args, "--time_limit", strconv.Itoa(c.TimeLimit))
	for _, k := range sortedKeys(c.Environment) {
		args = append(args, "--env", k+"="+c.Environment[k])
	}
	for _, k := range c.InheritedEnv {
		args = append(args, "--env", k)
	}
	args = append(args, "--", c.Python, c.Executor)
	return args
}

func bytesToMiB(n int64) int64 {
	mib := n >> 20
	if mib == 0 && n > 0 {
		return 1
	}
	return mib
}
