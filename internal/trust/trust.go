// Package trust decides whether a component instance is VERIFIED or
// UNTRUSTED and whether it runs natively, in the sandbox, or not at all.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrLockMode is returned for untrusted code while lock mode is on.
var ErrLockMode = errors.New("untrusted component execution is disabled by lock mode")

// Level is the trust classification of a piece of component code.
type Level int

const (
	Untrusted Level = iota // Modified, custom or never-seen code.
	Verified               // Matches a registered signature.
)

func (l Level) String() string {
	switch l {
	case Verified:
		return "VERIFIED"
	default:
		return "UNTRUSTED"
	}
}

// ParseLevel converts a string to a Level.
// Unrecognized values default to Untrusted.
func ParseLevel(s string) Level {
	if strings.EqualFold(s, "VERIFIED") {
		return Verified
	}
	return Untrusted
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	*l = ParseLevel(string(b))
	return nil
}

// Action is what the caller should do with a component.
type Action string

const (
	ActionNative  Action = "native"
	ActionSandbox Action = "sandbox"
	ActionDeny    Action = "deny"
)

// Decision is the outcome of Decide.
type Decision struct {
	Path    string `json:"path"`
	Trust   Level  `json:"trust"`
	Action  Action `json:"action"`
	Reason  string `json:"reason"`
	Sandbox bool   `json:"supports_sandbox"`
	Forced  bool   `json:"force_sandbox"`
}

// Err returns ErrLockMode for denied decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Action == ActionDeny {
		return fmt.Errorf("%w: %s", ErrLockMode, d.Path)
	}
	return nil
}

// Verifier checks code against the signature history of a component.
type Verifier interface {
	Verify(ctx context.Context, path, code string) (bool, error)
}

// LockMode reports whether untrusted execution is globally refused.
type LockMode interface {
	LockModeEnabled() bool
}

// DefaultCustomPrefixes mark user-authored components, which always support sandboxing.
var DefaultCustomPrefixes = []string{"custom_components", "component.Custom"}

// Config configures a Classifier.
type Config struct {
	Manifest       *Manifest // Default: embedded manifest.
	CustomPrefixes []string  // Default: DefaultCustomPrefixes.
}

// Classifier combines signature verification, the sandbox manifest and
// lock mode. Safe for concurrent use.
type Classifier struct {
	verifier Verifier
	lock     LockMode
	manifest *Manifest
	prefixes []string
	logger   *slog.Logger
}

// NewClassifier creates a Classifier. lock may be nil (lock mode off).
func NewClassifier(verifier Verifier, lock LockMode, cfg Config, logger *slog.Logger) *Classifier {
	if cfg.Manifest == nil {
		cfg.Manifest = DefaultManifest()
	}
	if cfg.CustomPrefixes == nil {
		cfg.CustomPrefixes = DefaultCustomPrefixes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		verifier: verifier,
		lock:     lock,
		manifest: cfg.Manifest,
		prefixes: cfg.CustomPrefixes,
		logger:   logger,
	}
}

// Manifest returns the manifest in use.
func (c *Classifier) Manifest() *Manifest { return c.manifest }

// Classify returns Verified iff code matches a stored signature for path.
// A verification error is logged and treated as Untrusted.
func (c *Classifier) Classify(ctx context.Context, path, code string) Level {
	if c.verifier == nil {
		return Untrusted
	}
	ok, err := c.verifier.Verify(ctx, path, code)
	if err != nil {
		c.logger.WarnContext(ctx, "signature verification failed, treating as untrusted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return Untrusted
	}
	if ok {
		return Verified
	}
	return Untrusted
}

// SupportsSandbox reports whether path is a custom component or listed in the manifest.
func (c *Classifier) SupportsSandbox(path string) bool {
	for _, p := range c.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	_, ok := c.manifest.Lookup(path)
	return ok
}

// IsForceSandbox reports whether the manifest forces path into the sandbox.
func (c *Classifier) IsForceSandbox(path string) bool {
	e, ok := c.manifest.Lookup(path)
	return ok && e.ForceSandbox
}

// LockModeEnabled reports the current lock mode.
func (c *Classifier) LockModeEnabled() bool {
	return c.lock != nil && c.lock.LockModeEnabled()
}

// Decide applies the decision table:
//
//	supports | trust      | force | action
//	false    | any        | any   | native
//	true     | VERIFIED   | false | native
//	true     | VERIFIED   | true  | sandbox
//	true     | UNTRUSTED  | any   | sandbox, or deny in lock mode
func (c *Classifier) Decide(ctx context.Context, path, code string) Decision {
	d := Decision{
		Path:    path,
		Trust:   c.Classify(ctx, path, code),
		Sandbox: c.SupportsSandbox(path),
		Forced:  c.IsForceSandbox(path),
	}

	switch {
	case !d.Sandbox:
		d.Action, d.Reason = ActionNative, "component does not support sandboxing"
	case d.Trust == Verified && !d.Forced:
		d.Action, d.Reason = ActionNative, "code matches a registered signature"
	case d.Trust == Verified:
		d.Action, d.Reason = ActionSandbox, "component is forced into the sandbox"
	case c.LockModeEnabled():
		d.Action, d.Reason = ActionDeny, "lock mode refuses untrusted code"
	default:
		d.Action, d.Reason = ActionSandbox, "code does not match any registered signature"
	}

	c.logger.DebugContext(ctx, "trust decision",
		slog.String("path", path),
		slog.String("trust", d.Trust.String()),
		slog.String("action", string(d.Action)),
	)
	return d
}

// NodeFlags are the per-node markers shown to flow editors.
type NodeFlags struct {
	ComponentPath string `json:"component_path"`
	Trust         string `json:"trust"`
	Sandboxed     bool   `json:"sandboxed"` // untrusted or forced
	Locked        bool   `json:"locked"`    // lock mode on or sandbox unsupported
	Blocked       bool   `json:"blocked"`   // untrusted and sandbox unsupported
}

// ComponentPathFromNodeID maps a flow node id ("CustomComponent-5ADNr") to
// its component path ("component.CustomComponent").
func ComponentPathFromNodeID(nodeID string) string {
	name, _, _ := strings.Cut(nodeID, "-")
	return "component." + name
}

// Flags computes the editor flags for a flow node. Nodes without code are
// untrusted. If verification fails for a name lacking the "Component"
// suffix, the suffixed path is tried as well.
func (c *Classifier) Flags(ctx context.Context, nodeID, code string) NodeFlags {
	return c.FlagsForPath(ctx, ComponentPathFromNodeID(nodeID), code)
}

// FlagsForPath is Flags for a component path that is already known.
func (c *Classifier) FlagsForPath(ctx context.Context, path, code string) NodeFlags {
	level := Untrusted
	if code != "" {
		level = c.Classify(ctx, path, code)
		if level == Untrusted && !strings.HasSuffix(path, "Component") {
			if c.Classify(ctx, path+"Component", code) == Verified {
				path, level = path+"Component", Verified
			}
		}
	}

	untrusted := level == Untrusted
	supported := c.SupportsSandbox(path)
	return NodeFlags{
		ComponentPath: path,
		Trust:         level.String(),
		Sandboxed:     untrusted || c.IsForceSandbox(path),
		Locked:        c.LockModeEnabled() || !supported,
		Blocked:       untrusted && !supported,
	}
}
