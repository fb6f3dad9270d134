package fabric

import "context"

// Diagnosable is implemented by any store that wants to appear on the
// admin status surface. It replaces reflection-driven diagnostics with
// an explicit, cheap contract.
type Diagnosable interface {
	// Name returns a short human-readable store name.
	Name() string

	// Count returns the number of live entries.
	Count() int

	// SizeBytes returns an approximate memory footprint.
	SizeBytes() int64
}

// ScopeService is the security/scope collaborator. The routing core
// treats these as pure functions over strings and never replicates the
// underlying cryptography.
type ScopeService interface {
	// Enabled reports whether scoping is globally enabled.
	Enabled() bool

	// Scramble converts a clear scope id to its wire form.
	Scramble(scope string) string

	// Descramble converts a wire scope id back to its clear form.
	Descramble(scope string) string
}

// PassthroughScopes is the default ScopeService: scoping enabled, scope
// ids passed through unchanged. Tests and single-tenant deployments use
// it directly.
type PassthroughScopes struct {
	// Disabled turns scoping off globally.
	Disabled bool
}

func (p PassthroughScopes) Enabled() bool                  { return !p.Disabled }
func (p PassthroughScopes) Scramble(scope string) string   { return scope }
func (p PassthroughScopes) Descramble(scope string) string { return scope }

// EngineHandler processes an envelope delivered to a local engine.
type EngineHandler func(ctx context.Context, e *Envelope) error

// EngineResolver is the engine/plugin registry collaborator: it maps an
// engine tag to a local handler and lists the locally registered
// engines used to assemble default subscription topics for a newly
// connected backchannel or cloud peer.
type EngineResolver interface {
	Resolve(engine string) (EngineHandler, bool)
	LocalEngines() []string
}

// StaticEngines is a fixed-table EngineResolver.
type StaticEngines map[string]EngineHandler

func (s StaticEngines) Resolve(engine string) (EngineHandler, bool) {
	h, ok := s[engine]
	return h, ok
}

func (s StaticEngines) LocalEngines() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	return out
}

var (
	_ ScopeService   = PassthroughScopes{}
	_ EngineResolver = StaticEngines(nil)
)
