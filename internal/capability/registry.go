// Package capability keeps a registry of capability providers, starts them
// lazily on first use and routes invocations to them.
package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/swarm/internal/config"
)

// Separator joins a provider name and a capability name into a qualified name.
const Separator = "__"

// TransportKind says how a provider is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// LaunchSpec describes how to reach a provider: a local command or a URL.
type LaunchSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// Kind returns the transport this spec selects.
func (s LaunchSpec) Kind() TransportKind {
	if s.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// Validate checks that exactly one of Command or URL is set.
func (s LaunchSpec) Validate() error {
	if (s.Command == "") == (s.URL == "") {
		return fmt.Errorf("exactly one of command or url must be set")
	}
	return nil
}

// ProviderDefinition is the static description of one provider.
type ProviderDefinition struct {
	Name          string
	Launch        LaunchSpec
	Source        string   // Where the definition came from, for diagnostics
	Capabilities  []string // Declared up front; discovery may add more
	LaunchTimeout time.Duration
	CallTimeout   time.Duration
}

// Capability is one operation a provider exposes.
type Capability struct {
	Name        string
	Description string
}

// CatalogueEntry is one provider+capability pair as seen by callers.
type CatalogueEntry struct {
	Provider      string
	Capability    string
	QualifiedName string
	Description   string
	Running       bool
}

// QualifiedName returns "provider__capability".
func QualifiedName(provider, capability string) string {
	return provider + Separator + capability
}

// SplitQualifiedName is the inverse of QualifiedName.
func SplitQualifiedName(name string) (provider, capability string, ok bool) {
	provider, capability, ok = strings.Cut(name, Separator)
	if !ok || provider == "" || capability == "" {
		return "", "", false
	}
	return provider, capability, true
}

// Registry holds provider definitions and the capabilities discovered from
// providers that have been started. Definitions are read-only once added.
type Registry struct {
	mu         sync.RWMutex
	defs       map[string]ProviderDefinition
	discovered map[string][]Capability
}

// NewRegistry creates a registry from defs.
func NewRegistry(defs ...ProviderDefinition) (*Registry, error) {
	r := &Registry{
		defs:       make(map[string]ProviderDefinition),
		discovered: make(map[string][]Capability),
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegistryFromConfig builds a registry from the providers section of the config.
func RegistryFromConfig(providers map[string]config.ProviderConfig) (*Registry, error) {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]ProviderDefinition, 0, len(names))
	for _, name := range names {
		p := providers[name]
		defs = append(defs, ProviderDefinition{
			Name: name,
			Launch: LaunchSpec{
				Command: p.Command,
				Args:    p.Args,
				Env:     p.Env,
				URL:     p.URL,
				Headers: p.Headers,
			},
			Source:        p.Source,
			Capabilities:  p.Capabilities,
			LaunchTimeout: p.LaunchTimeout,
			CallTimeout:   p.CallTimeout,
		})
	}
	return NewRegistry(defs...)
}

// Register adds a provider definition. Names must be unique and must not
// contain the qualified-name separator.
func (r *Registry) Register(def ProviderDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	if strings.Contains(def.Name, Separator) {
		return fmt.Errorf("provider %q: name must not contain %q", def.Name, Separator)
	}
	if err := def.Launch.Validate(); err != nil {
		return fmt.Errorf("provider %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("provider %q already defined (source %s)", def.Name, existing.Source)
	}
	def.Capabilities = append([]string(nil), def.Capabilities...)
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (ProviderDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names returns every provider name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetDiscovered records the capabilities a running provider reported.
func (r *Registry) SetDiscovered(name string, caps []Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; !ok {
		return
	}
	r.discovered[name] = append([]Capability(nil), caps...)
}

// Resolve maps a capability name to its provider. Qualified names are split;
// a bare capability name resolves only if exactly one provider offers it.
func (r *Registry) Resolve(name string) (provider, capability string, err error) {
	if p, c, ok := SplitQualifiedName(name); ok {
		if _, exists := r.Get(p); !exists {
			return "", "", newError(KindProviderNotFound, p, c, nil)
		}
		return p, c, nil
	}

	var owners []string
	for _, e := range r.Catalogue(nil) {
		if e.Capability == name {
			owners = append(owners, e.Provider)
		}
	}
	switch len(owners) {
	case 1:
		return owners[0], name, nil
	case 0:
		return "", "", newError(KindProviderNotFound, "", name, fmt.Errorf("no provider offers %q", name))
	default:
		return "", "", newError(KindProviderNotFound, "", name,
			fmt.Errorf("ambiguous capability offered by %s", strings.Join(owners, ", ")))
	}
}

// Catalogue lists every known provider+capability pair, whether or not the
// provider is running. running may be nil.
func (r *Registry) Catalogue(running func(provider string) bool) []CatalogueEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []CatalogueEntry
	for _, name := range names {
		live := running != nil && running(name)
		caps := make(map[string]string)
		for _, c := range r.defs[name].Capabilities {
			caps[c] = ""
		}
		for _, c := range r.discovered[name] {
			caps[c.Name] = c.Description
		}

		capNames := make([]string, 0, len(caps))
		for c := range caps {
			capNames = append(capNames, c)
		}
		sort.Strings(capNames)
		for _, c := range capNames {
			out = append(out, CatalogueEntry{
				Provider:      name,
				Capability:    c,
				QualifiedName: QualifiedName(name, c),
				Description:   caps[c],
				Running:       live,
			})
		}
	}
	return out
}
