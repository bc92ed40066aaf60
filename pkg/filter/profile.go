package filter

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/cohesivestack/valgo"
	"github.com/gobwas/glob"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed profiles.yml
var embeddedProfiles []byte

/*
Profile describes what one kind of agent cares about. Profiles are read-only
once compiled; the same Profile may be used by concurrent filter passes.
*/
type Profile struct {
	Name                  string             `yaml:"name" json:"name"`
	Description           string             `yaml:"description" json:"description,omitempty"`
	Keywords              []string           `yaml:"keywords" json:"keywords"`
	FilePatterns          []string           `yaml:"filePatterns" json:"filePatterns"`
	CategoryWeights       map[string]float64 `yaml:"categoryWeights" json:"categoryWeights"`
	MaxContextBytes       int                `yaml:"maxContextBytes" json:"maxContextBytes"`
	RequiredFieldPrefixes []string           `yaml:"requiredFieldPrefixes" json:"requiredFieldPrefixes"`
	OptionalFieldPrefixes []string           `yaml:"optionalFieldPrefixes" json:"optionalFieldPrefixes"`
	ExcludedFieldPrefixes []string           `yaml:"excludedFieldPrefixes" json:"excludedFieldPrefixes"`

	keywords []string
	globs    []glob.Glob
}

/*
Compile validates the profile and prepares its keyword and glob matchers.
*/
func (profile *Profile) Compile() error {
	check := valgo.Is(valgo.String(profile.Name, "name").Not().Blank()).
		Is(valgo.Int(profile.MaxContextBytes, "maxContextBytes").GreaterThan(0))

	for category, weight := range profile.CategoryWeights {
		check.Is(valgo.Float64(weight, "categoryWeights."+category).Between(0, 10))
	}

	if !check.Valid() {
		return errors.ErrValidation.Wrap(check.Error()).WithMessagef("invalid profile %q", profile.Name)
	}

	profile.keywords = profile.keywords[:0]

	for _, keyword := range profile.Keywords {
		if keyword = strings.ToLower(strings.TrimSpace(keyword)); keyword != "" {
			profile.keywords = append(profile.keywords, keyword)
		}
	}

	profile.globs = profile.globs[:0]

	for _, pattern := range profile.FilePatterns {
		g, err := glob.Compile(pattern)

		if err != nil {
			return errors.ErrValidation.Wrap(err).WithMessagef("profile %q: bad file pattern %q", profile.Name, pattern)
		}

		profile.globs = append(profile.globs, g)
	}

	return nil
}

/*
neutral reports whether the profile expresses no preference at all, in which
case elements are judged on importance alone.
*/
func (profile *Profile) neutral() bool {
	return len(profile.keywords) == 0 && len(profile.globs) == 0 && len(profile.CategoryWeights) == 0
}

type profileFile struct {
	Profiles []*Profile `yaml:"profiles"`
}

/*
ParseProfiles decodes and compiles a YAML profile document.
*/
func ParseProfiles(buf []byte) ([]*Profile, error) {
	var doc profileFile

	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, errors.ErrValidation.Wrap(err).WithMessagef("profiles are not valid YAML")
	}

	for i, profile := range doc.Profiles {
		if profile == nil {
			return nil, errors.ErrValidation.WithMessagef("profile %d is empty", i)
		}

		if err := profile.Compile(); err != nil {
			return nil, err
		}
	}

	return doc.Profiles, nil
}

/*
Registry looks profiles up by name.
*/
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

/*
NewRegistry returns a registry holding the built-in profiles, overlaid with
the profiles in path when path is not empty. A profile in the file replaces
the built-in profile of the same name.
*/
func NewRegistry(path string) (*Registry, error) {
	registry := &Registry{profiles: make(map[string]*Profile)}

	defaults, err := ParseProfiles(embeddedProfiles)

	if err != nil {
		return nil, err
	}

	for _, profile := range defaults {
		registry.Register(profile)
	}

	if path == "" {
		return registry, nil
	}

	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, fmt.Errorf("reading profiles %s: %w", path, err)
	}

	custom, err := ParseProfiles(buf)

	if err != nil {
		return nil, err
	}

	for _, profile := range custom {
		registry.Register(profile)
	}

	log.Info("profiles loaded", "file", path, "custom", len(custom), "total", len(registry.Names()))

	return registry, nil
}

/*
Register adds or replaces a compiled profile.
*/
func (registry *Registry) Register(profile *Profile) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.profiles[profile.Name] = profile
}

func (registry *Registry) Get(name string) (*Profile, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	profile, ok := registry.profiles[name]

	if !ok {
		return nil, errors.ErrNotFound.WithMessagef("profile %q not found", name)
	}

	return profile, nil
}

func (registry *Registry) Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.profiles))

	for name := range registry.profiles {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
