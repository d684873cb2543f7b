package translate

import (
	"fmt"
	"os"
	"regexp"

	"sigs.k8s.io/yaml"

	"github.com/openshift/op-mirror/internal/pkg/image"
)

// DefaultTranslationPatterns are the upstream registries rewritten when
// mirroring without an explicit rules file.
var DefaultTranslationPatterns = []string{
	`quay\.io`,
	`registry\.redhat\.io`,
}

// Substitution pairs a compiled endpoint pattern with its replacement.
// Substitutions are evaluated in declaration order.
type Substitution struct {
	Pattern     *regexp.Regexp
	Replacement string
}

type ruleSchema struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// DefaultSubstitutions compiles the built-in upstream patterns against a
// single mirror endpoint.
func DefaultSubstitutions(replacement string) []Substitution {
	subs := make([]Substitution, 0, len(DefaultTranslationPatterns))
	for _, pattern := range DefaultTranslationPatterns {
		subs = append(subs, Substitution{Pattern: regexp.MustCompile(pattern), Replacement: replacement})
	}
	return subs
}

// LoadRules reads an ordered list of {pattern, replacement} pairs from a
// yaml file.
func LoadRules(path string) ([]Substitution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading translation rules %s: %w", path, err)
	}
	var rules []ruleSchema
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing translation rules %s: %w", path, err)
	}
	subs := make([]Substitution, 0, len(rules))
	for _, rule := range rules {
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid translation pattern %q: %w", rule.Pattern, err)
		}
		subs = append(subs, Substitution{Pattern: pattern, Replacement: rule.Replacement})
	}
	return subs, nil
}

// TranslateEndpoint rewrites a registry endpoint using first-match-wins
// semantics: the first matching pattern substitutes once and evaluation
// stops. An endpoint matching no pattern is returned unchanged.
func TranslateEndpoint(subs []Substitution, endpoint string) string {
	for _, sub := range subs {
		if sub.Pattern.MatchString(endpoint) {
			return sub.Pattern.ReplaceAllString(endpoint, sub.Replacement)
		}
	}
	return endpoint
}

// TranslateRef rewrites only the endpoint component of an image reference.
func TranslateRef(subs []Substitution, spec image.ImageSpec) image.ImageSpec {
	if len(subs) == 0 {
		return spec
	}
	translated := TranslateEndpoint(subs, spec.Domain)
	if translated == spec.Domain {
		return spec
	}
	return spec.WithDomain(translated)
}
