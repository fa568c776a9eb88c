package ratelimit

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultTTL is used for endpoints with no known rule.
	DefaultTTL = 5 * time.Minute

	// DefaultSafeInterval is used for endpoints with no known rule.
	DefaultSafeInterval = 5 * time.Second

	// ttlPercent keeps cached values well inside a quota window.
	ttlPercent = 80

	// intervalPercent spaces uncached calls slightly wider than the quota allows.
	intervalPercent = 110
)

type TimeUnit string

const (
	Seconds TimeUnit = "SECONDS"
	Minutes TimeUnit = "MINUTES"
	Hours   TimeUnit = "HOURS"
)

func (u TimeUnit) duration() (time.Duration, bool) {
	switch u {
	case Seconds:
		return time.Second, true
	case Minutes:
		return time.Minute, true
	case Hours:
		return time.Hour, true
	default:
		return 0, false
	}
}

func (u TimeUnit) label() string {
	switch u {
	case Seconds:
		return "second(s)"
	case Minutes:
		return "minute(s)"
	default:
		return "hour(s)"
	}
}

// Rule is one published quota: MaxCapacity requests per Window TimeUnits for
// the listed methods on paths matching Path. A "*" path segment matches any
// single non-empty segment.
type Rule struct {
	Path        string   `yaml:"path" json:"path"`
	Methods     []string `yaml:"methods" json:"methods"`
	MaxCapacity int      `yaml:"maxCapacity" json:"maxCapacity"`
	Window      int      `yaml:"timeToLive" json:"timeToLive"`
	Unit        TimeUnit `yaml:"timeUnit" json:"timeUnit"`

	segments []string
}

// WindowDuration is the length of the quota window.
func (r Rule) WindowDuration() time.Duration {
	unit, _ := r.Unit.duration()
	return time.Duration(r.Window) * unit
}

// Key identifies the quota bucket the rule describes.
func (r Rule) Key() string {
	return strings.Join(r.Methods, ",") + " " + r.Path
}

func (r Rule) String() string {
	return fmt.Sprintf("%d requests per %d %s", r.MaxCapacity, r.Window, r.Unit.label())
}

func (r *Rule) validate() error {
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("path %q must start with /", r.Path)
	}
	if len(r.Methods) == 0 {
		return fmt.Errorf("rule for %q has no methods", r.Path)
	}
	if r.MaxCapacity <= 0 {
		return fmt.Errorf("rule for %q must have a positive maxCapacity", r.Path)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rule for %q must have a positive timeToLive", r.Path)
	}
	if _, ok := r.Unit.duration(); !ok {
		return fmt.Errorf("rule for %q has unknown timeUnit %q", r.Path, r.Unit)
	}
	return nil
}

func (r Rule) matchesMethod(method string) bool {
	for _, m := range r.Methods {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (r Rule) matchesPath(segments []string) bool {
	if len(segments) != len(r.segments) {
		return false
	}
	for i, pattern := range r.segments {
		if pattern == "*" {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if pattern != segments[i] {
			return false
		}
	}
	return true
}

// Registry is an immutable, ordered table of rules. Lookups return the first
// rule in declaration order that matches, not the most specific one.
type Registry struct {
	rules []Rule
}

// NewRegistry builds a registry that preserves the order of the given rules.
func NewRegistry(rules []Rule) (*Registry, error) {
	compiled := make([]Rule, 0, len(rules))

	var errs []error
	for i, r := range rules {
		r.Methods = slices.Clone(r.Methods)
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		r.segments = strings.Split(r.Path, "/")
		compiled = append(compiled, r)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Registry{rules: compiled}, nil
}

type ruleDocument struct {
	Rules []Rule `yaml:"rules"`
}

// Parse builds a registry from a YAML rule document.
func Parse(data []byte) (*Registry, error) {
	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rate limit document is not valid YAML: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, errors.New("rate limit document contains no rules")
	}
	return NewRegistry(doc.Rules)
}

// LoadFile reads a YAML rule document from disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rate limit file: %w", err)
	}
	return Parse(data)
}

//go:embed ratelimits.yaml
var defaultRules []byte

var defaultRegistry = sync.OnceValue(func() *Registry {
	r, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("built-in rate limit table is invalid: %v", err))
	}
	return r
})

// Default returns the registry built from the published partner limits.
func Default() *Registry {
	return defaultRegistry()
}

// Rules returns a copy of the table in declaration order.
func (r *Registry) Rules() []Rule {
	return slices.Clone(r.rules)
}

// Lookup returns the first rule matching the endpoint path (query string
// ignored) and method. An empty method is treated as GET.
func (r *Registry) Lookup(endpoint string, method string) (Rule, bool) {
	path, _, _ := strings.Cut(endpoint, "?")
	if method == "" {
		method = "GET"
	}

	segments := strings.Split(path, "/")
	for _, rule := range r.rules {
		if rule.matchesPath(segments) && rule.matchesMethod(method) {
			return rule, true
		}
	}

	return Rule{}, false
}

// OptimalTTL is 80% of the matching rule's window, or DefaultTTL.
func (r *Registry) OptimalTTL(endpoint string, method string) time.Duration {
	rule, ok := r.Lookup(endpoint, method)
	if !ok {
		return DefaultTTL
	}
	return RuleTTL(rule)
}

// RuleTTL is the cache lifetime derived from a rule's window.
func RuleTTL(rule Rule) time.Duration {
	ms := rule.WindowDuration().Milliseconds() * ttlPercent / 100
	return time.Duration(ms) * time.Millisecond
}

// SafeInterval is the minimum spacing of uncached calls that stays under the
// matching rule's quota with a 10% buffer, or DefaultSafeInterval.
func (r *Registry) SafeInterval(endpoint string, method string) time.Duration {
	rule, ok := r.Lookup(endpoint, method)
	if !ok {
		return DefaultSafeInterval
	}
	return RuleInterval(rule)
}

// RuleInterval is the safe request spacing derived from a rule.
func RuleInterval(rule Rule) time.Duration {
	// integer ceiling of window * 1.1 / capacity, avoiding float rounding
	num := rule.WindowDuration().Milliseconds() * intervalPercent
	den := int64(rule.MaxCapacity) * 100
	ms := (num + den - 1) / den
	return time.Duration(ms) * time.Millisecond
}

// Describe summarises the matching rule for diagnostics.
func (r *Registry) Describe(endpoint string, method string) string {
	rule, ok := r.Lookup(endpoint, method)
	if !ok {
		return "rate limit unknown"
	}
	return rule.String()
}
