package strategy

import (
	"fmt"
	"regexp"
)

// Name identifies a caching strategy.
type Name string

const (
	CacheFirst           Name = "cache-first"
	NetworkFirst         Name = "network-first"
	StaleWhileRevalidate Name = "stale-while-revalidate"
)

// Default is the strategy used when no rule matches.
const Default = NetworkFirst

// Valid checks that the name is one of the known strategies.
func (n Name) Valid() bool {
	switch n {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate:
		return true
	}
	return false
}

// Rule assigns a strategy to URLs matching the pattern.
type Rule struct {
	Pattern  *regexp.Regexp
	Strategy Name
}

// Rules is an ordered strategy assignment table.
// It is evaluated top to bottom, first match wins.
type Rules []Rule

// RuleConfig is the configuration file representation of a rule.
type RuleConfig struct {
	Pattern  string `yaml:"pattern"`
	Strategy string `yaml:"strategy"`
}

// Select returns the strategy for the (absolute) URL.
func (r Rules) Select(url string) Name {
	for _, rule := range r {
		if rule.Pattern.MatchString(url) {
			return rule.Strategy
		}
	}
	return Default
}

// ParseRules compiles configured rules, keeping their order.
func ParseRules(configs []RuleConfig) (Rules, error) {
	rules := make(Rules, 0, len(configs))
	for i, c := range configs {
		pattern, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		name := Name(c.Strategy)
		if !name.Valid() {
			return nil, fmt.Errorf("rule %d: unknown strategy %q", i, c.Strategy)
		}
		rules = append(rules, Rule{Pattern: pattern, Strategy: name})
	}
	return rules, nil
}

// DefaultRuleConfigs is the table for a static site: assets are cache-first,
// pages network-first and third-party badges stale-while-revalidate.
func DefaultRuleConfigs() []RuleConfig {
	return []RuleConfig{
		{`\.css$`, string(CacheFirst)},
		{`\.js$`, string(CacheFirst)},
		{`\.png$`, string(CacheFirst)},
		{`\.jpg$`, string(CacheFirst)},
		{`\.jpeg$`, string(CacheFirst)},
		{`\.svg$`, string(CacheFirst)},
		{`\.ico$`, string(CacheFirst)},
		{`\.woff2?$`, string(CacheFirst)},

		{`\.html$`, string(NetworkFirst)},
		{`^/$`, string(NetworkFirst)},

		{`readme-typing-svg`, string(StaleWhileRevalidate)},
		{`cdnjs.cloudflare.com`, string(StaleWhileRevalidate)},
	}
}

// DefaultRules returns the compiled default table.
func DefaultRules() Rules {
	rules, err := ParseRules(DefaultRuleConfigs())
	if err != nil {
		panic(err)
	}
	return rules
}
