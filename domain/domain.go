// Package domain resolves a site's tracker and rule configuration.
package domain

import (
	"context"
	"errors"
	"sync"
)

// ErrDomainNotFound is returned for an unknown domain id.
var ErrDomainNotFound = errors.New("domain not found")

// Rule types understood by the tracker.
const (
	RuleClick      = "click"
	RuleImpression = "impression"
)

// Defaults sent to every client unless the domain file overrides them.
var (
	DefaultKeys   = []string{"Enter", "Escape", "Tab"}
	DefaultStable = []string{"data-seg-id", "data-product-id"}
)

// Rule is one element-matching rule configured for a domain.
type Rule struct {
	Name           string `yaml:"name" json:"name"`
	Type           string `yaml:"type" json:"type"`
	CSSSelector    string `yaml:"css_selector" json:"css_selector"`
	RegexAttribute string `yaml:"regex_attribute,omitempty" json:"regex_attribute,omitempty"`
	RegexPattern   string `yaml:"regex_pattern,omitempty" json:"regex_pattern,omitempty"`
}

// Domain is a tracked site.
type Domain struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Trackers []string `yaml:"trackers" json:"trackers"`
	Rules    []Rule   `yaml:"rules" json:"rules"`
}

// RegexSelector narrows a rule to elements whose attribute matches Pattern.
type RegexSelector struct {
	Attribute string `json:"attribute"`
	Pattern   string `json:"pattern"`
}

// ClientRule is the wire form of a Rule.
type ClientRule struct {
	Name          string         `json:"name"`
	CSSSelector   string         `json:"css_selector"`
	RegexSelector *RegexSelector `json:"regex_selector,omitempty"`
}

// RuleSet groups client rules by type.
type RuleSet struct {
	Click      []ClientRule `json:"click"`
	Impression []ClientRule `json:"impression"`
}

// ClientConfig is the payload of the configuration frame.
type ClientConfig struct {
	Trackers []string `json:"trackers"`
	Keys     []string `json:"keys"`
	Rules    RuleSet  `json:"rules"`
	Stable   []string `json:"stable"`
}

// Provider looks up the client configuration for a domain.
type Provider interface {
	DomainConfig(ctx context.Context, domainID string) (ClientConfig, error)
}

// Options are the settings shared by every domain.
type Options struct {
	Keys   []string `yaml:"keys"`
	Stable []string `yaml:"stable"`
}

func (o Options) withDefaults() Options {
	if len(o.Keys) == 0 {
		o.Keys = DefaultKeys
	}
	if len(o.Stable) == 0 {
		o.Stable = DefaultStable
	}
	return o
}

// BuildClientConfig renders d for the tracker.
func BuildClientConfig(d Domain, opts Options) ClientConfig {
	opts = opts.withDefaults()
	cfg := ClientConfig{
		Trackers: append([]string{}, d.Trackers...),
		Keys:     append([]string(nil), opts.Keys...),
		Rules: RuleSet{
			Click:      []ClientRule{},
			Impression: []ClientRule{},
		},
		Stable: append([]string(nil), opts.Stable...),
	}
	for _, r := range d.Rules {
		cr := ClientRule{Name: r.Name, CSSSelector: r.CSSSelector}
		if r.RegexAttribute != "" && r.RegexPattern != "" {
			cr.RegexSelector = &RegexSelector{Attribute: r.RegexAttribute, Pattern: r.RegexPattern}
		}
		switch r.Type {
		case RuleClick:
			cfg.Rules.Click = append(cfg.Rules.Click, cr)
		case RuleImpression:
			cfg.Rules.Impression = append(cfg.Rules.Impression, cr)
		}
	}
	return cfg
}

// Catalog is an in-memory Provider. Its contents can be swapped at runtime.
type Catalog struct {
	domains map[string]Domain
	opts    Options
	mu      sync.RWMutex
}

// NewCatalog creates a catalog holding domains.
func NewCatalog(domains []Domain, opts Options) *Catalog {
	c := &Catalog{}
	c.Replace(domains, opts)
	return c
}

// Replace swaps the catalog contents atomically.
func (c *Catalog) Replace(domains []Domain, opts Options) {
	m := make(map[string]Domain, len(domains))
	for _, d := range domains {
		m[d.ID] = d
	}
	c.mu.Lock()
	c.domains = m
	c.opts = opts
	c.mu.Unlock()
}

// Domain returns the domain with id.
func (c *Catalog) Domain(id string) (Domain, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.domains[id]
	return d, ok
}

// Len returns the number of domains.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.domains)
}

// DomainConfig implements Provider.
func (c *Catalog) DomainConfig(_ context.Context, domainID string) (ClientConfig, error) {
	c.mu.RLock()
	d, ok := c.domains[domainID]
	opts := c.opts
	c.mu.RUnlock()
	if !ok {
		return ClientConfig{}, ErrDomainNotFound
	}
	return BuildClientConfig(d, opts), nil
}
