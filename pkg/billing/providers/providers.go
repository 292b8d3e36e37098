// Package providers selects a billing.Provider implementation by name.
package providers

import (
	"fmt"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/fastspring"
	"github.com/mihaimyh/goentitle/pkg/billing/paddle"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// New returns the provider registered under name ("paddle" or "fastspring").
func New(name string, config billing.Config) (billing.Provider, error) {
	switch entitle.Provider(strings.ToLower(strings.TrimSpace(name))) {
	case entitle.ProviderPaddle:
		return paddle.NewProvider(config)
	case entitle.ProviderFastSpring:
		return fastspring.NewProvider(config)
	default:
		return nil, fmt.Errorf("%w: %q", billing.ErrUnknownProvider, name)
	}
}

// Registry maps each configured provider to its implementation. The bridge
// uses it to reach the provider that owns a subscription row.
type Registry map[entitle.Provider]billing.Provider

// NewRegistry builds one provider per entry in configs.
func NewRegistry(configs map[string]billing.Config) (Registry, error) {
	reg := make(Registry, len(configs))
	for name, cfg := range configs {
		p, err := New(name, cfg)
		if err != nil {
			return nil, err
		}
		reg[p.Name()] = p
	}
	return reg, nil
}

// Get returns the provider for name, or ErrUnknownProvider.
func (r Registry) Get(name entitle.Provider) (billing.Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", billing.ErrUnknownProvider, name)
	}
	return p, nil
}
