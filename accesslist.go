package ptc

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no access list filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeWhitelist allows only listed sources
	AccessListModeWhitelist
	// AccessListModeBlacklist blocks listed sources
	AccessListModeBlacklist
)

// AccessListConfig configures source-address filtering of incoming SYNs on
// a listening socket.
type AccessListConfig struct {
	// Mode specifies how the access list is used
	Mode AccessListMode

	// Prefixes lists the source networks the mode applies to.
	// A single host is a /32 prefix.
	Prefixes []netip.Prefix

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{
		Mode:                 AccessListModeDisabled,
		Prefixes:             nil,
		DisableRejectLogging: false,
	}
}

// accessFilter implements source-address access filtering.
type accessFilter struct {
	config   *AccessListConfig
	prefixes []netip.Prefix
	mu       sync.RWMutex
}

// newAccessFilter creates a new access filter with the given config.
// The filter keeps its own copy of the prefix list.
func newAccessFilter(config *AccessListConfig) *accessFilter {
	af := &accessFilter{}
	af.SetConfig(config)
	return af
}

// SetConfig updates the filter configuration.
func (af *accessFilter) SetConfig(config *AccessListConfig) {
	af.mu.Lock()
	defer af.mu.Unlock()
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af.config = config
	af.prefixes = make([]netip.Prefix, 0, len(config.Prefixes))
	for _, p := range config.Prefixes {
		if p.IsValid() {
			af.prefixes = append(af.prefixes, p.Masked())
		}
	}
}

// IsAllowed checks if a connection from the given source should be allowed.
func (af *accessFilter) IsAllowed(src netip.Addr) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.config.Mode == AccessListModeDisabled {
		return true
	}

	inList := slices.ContainsFunc(af.prefixes, func(p netip.Prefix) bool {
		return p.Contains(src)
	})

	switch af.config.Mode {
	case AccessListModeWhitelist:
		return inList
	case AccessListModeBlacklist:
		return !inList
	default:
		return true
	}
}

// CheckAndLog checks if a source is allowed and logs if rejected.
// Returns nil if allowed, or an error describing why rejected.
func (af *accessFilter) CheckAndLog(src netip.Addr) error {
	if af.IsAllowed(src) {
		return nil
	}

	af.mu.RLock()
	mode := af.config.Mode
	quiet := af.config.DisableRejectLogging
	af.mu.RUnlock()

	reason := "source in blacklist"
	if mode == AccessListModeWhitelist {
		reason = "source not in whitelist"
	}

	if !quiet {
		log.Warn().
			Str("src", src.String()).
			Str("reason", reason).
			Msg("incoming connection rejected by access list")
	}

	return &AccessDeniedError{Source: src, Reason: reason}
}

// AccessDeniedError is returned when a connection is rejected due to access list.
type AccessDeniedError struct {
	Source netip.Addr
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied for " + e.Source.String() + ": " + e.Reason
}

// AddPrefix adds a prefix to the access list.
func (af *accessFilter) AddPrefix(p netip.Prefix) {
	if !p.IsValid() {
		return
	}
	af.mu.Lock()
	defer af.mu.Unlock()
	af.prefixes = append(af.prefixes, p.Masked())
}

// RemovePrefix removes every occurrence of a prefix from the access list.
func (af *accessFilter) RemovePrefix(p netip.Prefix) {
	af.mu.Lock()
	defer af.mu.Unlock()
	p = p.Masked()
	af.prefixes = slices.DeleteFunc(af.prefixes, func(q netip.Prefix) bool {
		return q == p
	})
}

// Count returns the number of prefixes in the access list.
func (af *accessFilter) Count() int {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return len(af.prefixes)
}

// ParsePrefixList parses a comma- or space-separated list of addresses and
// CIDR prefixes. Bare addresses become single-host prefixes.
func ParsePrefixList(list string) ([]netip.Prefix, error) {
	if list == "" {
		return nil, nil
	}

	parts := strings.Fields(strings.ReplaceAll(list, ",", " "))
	result := make([]netip.Prefix, 0, len(parts))
	for _, part := range parts {
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("parse prefix %q: %w", part, err)
			}
			result = append(result, p)
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", part, err)
		}
		result = append(result, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return result, nil
}
