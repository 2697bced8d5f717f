package scheduler

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/sner-project/sner/pkg/models"
)

// ExclMatcher checks targets against the exclusion list. Network rules
// match any target whose address (bare or taken from a proto://host:port
// form) falls within the CIDR; regex rules match anywhere in the target
// string.
type ExclMatcher struct {
	networks []netip.Prefix
	regexps  []*regexp.Regexp
}

// NewExclMatcher compiles exclusion rules. Invalid rules are rejected so
// a typo cannot silently disable an exclusion.
func NewExclMatcher(excls []*models.Excl) (*ExclMatcher, error) {
	m := &ExclMatcher{}
	for _, excl := range excls {
		switch excl.Family {
		case models.ExclFamilyNetwork:
			prefix, err := netip.ParsePrefix(excl.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid network exclusion %q: %w", excl.Value, err)
			}
			m.networks = append(m.networks, prefix)
		case models.ExclFamilyRegex:
			re, err := regexp.Compile(excl.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid regex exclusion %q: %w", excl.Value, err)
			}
			m.regexps = append(m.regexps, re)
		default:
			return nil, fmt.Errorf("unknown exclusion family %q", excl.Family)
		}
	}
	return m, nil
}

// Match reports whether the target is excluded from assignment.
func (m *ExclMatcher) Match(target string) bool {
	if len(m.networks) > 0 {
		candidate := target
		if strings.Contains(target, "://") {
			if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
				candidate = u.Hostname()
			}
		}
		if addr, err := netip.ParseAddr(candidate); err == nil {
			addr = addr.Unmap()
			for _, prefix := range m.networks {
				if prefix.Contains(addr) {
					return true
				}
			}
		}
	}

	for _, re := range m.regexps {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}
