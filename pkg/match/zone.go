package match

import (
	"fmt"
	"strings"

	"github.com/agentfleet/foreman/pkg/models"
)

// AccessDecision is the result of a zone access check.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Zone    string `json:"zone,omitempty"`
	Reason  string `json:"reason"`
}

// compiledZone pairs a zone definition with its compiled pattern.
type compiledZone struct {
	def     models.ZoneDefinition
	matcher func(string) bool
}

// ZoneMatcher answers "may this agent touch this path" for one immutable
// project zone config. Zones are evaluated in declared order; the first
// matching zone decides. Checks are O(zones).
type ZoneMatcher struct {
	zones         []compiledZone
	defaultPolicy models.ZoneDefaultPolicy
}

// NewZoneMatcher compiles the zone config. Invalid glob patterns fail
// construction; a nil config yields a matcher that allows everything.
func NewZoneMatcher(cfg *models.ProjectZoneConfig) (*ZoneMatcher, error) {
	if cfg == nil {
		return &ZoneMatcher{defaultPolicy: models.ZonePolicyAllow}, nil
	}

	m := &ZoneMatcher{
		zones:         make([]compiledZone, 0, len(cfg.Zones)),
		defaultPolicy: cfg.DefaultPolicy,
	}
	if m.defaultPolicy == "" {
		m.defaultPolicy = models.ZonePolicyAllow
	}

	for _, z := range cfg.Zones {
		re, err := CompileGlob(z.Pattern)
		if err != nil {
			return nil, fmt.Errorf("zone %q: %w", z.Pattern, err)
		}
		m.zones = append(m.zones, compiledZone{def: z, matcher: re.MatchString})
	}
	return m, nil
}

// Restrictive reports whether the matcher denies unzoned paths with no
// zones declared, i.e. no agent can access anything. Callers surface this
// as a configuration error at registration time.
func (m *ZoneMatcher) Restrictive() bool {
	return len(m.zones) == 0 && m.defaultPolicy == models.ZonePolicyDeny
}

// CheckAccess decides whether the agent may modify the path. Deterministic
// for a given config and (path, agentID) pair.
func (m *ZoneMatcher) CheckAccess(path, agentID string) AccessDecision {
	for _, z := range m.zones {
		if !z.matcher(path) {
			continue
		}
		if z.def.Shared {
			return AccessDecision{
				Allowed: true,
				Zone:    z.def.Pattern,
				Reason:  fmt.Sprintf("File is in shared zone %s", z.def.Pattern),
			}
		}
		for _, owner := range z.def.Owners {
			if owner == agentID {
				return AccessDecision{
					Allowed: true,
					Zone:    z.def.Pattern,
					Reason:  fmt.Sprintf("Agent %s owns zone %s", agentID, z.def.Pattern),
				}
			}
		}
		return AccessDecision{
			Allowed: false,
			Zone:    z.def.Pattern,
			Reason: fmt.Sprintf("File is owned by [%s], not %s",
				strings.Join(z.def.Owners, ", "), agentID),
		}
	}

	if m.defaultPolicy == models.ZonePolicyDeny {
		return AccessDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("File %s is unzoned, denied by default policy", path),
		}
	}
	return AccessDecision{
		Allowed: true,
		Reason:  fmt.Sprintf("File %s is unzoned, allowed by default", path),
	}
}
