// Package agentmap holds the read-only data-agent map: which asset groups
// an agent owns and what each group is capable of. The map is an injected
// snapshot refreshed out of band; this protocol never mutates it.
package agentmap

import (
	"pkt.systems/pcfd/internal/pcq"
)

// ReadinessState describes how far along an asset group is in onboarding.
type ReadinessState int

const (
	ReadinessUnknown ReadinessState = iota
	// ReadinessProdReady means agent outcomes are trusted as reported.
	ReadinessProdReady
	// ReadinessTestInProduction means the broker force-completes on the
	// agent's behalf instead of trusting failure reports.
	ReadinessTestInProduction
)

// String returns the wire name for the readiness state.
func (r ReadinessState) String() string {
	switch r {
	case ReadinessProdReady:
		return "ProdReady"
	case ReadinessTestInProduction:
		return "TestInProduction"
	default:
		return "Unknown"
	}
}

// Applicability explains an actionability verdict.
type Applicability int

const (
	ApplicabilityApplies Applicability = iota
	ApplicabilityCommandTypeMismatch
	ApplicabilitySubjectTypeMismatch
	ApplicabilityFakePreProd
)

// String returns a log-friendly name for the verdict.
func (a Applicability) String() string {
	switch a {
	case ApplicabilityApplies:
		return "applies"
	case ApplicabilityCommandTypeMismatch:
		return "command_type_mismatch"
	case ApplicabilitySubjectTypeMismatch:
		return "subject_type_mismatch"
	case ApplicabilityFakePreProd:
		return "fake_preprod"
	default:
		return "unknown"
	}
}

// AssetGroupInfo is one asset group's flat capability record.
type AssetGroupInfo struct {
	AssetGroupID pcq.AssetGroupID
	AgentID      pcq.AgentID

	// SupportedCommandTypes and SupportedSubjectTypes scope which commands
	// the group still requires action for. An empty slice means no
	// restriction.
	SupportedCommandTypes []pcq.CommandType
	SupportedSubjectTypes []pcq.SubjectType

	// AgentAppliedVariantIDs and BrokerAppliedVariantIDs are the exemption
	// sets an agent may legitimately claim against.
	AgentAppliedVariantIDs  []string
	BrokerAppliedVariantIDs []string

	// DelinkApproved marks groups approved for deidentify-style completion.
	DelinkApproved bool

	Readiness ReadinessState

	// FakePreProd marks synthetic placeholder groups used by pre-production
	// pipelines; their queue entries are discarded without lifecycle events.
	FakePreProd bool

	// LowPriorityQueueEligible routes the group's commands through the
	// low-priority sub-queue on getcommands.
	LowPriorityQueueEligible bool
}

// IsCommandActionable reports whether the command still requires action
// from this asset group, with the reason when it does not.
func (g *AssetGroupInfo) IsCommandActionable(cmd *pcq.Command) (bool, Applicability) {
	if g.FakePreProd {
		return false, ApplicabilityFakePreProd
	}
	if len(g.SupportedCommandTypes) > 0 && !containsCommandType(g.SupportedCommandTypes, cmd.Type) {
		return false, ApplicabilityCommandTypeMismatch
	}
	if len(g.SupportedSubjectTypes) > 0 && !containsSubjectType(g.SupportedSubjectTypes, cmd.Subject.Type) {
		return false, ApplicabilitySubjectTypeMismatch
	}
	return true, ApplicabilityApplies
}

// IsTestInProduction reports whether broker-side force completion applies.
func (g *AssetGroupInfo) IsTestInProduction() bool {
	return g.Readiness == ReadinessTestInProduction
}

// ValidateClaimedVariants reports whether every claimed variant id appears
// in the union of the agent-applied and broker-applied variant sets. An
// empty union rejects any non-empty claim.
func (g *AssetGroupInfo) ValidateClaimedVariants(claimed []string) bool {
	if len(claimed) == 0 {
		return true
	}
	allowed := make(map[string]struct{}, len(g.AgentAppliedVariantIDs)+len(g.BrokerAppliedVariantIDs))
	for _, id := range g.AgentAppliedVariantIDs {
		allowed[id] = struct{}{}
	}
	for _, id := range g.BrokerAppliedVariantIDs {
		allowed[id] = struct{}{}
	}
	for _, id := range claimed {
		if _, ok := allowed[id]; !ok {
			return false
		}
	}
	return true
}

func containsCommandType(haystack []pcq.CommandType, needle pcq.CommandType) bool {
	for _, t := range haystack {
		if t == needle {
			return true
		}
	}
	return false
}

func containsSubjectType(haystack []pcq.SubjectType, needle pcq.SubjectType) bool {
	for _, t := range haystack {
		if t == needle {
			return true
		}
	}
	return false
}

// Map is an immutable agent-to-asset-group snapshot.
type Map struct {
	byAgent map[pcq.AgentID]map[pcq.AssetGroupID]*AssetGroupInfo
}

// New builds a Map from a flat list of asset group records.
func New(groups []AssetGroupInfo) *Map {
	m := &Map{byAgent: make(map[pcq.AgentID]map[pcq.AssetGroupID]*AssetGroupInfo)}
	for i := range groups {
		g := groups[i]
		agent, ok := m.byAgent[g.AgentID]
		if !ok {
			agent = make(map[pcq.AssetGroupID]*AssetGroupInfo)
			m.byAgent[g.AgentID] = agent
		}
		agent[g.AssetGroupID] = &g
	}
	return m
}

// Lookup returns the asset group record for (agentID, assetGroupID).
func (m *Map) Lookup(agentID pcq.AgentID, assetGroupID pcq.AssetGroupID) (*AssetGroupInfo, bool) {
	if m == nil {
		return nil, false
	}
	agent, ok := m.byAgent[agentID]
	if !ok {
		return nil, false
	}
	g, ok := agent[assetGroupID]
	return g, ok
}

// AssetGroups returns every asset group owned by agentID.
func (m *Map) AssetGroups(agentID pcq.AgentID) []*AssetGroupInfo {
	if m == nil {
		return nil
	}
	agent, ok := m.byAgent[agentID]
	if !ok {
		return nil
	}
	groups := make([]*AssetGroupInfo, 0, len(agent))
	for _, g := range agent {
		groups = append(groups, g)
	}
	return groups
}

// Snapshot returns the map itself; a static Map is its own source.
func (m *Map) Snapshot() *Map { return m }

// KnowsAgent reports whether the snapshot has any record of agentID.
func (m *Map) KnowsAgent(agentID pcq.AgentID) bool {
	if m == nil {
		return false
	}
	_, ok := m.byAgent[agentID]
	return ok
}
