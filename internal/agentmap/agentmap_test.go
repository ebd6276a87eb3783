package agentmap_test

import (
	"testing"

	"github.com/google/uuid"

	"pkt.systems/pcfd/internal/agentmap"
	"pkt.systems/pcfd/internal/pcq"
)

var (
	agentID = uuid.MustParse("0190b5f8-9d30-7f7e-9ee3-00000000000a")
	groupID = uuid.MustParse("0190b5f8-9d30-7f7e-9ee3-00000000000b")
)

func TestIsCommandActionable(t *testing.T) {
	t.Parallel()

	group := agentmap.AssetGroupInfo{
		AssetGroupID:          groupID,
		AgentID:               agentID,
		SupportedCommandTypes: []pcq.CommandType{pcq.CommandTypeDelete, pcq.CommandTypeExport},
		SupportedSubjectTypes: []pcq.SubjectType{pcq.SubjectTypeMSA},
	}

	cmd := &pcq.Command{Type: pcq.CommandTypeDelete, Subject: pcq.Subject{Type: pcq.SubjectTypeMSA}}
	if ok, why := group.IsCommandActionable(cmd); !ok {
		t.Fatalf("expected actionable, got %v", why)
	}

	cmd.Type = pcq.CommandTypeAccountClose
	if ok, why := group.IsCommandActionable(cmd); ok || why != agentmap.ApplicabilityCommandTypeMismatch {
		t.Fatalf("expected command type mismatch, got ok=%v why=%v", ok, why)
	}

	cmd.Type = pcq.CommandTypeDelete
	cmd.Subject.Type = pcq.SubjectTypeDevice
	if ok, why := group.IsCommandActionable(cmd); ok || why != agentmap.ApplicabilitySubjectTypeMismatch {
		t.Fatalf("expected subject type mismatch, got ok=%v why=%v", ok, why)
	}

	fake := group
	fake.FakePreProd = true
	cmd.Subject.Type = pcq.SubjectTypeMSA
	if ok, why := fake.IsCommandActionable(cmd); ok || why != agentmap.ApplicabilityFakePreProd {
		t.Fatalf("fake preprod group must never be actionable, got ok=%v why=%v", ok, why)
	}
}

func TestValidateClaimedVariants(t *testing.T) {
	t.Parallel()

	group := agentmap.AssetGroupInfo{
		AgentAppliedVariantIDs:  []string{"v-agent"},
		BrokerAppliedVariantIDs: []string{"v-broker"},
	}
	if !group.ValidateClaimedVariants(nil) {
		t.Fatal("empty claim must pass")
	}
	if !group.ValidateClaimedVariants([]string{"v-agent", "v-broker"}) {
		t.Fatal("claims from the union must pass")
	}
	if group.ValidateClaimedVariants([]string{"v-agent", "v-other"}) {
		t.Fatal("claim outside the union must fail")
	}

	empty := agentmap.AssetGroupInfo{}
	if empty.ValidateClaimedVariants([]string{"anything"}) {
		t.Fatal("non-empty claim against empty allowed set must fail")
	}
}

func TestMapLookup(t *testing.T) {
	t.Parallel()

	m := agentmap.New([]agentmap.AssetGroupInfo{
		{AssetGroupID: groupID, AgentID: agentID},
	})

	if !m.KnowsAgent(agentID) {
		t.Fatal("expected agent to be known")
	}
	if _, ok := m.Lookup(agentID, groupID); !ok {
		t.Fatal("expected asset group to resolve")
	}
	if _, ok := m.Lookup(agentID, uuid.New()); ok {
		t.Fatal("unknown asset group must not resolve")
	}
	if got := len(m.AssetGroups(agentID)); got != 1 {
		t.Fatalf("expected 1 asset group, got %d", got)
	}
	if m.KnowsAgent(uuid.New()) {
		t.Fatal("unknown agent must not be known")
	}
}
