package agentmap

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"pkt.systems/pcfd/internal/pcq"
)

// mapFile is the on-disk YAML layout of the agent map snapshot.
type mapFile struct {
	AssetGroups []assetGroupEntry `yaml:"assetGroups"`
}

type assetGroupEntry struct {
	AssetGroupID             string   `yaml:"assetGroupId"`
	AgentID                  string   `yaml:"agentId"`
	SupportedCommandTypes    []string `yaml:"supportedCommandTypes"`
	SupportedSubjectTypes    []string `yaml:"supportedSubjectTypes"`
	AgentAppliedVariantIDs   []string `yaml:"agentAppliedVariantIds"`
	BrokerAppliedVariantIDs  []string `yaml:"brokerAppliedVariantIds"`
	DelinkApproved           bool     `yaml:"delinkApproved"`
	Readiness                string   `yaml:"readiness"`
	FakePreProd              bool     `yaml:"fakePreProd"`
	LowPriorityQueueEligible bool     `yaml:"lowPriorityQueueEligible"`
}

// LoadFile reads an agent map snapshot from a YAML file.
func LoadFile(path string) ([]AssetGroupInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentmap: read %q: %w", path, err)
	}
	var file mapFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("agentmap: parse %q: %w", path, err)
	}
	groups := make([]AssetGroupInfo, 0, len(file.AssetGroups))
	for i, entry := range file.AssetGroups {
		g, err := entry.toInfo()
		if err != nil {
			return nil, fmt.Errorf("agentmap: %q asset group %d: %w", path, i, err)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (e assetGroupEntry) toInfo() (AssetGroupInfo, error) {
	assetGroupID, err := uuid.Parse(e.AssetGroupID)
	if err != nil {
		return AssetGroupInfo{}, fmt.Errorf("invalid assetGroupId %q: %w", e.AssetGroupID, err)
	}
	agentID, err := uuid.Parse(e.AgentID)
	if err != nil {
		return AssetGroupInfo{}, fmt.Errorf("invalid agentId %q: %w", e.AgentID, err)
	}
	g := AssetGroupInfo{
		AssetGroupID:             assetGroupID,
		AgentID:                  agentID,
		AgentAppliedVariantIDs:   e.AgentAppliedVariantIDs,
		BrokerAppliedVariantIDs:  e.BrokerAppliedVariantIDs,
		DelinkApproved:           e.DelinkApproved,
		FakePreProd:              e.FakePreProd,
		LowPriorityQueueEligible: e.LowPriorityQueueEligible,
	}
	for _, s := range e.SupportedCommandTypes {
		t, ok := pcq.ParseCommandType(s)
		if !ok {
			return AssetGroupInfo{}, fmt.Errorf("unknown command type %q", s)
		}
		g.SupportedCommandTypes = append(g.SupportedCommandTypes, t)
	}
	for _, s := range e.SupportedSubjectTypes {
		t, ok := pcq.ParseSubjectType(s)
		if !ok {
			return AssetGroupInfo{}, fmt.Errorf("unknown subject type %q", s)
		}
		g.SupportedSubjectTypes = append(g.SupportedSubjectTypes, t)
	}
	switch e.Readiness {
	case "", "Unknown":
		g.Readiness = ReadinessUnknown
	case "ProdReady":
		g.Readiness = ReadinessProdReady
	case "TestInProduction":
		g.Readiness = ReadinessTestInProduction
	default:
		return AssetGroupInfo{}, fmt.Errorf("unknown readiness %q", e.Readiness)
	}
	return g, nil
}
