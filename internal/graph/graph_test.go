package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// --- canonicalPair ---

func TestCanonicalPairOrdersLexicographically(t *testing.T) {
	require.Equal(t, canonicalPair("b", "a"), canonicalPair("a", "b"))
	require.Equal(t, pairKey{"a", "b"}, canonicalPair("b", "a"))
}

// --- pairsOf ---

func TestPairsOfProducesAllUnorderedCombinations(t *testing.T) {
	got := pairsOf(map[string]bool{"a": true, "b": true, "c": true})
	require.Len(t, got, 3)
	require.Contains(t, got, pairKey{"a", "b"})
	require.Contains(t, got, pairKey{"a", "c"})
	require.Contains(t, got, pairKey{"b", "c"})
}

func TestPairsOfSingleEntityProducesNoPairs(t *testing.T) {
	got := pairsOf(map[string]bool{"a": true})
	require.Empty(t, got)
}

// --- coOccurrenceWeights ---

func TestCoOccurrenceWeightsCountsSharedThreads(t *testing.T) {
	entityNode := map[string]string{"t1": "target:t1", "t2": "target:t2"}
	presence := []presenceRow{
		{targetID: "t1", messageEventID: "e1", threadID: "th1"},
		{targetID: "t2", messageEventID: "e2", threadID: "th1"},
		{targetID: "t1", messageEventID: "e3", threadID: "th2"},
		{targetID: "t2", messageEventID: "e4", threadID: "th2"},
	}
	weights := coOccurrenceWeights(presence, entityNode)
	require.Equal(t, 2, weights[canonicalPair("target:t1", "target:t2")])
}

func TestCoOccurrenceWeightsFallsBackToEventsWhenNoSharedThread(t *testing.T) {
	entityNode := map[string]string{"t1": "target:t1", "t2": "target:t2"}
	presence := []presenceRow{
		// No shared thread between t1 and t2, but they share one event.
		{targetID: "t1", messageEventID: "e1", threadID: "th1"},
		{targetID: "t2", messageEventID: "e1", threadID: "th2"},
	}
	weights := coOccurrenceWeights(presence, entityNode)
	require.Equal(t, 1, weights[canonicalPair("target:t1", "target:t2")])
}

func TestCoOccurrenceWeightsIgnoresUnknownTargets(t *testing.T) {
	entityNode := map[string]string{"t1": "target:t1"}
	presence := []presenceRow{
		{targetID: "t1", messageEventID: "e1", threadID: "th1"},
		{targetID: "unknown", messageEventID: "e1", threadID: "th1"},
	}
	weights := coOccurrenceWeights(presence, entityNode)
	require.Empty(t, weights)
}

// --- targetIdentifierWeights ---

func TestTargetIdentifierWeightsCountsDistinctEvents(t *testing.T) {
	entityNode := map[string]string{"t1": "target:t1"}
	identNode := map[string]string{"i1": "identifier:i1"}
	presence := []presenceRow{
		{targetID: "t1", identifierID: "i1", messageEventID: "e1"},
		{targetID: "t1", identifierID: "i1", messageEventID: "e1"}, // duplicate event, should not double count
		{targetID: "t1", identifierID: "i1", messageEventID: "e2"},
	}
	weights := targetIdentifierWeights(presence, entityNode, identNode)
	require.Equal(t, 2, weights[canonicalPair("target:t1", "identifier:i1")])
}

// --- targetEntity ---

func TestTargetEntityUsesGlobalPersonNodeWhenGroupingEnabled(t *testing.T) {
	gid := "gp1"
	tr := targetRow{targetID: "t1", displayName: "Local Name", globalEntityID: &gid}
	globalNames := map[string]string{"gp1": "Canonical Name"}

	nodeID, label, kind := targetEntity(tr, globalNames, true)
	require.Equal(t, "person:gp1", nodeID)
	require.Equal(t, "Canonical Name", label)
	require.Equal(t, NodeKindGlobalPerson, kind)
}

func TestTargetEntityFallsBackToDisplayNameWhenGlobalNameMissing(t *testing.T) {
	gid := "gp1"
	tr := targetRow{targetID: "t1", displayName: "Local Name", globalEntityID: &gid}

	_, label, _ := targetEntity(tr, map[string]string{}, true)
	require.Equal(t, "Local Name", label)
}

func TestTargetEntityUsesTargetNodeWhenGroupingDisabled(t *testing.T) {
	gid := "gp1"
	tr := targetRow{targetID: "t1", displayName: "Local Name", globalEntityID: &gid}

	nodeID, _, kind := targetEntity(tr, map[string]string{"gp1": "x"}, false)
	require.Equal(t, "target:t1", nodeID)
	require.Equal(t, NodeKindTarget, kind)
}

// --- sortedNodes / sortedEdges ---

func TestSortedNodesOrdersByKindThenLabelThenID(t *testing.T) {
	nodes := map[string]Node{
		"target:2":     {NodeID: "target:2", Kind: NodeKindTarget, Label: "Bob"},
		"target:1":     {NodeID: "target:1", Kind: NodeKindTarget, Label: "alice"},
		"identifier:1": {NodeID: "identifier:1", Kind: NodeKindIdentifier, Label: "Phone: 555"},
	}
	out := sortedNodes(nodes)
	require.Len(t, out, 3)
	// Identifier < Target lexically, so identifier node comes first.
	require.Equal(t, NodeKindIdentifier, out[0].Kind)
	require.Equal(t, "target:1", out[1].NodeID) // "alice" < "Bob" case-insensitively
	require.Equal(t, "target:2", out[2].NodeID)
}

func TestSortedEdgesOrdersBySourceTargetKind(t *testing.T) {
	edges := []Edge{
		{SourceNodeID: "b", TargetNodeID: "c", Kind: EdgeKindCoOccurrence, Weight: 1},
		{SourceNodeID: "a", TargetNodeID: "z", Kind: EdgeKindTargetIdentifier, Weight: 1},
		{SourceNodeID: "a", TargetNodeID: "y", Kind: EdgeKindCoOccurrence, Weight: 1},
	}
	out := sortedEdges(edges)
	require.Equal(t, "a", out[0].SourceNodeID)
	require.Equal(t, "y", out[0].TargetNodeID)
	require.Equal(t, "a", out[1].SourceNodeID)
	require.Equal(t, "z", out[1].TargetNodeID)
	require.Equal(t, "b", out[2].SourceNodeID)
}
