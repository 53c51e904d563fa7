// Package graph builds the Association Graph: a pure in-memory
// aggregation of targets, identifiers, and their co-occurrence, per
// spec §4.9. It never writes to the store.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/casegraph/workspace/internal/store"
)

// NodeKind classifies a graph node.
type NodeKind string

// Known node kinds.
const (
	NodeKindTarget       NodeKind = "Target"
	NodeKindGlobalPerson NodeKind = "GlobalPerson"
	NodeKindIdentifier   NodeKind = "Identifier"
)

// EdgeKind classifies a graph edge.
type EdgeKind string

// Known edge kinds.
const (
	EdgeKindCoOccurrence     EdgeKind = "CoOccurrence"
	EdgeKindTargetIdentifier EdgeKind = "TargetIdentifier"
)

// Node is one graph vertex.
type Node struct {
	NodeID string
	Kind   NodeKind
	Label  string
}

// Edge is one graph edge, endpoints already canonicalized so (A,B)
// and (B,A) collapse to the same pair.
type Edge struct {
	SourceNodeID string
	TargetNodeID string
	Kind         EdgeKind
	Weight       int
}

// Graph is a built association graph, nodes and edges in the
// deterministic order spec §4.9 requires.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// Options controls how Build aggregates a case's targets.
type Options struct {
	CaseID              string
	GroupByGlobalPerson bool
	IncludeIdentifiers  bool
	MinEdgeWeight       int
}

// Builder aggregates graph data from an open Store.
type Builder struct {
	Store *store.Store
}

// New builds a Builder bound to an open Store.
func New(s *store.Store) *Builder {
	return &Builder{Store: s}
}

type targetRow struct {
	targetID       string
	displayName    string
	globalEntityID *string
}

type identifierLink struct {
	targetID        string
	identifierID    string
	identifierType  store.IdentifierType
	valueRaw        string
}

type presenceRow struct {
	targetID       string
	identifierID   string
	messageEventID string
	threadID       string
}

// Build loads Targets, TargetIdentifierLinks, and TargetMessagePresence
// for one case and aggregates them into a Graph.
func (b *Builder) Build(ctx context.Context, opts Options) (Graph, error) {
	targets, err := b.loadTargets(ctx, opts.CaseID)
	if err != nil {
		return Graph{}, err
	}
	links, err := b.loadIdentifierLinks(ctx, opts.CaseID)
	if err != nil {
		return Graph{}, err
	}
	presence, err := b.loadPresence(ctx, opts.CaseID)
	if err != nil {
		return Graph{}, err
	}

	globalNames, err := b.loadGlobalPersonNames(ctx, targets)
	if err != nil {
		return Graph{}, err
	}

	entityNode := make(map[string]string) // targetID -> nodeID
	nodes := map[string]Node{}

	for _, t := range targets {
		nodeID, label, kind := targetEntity(t, globalNames, opts.GroupByGlobalPerson)
		entityNode[t.targetID] = nodeID
		nodes[nodeID] = Node{NodeID: nodeID, Kind: kind, Label: label}
	}

	identNode := make(map[string]string) // identifierID -> nodeID
	if opts.IncludeIdentifiers {
		for _, l := range links {
			nodeID := "identifier:" + l.identifierID
			identNode[l.identifierID] = nodeID
			nodes[nodeID] = Node{
				NodeID: nodeID,
				Kind:   NodeKindIdentifier,
				Label:  fmt.Sprintf("%s: %s", l.identifierType, l.valueRaw),
			}
		}
	}

	coOccWeight := coOccurrenceWeights(presence, entityNode)
	identWeight := targetIdentifierWeights(presence, entityNode, identNode)

	var edges []Edge
	for pair, w := range coOccWeight {
		if w < opts.MinEdgeWeight || pair.a == pair.b {
			continue
		}
		edges = append(edges, Edge{SourceNodeID: pair.a, TargetNodeID: pair.b, Kind: EdgeKindCoOccurrence, Weight: w})
	}
	if opts.IncludeIdentifiers {
		for pair, w := range identWeight {
			if w < opts.MinEdgeWeight || pair.a == pair.b {
				continue
			}
			edges = append(edges, Edge{SourceNodeID: pair.a, TargetNodeID: pair.b, Kind: EdgeKindTargetIdentifier, Weight: w})
		}
	}

	out := Graph{Nodes: sortedNodes(nodes), Edges: sortedEdges(edges)}
	return out, nil
}

// targetEntity resolves a target row to its node id/label/kind,
// collapsing onto its GlobalPerson node when grouping is requested.
func targetEntity(t targetRow, globalNames map[string]string, groupByGlobalPerson bool) (nodeID, label string, kind NodeKind) {
	if groupByGlobalPerson && t.globalEntityID != nil {
		name := globalNames[*t.globalEntityID]
		if name == "" {
			name = t.displayName
		}
		return "person:" + *t.globalEntityID, name, NodeKindGlobalPerson
	}
	return "target:" + t.targetID, t.displayName, NodeKindTarget
}

type pairKey struct{ a, b string }

func canonicalPair(x, y string) pairKey {
	if x <= y {
		return pairKey{x, y}
	}
	return pairKey{y, x}
}

// coOccurrenceWeights counts, per canonicalized entity pair, the
// number of distinct threads in which both entities have a presence
// row, falling back to distinct shared events when no thread yields a
// positive count, per spec §4.9.
func coOccurrenceWeights(presence []presenceRow, entityNode map[string]string) map[pairKey]int {
	threadEntities := map[string]map[string]bool{}
	eventEntities := map[string]map[string]bool{}
	for _, p := range presence {
		node, ok := entityNode[p.targetID]
		if !ok {
			continue
		}
		if threadEntities[p.threadID] == nil {
			threadEntities[p.threadID] = map[string]bool{}
		}
		threadEntities[p.threadID][node] = true
		if eventEntities[p.messageEventID] == nil {
			eventEntities[p.messageEventID] = map[string]bool{}
		}
		eventEntities[p.messageEventID][node] = true
	}

	threadWeight := map[pairKey]int{}
	for _, entities := range threadEntities {
		for pair := range pairsOf(entities) {
			threadWeight[pair]++
		}
	}

	eventWeight := map[pairKey]int{}
	for _, entities := range eventEntities {
		for pair := range pairsOf(entities) {
			eventWeight[pair]++
		}
	}

	out := map[pairKey]int{}
	for pair, w := range threadWeight {
		out[pair] = w
	}
	for pair, w := range eventWeight {
		if _, have := out[pair]; !have {
			out[pair] = w
		}
	}
	return out
}

func pairsOf(entities map[string]bool) map[pairKey]bool {
	var names []string
	for n := range entities {
		names = append(names, n)
	}
	sort.Strings(names)
	out := map[pairKey]bool{}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			out[canonicalPair(names[i], names[j])] = true
		}
	}
	return out
}

// targetIdentifierWeights counts distinct message events in which a
// target's presence row matched a given identifier.
func targetIdentifierWeights(presence []presenceRow, entityNode, identNode map[string]string) map[pairKey]int {
	seen := map[pairKey]map[string]bool{}
	for _, p := range presence {
		tNode, ok := entityNode[p.targetID]
		if !ok {
			continue
		}
		iNode, ok := identNode[p.identifierID]
		if !ok {
			continue
		}
		pair := canonicalPair(tNode, iNode)
		if seen[pair] == nil {
			seen[pair] = map[string]bool{}
		}
		seen[pair][p.messageEventID] = true
	}
	out := map[pairKey]int{}
	for pair, events := range seen {
		out[pair] = len(events)
	}
	return out
}

func sortedNodes(nodes map[string]Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		li, lj := strings.ToLower(out[i].Label), strings.ToLower(out[j].Label)
		if li != lj {
			return li < lj
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

func sortedEdges(edges []Edge) []Edge {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].SourceNodeID != edges[j].SourceNodeID {
			return edges[i].SourceNodeID < edges[j].SourceNodeID
		}
		if edges[i].TargetNodeID != edges[j].TargetNodeID {
			return edges[i].TargetNodeID < edges[j].TargetNodeID
		}
		return edges[i].Kind < edges[j].Kind
	})
	return edges
}

func (b *Builder) loadTargets(ctx context.Context, caseID string) ([]targetRow, error) {
	rows, err := b.Store.DB.QueryContext(ctx, `SELECT TargetId, DisplayName, GlobalEntityId FROM Targets WHERE CaseId = ?`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []targetRow
	for rows.Next() {
		var t targetRow
		if err := rows.Scan(&t.targetID, &t.displayName, &t.globalEntityID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *Builder) loadIdentifierLinks(ctx context.Context, caseID string) ([]identifierLink, error) {
	rows, err := b.Store.DB.QueryContext(ctx,
		`SELECT til.TargetId, i.IdentifierId, i.Type, i.ValueRaw
		 FROM TargetIdentifierLinks til JOIN Identifiers i ON i.IdentifierId = til.IdentifierId
		 WHERE til.CaseId = ?`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []identifierLink
	for rows.Next() {
		var l identifierLink
		var idType string
		if err := rows.Scan(&l.targetID, &l.identifierID, &idType, &l.valueRaw); err != nil {
			return nil, err
		}
		l.identifierType = store.IdentifierType(idType)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (b *Builder) loadPresence(ctx context.Context, caseID string) ([]presenceRow, error) {
	rows, err := b.Store.DB.QueryContext(ctx,
		`SELECT tmp.TargetId, tmp.MatchedIdentifierId, tmp.MessageEventId, e.ThreadId
		 FROM TargetMessagePresence tmp JOIN MessageEventRecord e ON e.MessageEventId = tmp.MessageEventId
		 WHERE tmp.CaseId = ?`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []presenceRow
	for rows.Next() {
		var p presenceRow
		if err := rows.Scan(&p.targetID, &p.identifierID, &p.messageEventID, &p.threadID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *Builder) loadGlobalPersonNames(ctx context.Context, targets []targetRow) (map[string]string, error) {
	ids := map[string]bool{}
	for _, t := range targets {
		if t.globalEntityID != nil {
			ids[*t.globalEntityID] = true
		}
	}
	out := map[string]string{}
	for id := range ids {
		var name string
		err := b.Store.DB.QueryRowContext(ctx, `SELECT DisplayName FROM GlobalPersons WHERE GlobalPersonId = ?`, id).Scan(&name)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, nil
}
