package isolation

import (
	"math"
	"sort"
)

// ServiceMeta describes a service from the policy table.
type ServiceMeta struct {
	Name            string
	AllowedServices []string
	Flagged         bool
}

// EdgeInput is observed traffic on one source→target pair.
type EdgeInput struct {
	From    string
	To      string
	Allowed int
	Denied  int
}

// Node is a computed graph node with metrics.
type Node struct {
	Name        string  `json:"name"`
	HasPolicy   bool    `json:"has_policy"`
	Flagged     bool    `json:"flagged"`
	InDegree    int     `json:"in_degree"`
	OutDegree   int     `json:"out_degree"`
	Betweenness float64 `json:"betweenness"`
	ThreatScore float64 `json:"threat_score"`
	TotalSent   int     `json:"total_sent"`
	TotalRecv   int     `json:"total_recv"`
	DeniedSent  int     `json:"denied_sent"`
	DeniedRecv  int     `json:"denied_recv"`
}

// Edge is a computed graph edge with health metrics.
type Edge struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	Allowed     int     `json:"allowed"`
	Denied      int     `json:"denied"`
	Total       int     `json:"total"`
	HealthScore float64 `json:"health_score"`
}

// PolicyEdge is a permitted path from the policy table.
type PolicyEdge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Active bool   `json:"active"`
}

// ShadowEdge is a path that was attempted but is not permitted by policy.
type ShadowEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Total int    `json:"total"`
}

// ServiceGraph is the computed service communication graph.
type ServiceGraph struct {
	Nodes        []Node       `json:"nodes"`
	Edges        []Edge       `json:"edges"`
	PolicyEdges  []PolicyEdge `json:"policy_edges"`
	ShadowEdges  []ShadowEdge `json:"shadow_edges"`
	UnusedPolicy []PolicyEdge `json:"unused_policy"`
	TotalNodes   int          `json:"total_nodes"`
	TotalEdges   int          `json:"total_edges"`
}

// BuildGraph combines the policy table with observed traffic.
func BuildGraph(services []ServiceMeta, edges []EdgeInput) *ServiceGraph {
	nodeMap := buildNodeSet(services, edges)
	computed := buildEdges(edges)
	computeDegrees(nodeMap, computed)
	computeBetweenness(nodeMap, computed)
	computeThreatScores(nodeMap, computed)
	policyEdges, shadowEdges, unused := comparePolicy(services, edges)

	nodes := make([]Node, 0, len(nodeMap))
	for _, n := range nodeMap {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	return &ServiceGraph{
		Nodes:        nodes,
		Edges:        computed,
		PolicyEdges:  policyEdges,
		ShadowEdges:  shadowEdges,
		UnusedPolicy: unused,
		TotalNodes:   len(nodes),
		TotalEdges:   len(computed),
	}
}

func buildNodeSet(services []ServiceMeta, edges []EdgeInput) map[string]*Node {
	nodeMap := make(map[string]*Node)
	for _, s := range services {
		nodeMap[s.Name] = &Node{Name: s.Name, HasPolicy: true, Flagged: s.Flagged, Betweenness: -1}
	}
	for _, e := range edges {
		for _, name := range []string{e.From, e.To} {
			if _, ok := nodeMap[name]; !ok {
				nodeMap[name] = &Node{Name: name, Betweenness: -1}
			}
		}
	}
	return nodeMap
}

// buildEdges derives health as the allowed share of attempts (0-100).
func buildEdges(edges []EdgeInput) []Edge {
	result := make([]Edge, 0, len(edges))
	for _, e := range edges {
		total := e.Allowed + e.Denied
		health := 100.0
		if total > 0 {
			health = float64(e.Allowed) / float64(total) * 100
		}
		result = append(result, Edge{
			From:        e.From,
			To:          e.To,
			Allowed:     e.Allowed,
			Denied:      e.Denied,
			Total:       total,
			HealthScore: math.Round(health*10) / 10,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].From != result[j].From {
			return result[i].From < result[j].From
		}
		return result[i].To < result[j].To
	})
	return result
}

func computeDegrees(nodeMap map[string]*Node, edges []Edge) {
	for _, e := range edges {
		if n, ok := nodeMap[e.From]; ok {
			n.OutDegree++
			n.TotalSent += e.Total
			n.DeniedSent += e.Denied
		}
		if n, ok := nodeMap[e.To]; ok {
			n.InDegree++
			n.TotalRecv += e.Total
			n.DeniedRecv += e.Denied
		}
	}
}

const betweennessNodeLimit = 50

// computeBetweenness sets each node's normalized share of the shortest
// paths between other service pairs. Only edges that carried allowed traffic
// count. Large graphs are skipped and keep -1.
func computeBetweenness(nodeMap map[string]*Node, edges []Edge) {
	if len(nodeMap) >= betweennessNodeLimit {
		return
	}
	g := newReachGraph(nodeMap, edges)
	score := make([]float64, len(g.names))
	for src := range g.names {
		g.addDependencies(src, score)
	}

	n := len(g.names)
	pairs := float64((n - 1) * (n - 2)) // ordered pairs excluding the node itself
	for i, name := range g.names {
		var b float64
		if pairs > 0 {
			b = math.Round(score[i]/pairs*1000) / 1000
		}
		nodeMap[name].Betweenness = b
	}
}

// reachGraph is the allowed-traffic adjacency over sorted service indexes.
type reachGraph struct {
	names []string
	out   [][]int
}

func newReachGraph(nodeMap map[string]*Node, edges []Edge) *reachGraph {
	g := &reachGraph{names: make([]string, 0, len(nodeMap))}
	for name := range nodeMap {
		g.names = append(g.names, name)
	}
	sort.Strings(g.names)
	pos := make(map[string]int, len(g.names))
	for i, name := range g.names {
		pos[name] = i
	}
	g.out = make([][]int, len(g.names))
	for _, e := range edges {
		from, okFrom := pos[e.From]
		to, okTo := pos[e.To]
		if e.Allowed == 0 || !okFrom || !okTo {
			continue
		}
		g.out[from] = append(g.out[from], to)
	}
	return g
}

// addDependencies counts shortest paths from src breadth-first, then walks
// the visit order backwards crediting every intermediate node.
func (g *reachGraph) addDependencies(src int, score []float64) {
	n := len(g.names)
	hops := make([]int, n)
	for i := range hops {
		hops[i] = -1
	}
	paths := make([]float64, n)
	parents := make([][]int, n)
	hops[src], paths[src] = 0, 1

	order := []int{src}
	for head := 0; head < len(order); head++ {
		v := order[head]
		for _, w := range g.out[v] {
			switch {
			case hops[w] < 0:
				hops[w] = hops[v] + 1
				order = append(order, w)
				fallthrough
			case hops[w] == hops[v]+1:
				paths[w] += paths[v]
				parents[w] = append(parents[w], v)
			}
		}
	}

	dep := make([]float64, n)
	for i := len(order) - 1; i > 0; i-- {
		w := order[i]
		for _, v := range parents[w] {
			dep[v] += paths[v] / paths[w] * (1 + dep[w])
		}
		score[w] += dep[w]
	}
}

// computeThreatScores sets a 0-100 score per node:
// 40*flagged + 30*deniedSentRatio + 20*deniedRecvRatio + 10*normalizedDegree.
func computeThreatScores(nodeMap map[string]*Node, edges []Edge) {
	var maxDeg int
	for _, n := range nodeMap {
		maxDeg = max(maxDeg, n.InDegree+n.OutDegree)
	}
	for _, node := range nodeMap {
		var flagged, sentRatio, recvRatio, normDeg float64
		if node.Flagged {
			flagged = 1
		}
		if node.TotalSent > 0 {
			sentRatio = float64(node.DeniedSent) / float64(node.TotalSent)
		}
		if node.TotalRecv > 0 {
			recvRatio = float64(node.DeniedRecv) / float64(node.TotalRecv)
		}
		if maxDeg > 0 {
			normDeg = float64(node.InDegree+node.OutDegree) / float64(maxDeg)
		}
		score := (0.4*flagged + 0.3*sentRatio + 0.2*recvRatio + 0.1*normDeg) * 100
		node.ThreatScore = math.Round(score*10) / 10
	}
}

// comparePolicy diffs the permitted paths against attempted traffic.
func comparePolicy(services []ServiceMeta, edges []EdgeInput) ([]PolicyEdge, []ShadowEdge, []PolicyEdge) {
	type pair struct{ from, to string }
	permitted := make(map[pair]bool)
	for _, s := range services {
		for _, target := range s.AllowedServices {
			permitted[pair{s.Name, target}] = true
		}
	}

	allowedTraffic := make(map[pair]int)
	attempted := make(map[pair]int)
	for _, e := range edges {
		p := pair{e.From, e.To}
		allowedTraffic[p] += e.Allowed
		attempted[p] += e.Allowed + e.Denied
	}

	var policyEdges, unused []PolicyEdge
	for p := range permitted {
		pe := PolicyEdge{From: p.from, To: p.to, Active: allowedTraffic[p] > 0}
		policyEdges = append(policyEdges, pe)
		if !pe.Active {
			unused = append(unused, pe)
		}
	}

	var shadow []ShadowEdge
	for p, total := range attempted {
		if !permitted[p] && total > 0 {
			shadow = append(shadow, ShadowEdge{From: p.from, To: p.to, Total: total})
		}
	}

	sortPolicy(policyEdges)
	sortPolicy(unused)
	sort.Slice(shadow, func(i, j int) bool {
		if shadow[i].From != shadow[j].From {
			return shadow[i].From < shadow[j].From
		}
		return shadow[i].To < shadow[j].To
	})
	return policyEdges, shadow, unused
}

func sortPolicy(edges []PolicyEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
}
