// Package filter implements the Filter Graph (spec.md §4.4): given a source
// MIME type and a destination, finds the lowest-cost ordered chain of
// converters (filters) that reaches a type the destination accepts.
//
// Nodes are MIME types plus one synthetic sink per destination; edges are
// declared filters, the always-present raw passthrough edge, and wildcard
// filter declarations expanded against every concrete type known at the
// time of the query. Shortest path is Dijkstra over this small graph, with
// ties broken by declaration order — the teacher has no graph algorithm of
// its own (peer/pendingheap is the closest analogue: a container/heap
// priority structure with a declaration-order tiebreak), so this package
// follows spec.md §4.4 directly, borrowing pendingheap's heap-over-a-slice
// shape.
package filter

import (
	"container/heap"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	cerrors "github.com/Distrotech/cups-filters-sub000/internal/errors"
)

// RawMIME is the passthrough type that always has a zero-cost edge to every
// destination's sink, regardless of any other declared path (spec.md §4.4).
const RawMIME = "application/vnd.cups-raw"

// Spec declares one filter edge: a command template transforming From into
// To at the given Cost. From or To may carry a "*" wildcard subtype (e.g.
// "image/*") or be the literal wildcard "*/*", expanded against every known
// concrete type at resolve time.
type Spec struct {
	From          string
	To            string
	Cost          int
	Command       string
	NiceLevel     int
	StreamedStdin bool
}

// Step is one edge of a resolved path, carrying the per-edge metadata the
// Pipeline Supervisor materializes against a Job's attributes (spec.md
// §4.4/§4.7).
type Step struct {
	From, To      string
	Command       string
	Cost          int
	NiceLevel     int
	StreamedStdin bool
}

type edge struct {
	to            string
	cost          int
	order         int
	command       string
	niceLevel     int
	streamedStdin bool
}

const cacheSize = 256

// Graph is the filter declaration set plus the per-destination sink nodes
// registered against it.
type Graph struct {
	specs    []Spec
	concrete map[string]struct{}
	sinks    map[string]string // destination name -> sink node name

	adjacency map[string][]edge
	nextOrder int
	dirty     bool

	cache *lru.Cache
}

// New constructs an empty Graph.
func New() *Graph {
	c, _ := lru.New(cacheSize) // fixed positive size; error only on size <= 0
	return &Graph{
		concrete:  make(map[string]struct{}),
		sinks:     make(map[string]string),
		adjacency: make(map[string][]edge),
		cache:     c,
	}
}

func sinkNode(destName string) string { return "printer/" + destName }

// Declare registers a filter edge. Declaration order is preserved for tie
// breaking (spec.md §4.4: "first-declared wins").
func (g *Graph) Declare(s Spec) {
	g.specs = append(g.specs, s)
	g.noteConcrete(s.From)
	g.noteConcrete(s.To)
	g.invalidate()
}

func (g *Graph) noteConcrete(mime string) {
	if !isWildcard(mime) {
		g.concrete[mime] = struct{}{}
	}
}

func isWildcard(mime string) bool {
	return strings.Contains(mime, "*")
}

// RegisterDestination wires a destination's accepted input formats (each at
// cost 0, per spec.md §4.2) plus the synthetic raw passthrough edge into
// the graph, creating the destination's sink node.
func (g *Graph) RegisterDestination(destName string, acceptedFormats []string) {
	sink := sinkNode(destName)
	g.sinks[destName] = sink
	for _, f := range acceptedFormats {
		g.noteConcrete(f)
		g.specs = append(g.specs, Spec{From: f, To: sink, Cost: 0, Command: "-", StreamedStdin: true})
	}
	g.specs = append(g.specs, Spec{From: RawMIME, To: sink, Cost: 0, Command: "-", StreamedStdin: true})
	g.invalidate()
}

// UnregisterDestination drops a destination's sink and all edges that
// target it, e.g. on registry deletion.
func (g *Graph) UnregisterDestination(destName string) {
	sink, ok := g.sinks[destName]
	if !ok {
		return
	}
	delete(g.sinks, destName)
	kept := g.specs[:0]
	for _, s := range g.specs {
		if s.To != sink {
			kept = append(kept, s)
		}
	}
	g.specs = kept
	g.invalidate()
}

func (g *Graph) invalidate() {
	g.dirty = true
	g.cache.Purge()
}

// rebuild expands wildcard declarations against every concrete type known
// so far and assigns declaration-order edge indices, used as the Dijkstra
// tiebreak.
func (g *Graph) rebuild() {
	g.adjacency = make(map[string][]edge)
	g.nextOrder = 0
	for _, s := range g.specs {
		froms := g.expand(s.From)
		tos := g.expand(s.To)
		for _, from := range froms {
			for _, to := range tos {
				g.addEdge(from, to, s)
			}
		}
	}
	g.dirty = false
}

// expand returns every concrete type mime matches: itself if concrete,
// or every known concrete type matching the wildcard otherwise. Sink nodes
// (never wildcarded) pass through unchanged.
func (g *Graph) expand(mime string) []string {
	if !isWildcard(mime) {
		return []string{mime}
	}
	parts := strings.SplitN(mime, "/", 2)
	super, sub := parts[0], ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	var out []string
	for concrete := range g.concrete {
		cparts := strings.SplitN(concrete, "/", 2)
		csuper := cparts[0]
		csub := ""
		if len(cparts) == 2 {
			csub = cparts[1]
		}
		if (super == "*" || super == csuper) && (sub == "*" || sub == csub) {
			out = append(out, concrete)
		}
	}
	return out
}

func (g *Graph) addEdge(from, to string, s Spec) {
	g.adjacency[from] = append(g.adjacency[from], edge{
		to:            to,
		cost:          s.Cost,
		order:         g.nextOrder,
		command:       s.Command,
		niceLevel:     s.NiceLevel,
		streamedStdin: s.StreamedStdin,
	})
	g.nextOrder++
}

type cacheKey struct {
	source string
	dest   string
}

// Resolve finds the lowest-cost chain of filters transforming source into a
// type destName's sink accepts, or returns a Destination(document-format-
// not-supported) error if none exists. Results are cached by
// (source, destName) until the next graph mutation.
func (g *Graph) Resolve(source, destName string) ([]Step, error) {
	sink, ok := g.sinks[destName]
	if !ok {
		return nil, cerrors.NotFound("resolve-filter-path", destName)
	}

	key := cacheKey{source, destName}
	if v, ok := g.cache.Get(key); ok {
		return v.([]Step), nil
	}

	if source == RawMIME {
		path := []Step{{From: RawMIME, To: sink, Command: "-", StreamedStdin: true}}
		g.cache.Add(key, path)
		return path, nil
	}

	if g.dirty {
		g.rebuild()
	}

	path, ok := g.shortestPath(source, sink)
	if !ok {
		return nil, cerrors.FormatNotSupported("resolve-filter-path", source, destName)
	}
	g.cache.Add(key, path)
	return path, nil
}

// pqItem is a node pending expansion in the Dijkstra frontier.
type pqItem struct {
	node  string
	dist  int
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].dist < pq[j].dist
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}
func (pq *priorityQueue) Push(x interface{}) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// shortestPath runs Dijkstra from source to sink. Edges out of each node
// are always relaxed in declaration order and a strictly-smaller distance
// is required to update a node's best predecessor, so among equal-cost
// paths the one reachable via the earliest-declared edge at each step wins
// (spec.md §4.4's "first-declared wins" tiebreak).
func (g *Graph) shortestPath(source, sink string) ([]Step, bool) {
	dist := map[string]int{source: 0}
	prevEdge := map[string]edge{}
	prevNode := map[string]string{}
	visited := map[string]bool{}

	pq := &priorityQueue{{node: source, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*pqItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true
		if cur.node == sink {
			break
		}

		for _, e := range g.adjacency[cur.node] {
			if visited[e.to] {
				continue
			}
			nd := cur.dist + e.cost
			best, known := dist[e.to]
			if !known || nd < best {
				dist[e.to] = nd
				prevEdge[e.to] = e
				prevNode[e.to] = cur.node
				heap.Push(pq, &pqItem{node: e.to, dist: nd})
			}
		}
	}

	if !visited[sink] {
		return nil, false
	}

	var steps []Step
	node := sink
	for node != source {
		e := prevEdge[node]
		from := prevNode[node]
		steps = append([]Step{{
			From:          from,
			To:            node,
			Command:       e.command,
			Cost:          e.cost,
			NiceLevel:     e.niceLevel,
			StreamedStdin: e.streamedStdin,
		}}, steps...)
		node = from
	}
	return steps, true
}

// String renders a Step for logging, e.g. "application/pdf -[pdftops:0]-> printer/laser".
func (s Step) String() string {
	return fmt.Sprintf("%s -[%s:%d]-> %s", s.From, s.Command, s.Cost, s.To)
}
