package cnode

import (
	"container/heap"
	"strconv"
	"sync"
	"time"

	"github.com/awalterschulze/gographviz"

	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/consts"
	"github.com/mit-dci/cred/logging"
)

// Path is one candidate route: the hops after us, ending at the
// destination, with the advertised capacity of each link.  Advisory
// only; every hop re-validates against its live ledger.
type Path struct {
	Hops []cnutil.PeerId
	Caps []int64
}

// RouteIndex answers "how do I get amt to dest".
type RouteIndex interface {
	Query(dest cnutil.PeerId, minAmt int64) []Path
}

// RouteScorer ranks the candidates a RouteIndex returned.
type RouteScorer interface {
	Pick(paths []Path) *Path
}

// FewestHopsScorer takes the shortest path; between equal lengths it
// prefers the one whose link capacities are most even, on the theory
// that a route with one barely-sufficient link is likelier to bounce.
type FewestHopsScorer struct{}

func (FewestHopsScorer) Pick(paths []Path) *Path {
	var best *Path
	var bestVar float64
	for i := range paths {
		p := &paths[i]
		v := capVariance(p.Caps)
		if best == nil || len(p.Hops) < len(best.Hops) ||
			(len(p.Hops) == len(best.Hops) && v < bestVar) {
			best = p
			bestVar = v
		}
	}
	return best
}

func capVariance(caps []int64) float64 {
	if len(caps) == 0 {
		return 0
	}
	var mean float64
	for _, c := range caps {
		mean += float64(c)
	}
	mean /= float64(len(caps))
	var v float64
	for _, c := range caps {
		d := float64(c) - mean
		v += d * d
	}
	return v / float64(len(caps))
}

// CreditGraph is the gossip-fed capacity map: for each node we know of,
// its latest advertisement of how much it can forward toward each of
// its friends.
type CreditGraph struct {
	mtx  sync.Mutex
	self cnutil.PeerId

	nodes map[cnutil.PeerId]*graphNode
}

type graphNode struct {
	Seq   uint32
	Heard time.Time
	Links map[cnutil.PeerId]int64
}

func NewCreditGraph(self cnutil.PeerId) *CreditGraph {
	return &CreditGraph{
		self:  self,
		nodes: make(map[cnutil.PeerId]*graphNode),
	}
}

// UpdateNode ingests an advertisement.  Returns false for stale
// sequence numbers, which the caller uses to stop re-flooding.
func (g *CreditGraph) UpdateNode(node cnutil.PeerId, seq uint32, links []cnutil.LinkInfo) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	gn, ok := g.nodes[node]
	if ok && seq <= gn.Seq && node != g.self {
		return false
	}
	if !ok {
		gn = new(graphNode)
		g.nodes[node] = gn
	}
	gn.Seq = seq
	gn.Heard = time.Now()
	gn.Links = make(map[cnutil.PeerId]int64)
	for _, l := range links {
		gn.Links[l.Peer] = l.Capacity
	}
	return true
}

// CleanStale drops nodes we haven't heard from in maxAge.
func (g *CreditGraph) CleanStale(maxAge time.Duration) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	cut := time.Now().Add(-maxAge)
	for id, gn := range g.nodes {
		if id != g.self && gn.Heard.Before(cut) {
			delete(g.nodes, id)
		}
	}
}

// nodeWithDist is a partial path in the search heap.
type nodeWithDist struct {
	Dist int
	Node cnutil.PeerId
}

type distanceHeap []nodeWithDist

func (h distanceHeap) Len() int            { return len(h) }
func (h distanceHeap) Less(i, j int) bool  { return h[i].Dist < h[j].Dist }
func (h distanceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distanceHeap) Push(x interface{}) { *h = append(*h, x.(nodeWithDist)) }
func (h *distanceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Query finds candidate routes to dest whose every link advertises at
// least minAmt.  One candidate per usable first hop, each the fewest
// hops achievable through that friend.
func (g *CreditGraph) Query(dest cnutil.PeerId, minAmt int64) []Path {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if dest == g.self {
		return nil
	}
	self, ok := g.nodes[g.self]
	if !ok {
		return nil
	}

	var out []Path
	for first, cap1 := range self.Links {
		if cap1 < minAmt {
			continue
		}
		if first == dest {
			out = append(out, Path{Hops: []cnutil.PeerId{dest}, Caps: []int64{cap1}})
			continue
		}
		tail := g.dijkstra(first, dest, minAmt)
		if tail == nil {
			continue
		}
		p := Path{
			Hops: append([]cnutil.PeerId{first}, tail.Hops...),
			Caps: append([]int64{cap1}, tail.Caps...),
		}
		if len(p.Hops) <= consts.MaxRouteHops {
			out = append(out, p)
		}
	}
	return out
}

// dijkstra searches from `from` to dest over links with capacity at
// least minAmt, never passing back through us.  Caller holds the mutex.
func (g *CreditGraph) dijkstra(from, dest cnutil.PeerId, minAmt int64) *Path {
	dist := map[cnutil.PeerId]int{from: 0}
	prev := make(map[cnutil.PeerId]cnutil.PeerId)

	var nodeHeap distanceHeap
	heap.Push(&nodeHeap, nodeWithDist{Dist: 0, Node: from})

	for nodeHeap.Len() != 0 {
		cur := heap.Pop(&nodeHeap).(nodeWithDist)
		if cur.Node == dest {
			break
		}
		if cur.Dist >= consts.MaxRouteHops {
			continue
		}
		gn, ok := g.nodes[cur.Node]
		if !ok {
			continue
		}
		for nbr, cap := range gn.Links {
			if cap < minAmt || nbr == g.self {
				continue
			}
			d, seen := dist[nbr]
			if seen && d <= cur.Dist+1 {
				continue
			}
			dist[nbr] = cur.Dist + 1
			prev[nbr] = cur.Node
			heap.Push(&nodeHeap, nodeWithDist{Dist: cur.Dist + 1, Node: nbr})
		}
	}

	if _, ok := dist[dest]; !ok {
		return nil
	}

	// walk back from dest to from
	var rev []cnutil.PeerId
	at := dest
	for at != from {
		rev = append(rev, at)
		at = prev[at]
	}
	p := new(Path)
	for i := len(rev) - 1; i >= 0; i-- {
		p.Hops = append(p.Hops, rev[i])
	}
	at = from
	for _, hop := range p.Hops {
		p.Caps = append(p.Caps, g.nodes[at].Links[hop])
		at = hop
	}
	return p
}

// advertiseLinks floods our current outbound capacities to every friend
// and folds them into our own graph.
func (nd *CredNode) advertiseLinks() {
	nd.advSeq++

	nd.FriendMtx.Lock()
	friends := make([]*Friend, 0, len(nd.Friends))
	for _, f := range nd.Friends {
		friends = append(friends, f)
	}
	nd.FriendMtx.Unlock()

	var links []cnutil.LinkInfo
	for _, f := range friends {
		f.ChanMtx.Lock()
		if f.Active {
			links = append(links, cnutil.LinkInfo{Peer: f.Peer, Capacity: f.CapacityOut()})
		}
		f.ChanMtx.Unlock()
	}

	nd.Graph.UpdateNode(nd.Id, nd.advSeq, links)

	for _, f := range friends {
		if !f.Active {
			continue
		}
		nd.OmniOut <- cnutil.LinkAdvMsg{
			PeerIdx: f.Idx, Node: nd.Id, Seq: nd.advSeq, Links: links,
		}
	}
}

// linkAdvHandler ingests gossip and re-floods anything new.
func (nd *CredNode) linkAdvHandler(f *Friend, m cnutil.LinkAdvMsg) {
	if m.Node == nd.Id {
		return
	}
	if !nd.Graph.UpdateNode(m.Node, m.Seq, m.Links) {
		return
	}
	logging.Debugf("link adv for %s seq %d, %d links\n",
		m.Node.Short(), m.Seq, len(m.Links))

	nd.FriendMtx.Lock()
	friends := make([]*Friend, 0, len(nd.Friends))
	for _, other := range nd.Friends {
		friends = append(friends, other)
	}
	nd.FriendMtx.Unlock()

	for _, other := range friends {
		if other.Peer == f.Peer || !other.Active {
			continue
		}
		adv := m
		adv.PeerIdx = other.Idx
		nd.OmniOut <- adv
	}
}

// linkAdvertiser is the periodic gossip loop.
func (nd *CredNode) linkAdvertiser() {
	defer nd.wg.Done()
	tick := time.NewTicker(consts.LinkAdvInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			nd.Graph.CleanStale(consts.LinkStaleTimeout)
			nd.advertiseLinks()
		case <-nd.quit:
			return
		}
	}
}

// VisualiseGraph renders the known credit graph as dot source.
func (nd *CredNode) VisualiseGraph() string {
	graph := gographviz.NewGraph()
	graph.SetName("Cred")

	g := nd.Graph
	g.mtx.Lock()
	defer g.mtx.Unlock()

	for id, gn := range g.nodes {
		name := "n" + id.Short()
		if !graph.IsNode(name) {
			graph.AddNode("Cred", name, nil)
		}
		for nbr, cap := range gn.Links {
			nbrName := "n" + nbr.Short()
			if !graph.IsNode(nbrName) {
				graph.AddNode("Cred", nbrName, nil)
			}
			attrs := make(map[string]string)
			attrs["label"] = strconv.FormatInt(cap, 10)
			graph.AddEdge(name, nbrName, true, attrs)
		}
	}

	return "di" + graph.String()
}
