package link

import (
	"sync"
	"time"
)

// routeExpire bounds how long a gossiped route is usable without a
// refresh.
const routeExpire = 60 * time.Second

// route is one table entry: reach dest via nextHop at cost metric.
type route struct {
	dest      string
	nextHop   string
	metric    int
	expiresAt time.Time
	updatedAt time.Time
}

// routeAdvert is the gossip wire form of one route.
type routeAdvert struct {
	Dest   string `json:"dest"`
	Metric int    `json:"metric"`
}

// routeTable maps destinations to next hops. It has its own mutex;
// no caller holds it together with the peer registry lock.
type routeTable struct {
	mu     sync.Mutex
	routes map[string]*route
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]*route)}
}

// add installs or refreshes a route. A lower metric wins; on a metric
// tie the most recent update wins.
func (t *routeTable) add(dest, nextHop string, metric int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if cur, ok := t.routes[dest]; ok && now.Before(cur.expiresAt) && cur.metric < metric {
		return
	}
	t.routes[dest] = &route{
		dest:      dest,
		nextHop:   nextHop,
		metric:    metric,
		expiresAt: now.Add(routeExpire),
		updatedAt: now,
	}
}

// get returns the route for dest iff it has not expired.
func (t *routeTable) get(dest string) (route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[dest]
	if !ok || time.Now().After(r.expiresAt) {
		return route{}, false
	}
	return *r, true
}

// removeVia drops every route whose next hop is nodeID.
func (t *routeTable) removeVia(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for dest, r := range t.routes {
		if r.nextHop == nodeID {
			delete(t.routes, dest)
		}
	}
}

// sweep drops expired entries and returns the live adverts for
// gossip.
func (t *routeTable) sweep() []routeAdvert {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	var out []routeAdvert
	for dest, r := range t.routes {
		if now.After(r.expiresAt) {
			delete(t.routes, dest)
			continue
		}
		out = append(out, routeAdvert{Dest: dest, Metric: r.metric})
	}
	return out
}
