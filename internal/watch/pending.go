package watch

import "time"

// pendingMove is a MOVED_FROM half waiting to be paired with a MOVED_TO
// sharing the same inotify cookie. It lives at most 5 s and is matched
// exactly once.
type pendingMove struct {
	parent string // directory (relative path) the entry was removed from
	name   string
	at     time.Time
}

// pendingMoves tracks in-flight rename halves keyed by inotify cookie,
// swept on a timer rather than evicted under memory pressure, since the
// 5 s expiry needs to be exact rather than best-effort.
type pendingMoves struct {
	m map[uint32]pendingMove
}

func newPendingMoves() *pendingMoves {
	return &pendingMoves{m: make(map[uint32]pendingMove)}
}

func (p *pendingMoves) record(cookie uint32, parent, name string, now time.Time) {
	p.m[cookie] = pendingMove{parent: parent, name: name, at: now}
}

// take consumes and returns the pending move for cookie, if any: a
// cookie is matched exactly once.
func (p *pendingMoves) take(cookie uint32) (pendingMove, bool) {
	pm, ok := p.m[cookie]
	if ok {
		delete(p.m, cookie)
	}
	return pm, ok
}

// expired removes and returns every entry older than ttl as of now: the
// periodic sweeper turns each into a DELETE event, since the matching
// MOVED_TO never arrived.
func (p *pendingMoves) expired(now time.Time, ttl time.Duration) map[uint32]pendingMove {
	var out map[uint32]pendingMove
	for cookie, pm := range p.m {
		if now.Sub(pm.at) >= ttl {
			if out == nil {
				out = make(map[uint32]pendingMove)
			}
			out[cookie] = pm
			delete(p.m, cookie)
		}
	}
	return out
}
