package session

import "sort"

// registry is the bookkeeping for attached tabs. It is not safe for
// concurrent use; Manager guards it with its mutex.
type registry struct {
	tabs      map[TabID]TabRecord
	bySession map[string]TabID
	byChild   map[string]TabID
}

func newRegistry() *registry {
	return &registry{
		tabs:      make(map[TabID]TabRecord),
		bySession: make(map[string]TabID),
		byChild:   make(map[string]TabID),
	}
}

func (r *registry) get(id TabID) (TabRecord, bool) {
	rec, ok := r.tabs[id]
	return rec, ok
}

// put stores rec, keeping the session index a bijection.
func (r *registry) put(rec TabRecord) {
	if old, ok := r.tabs[rec.TabID]; ok && old.SessionID != "" && old.SessionID != rec.SessionID {
		delete(r.bySession, old.SessionID)
	}
	if rec.SessionID != "" {
		if owner, ok := r.bySession[rec.SessionID]; ok && owner != rec.TabID {
			r.remove(owner)
		}
		r.bySession[rec.SessionID] = rec.TabID
	}
	r.tabs[rec.TabID] = rec
}

// remove drops the tab, its session index entry and every child session it owned.
func (r *registry) remove(id TabID) (TabRecord, bool) {
	rec, ok := r.tabs[id]
	if !ok {
		return TabRecord{}, false
	}
	delete(r.tabs, id)
	if rec.SessionID != "" && r.bySession[rec.SessionID] == id {
		delete(r.bySession, rec.SessionID)
	}
	for sid, owner := range r.byChild {
		if owner == id {
			delete(r.byChild, sid)
		}
	}
	return rec, true
}

// findBySession checks primary sessions first, then child sessions.
func (r *registry) findBySession(sessionID string) (TabID, bool) {
	if id, ok := r.bySession[sessionID]; ok {
		return id, true
	}
	id, ok := r.byChild[sessionID]
	return id, ok
}

func (r *registry) findByTarget(targetID string) (TabID, bool) {
	for id, rec := range r.tabs {
		if rec.TargetID == targetID {
			return id, true
		}
	}
	return 0, false
}

func (r *registry) addChild(sessionID string, owner TabID) {
	r.byChild[sessionID] = owner
}

func (r *registry) removeChild(sessionID string) {
	delete(r.byChild, sessionID)
}

func (r *registry) childCount() int {
	return len(r.byChild)
}

// mostRecent returns the connected record with the highest attach order.
func (r *registry) mostRecent() (TabRecord, bool) {
	var best TabRecord
	found := false
	for _, rec := range r.tabs {
		if rec.State != StateConnected {
			continue
		}
		if !found || rec.AttachOrder > best.AttachOrder {
			best = rec
			found = true
		}
	}
	return best, found
}

// records returns every record ordered by tab id.
func (r *registry) records() []TabRecord {
	out := make([]TabRecord, 0, len(r.tabs))
	for _, rec := range r.tabs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

func (r *registry) ids() []TabID {
	out := make([]TabID, 0, len(r.tabs))
	for id := range r.tabs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *registry) clearAll() {
	r.tabs = make(map[TabID]TabRecord)
	r.bySession = make(map[string]TabID)
	r.byChild = make(map[string]TabID)
}
