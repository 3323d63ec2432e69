package session

import "testing"

func TestRegistrySessionIndexIsBijection(t *testing.T) {
	r := newRegistry()
	r.put(TabRecord{TabID: 1, State: StateConnected, SessionID: "cb-tab-1", TargetID: "T1", AttachOrder: 1})
	r.put(TabRecord{TabID: 2, State: StateConnected, SessionID: "cb-tab-2", TargetID: "T2", AttachOrder: 2})

	// Re-putting tab 1 with a new session drops the old index entry.
	r.put(TabRecord{TabID: 1, State: StateConnected, SessionID: "cb-tab-3", TargetID: "T1", AttachOrder: 3})
	if _, ok := r.findBySession("cb-tab-1"); ok {
		t.Fatal("old session cb-tab-1 still indexed")
	}
	for sid, tab := range r.bySession {
		rec, ok := r.get(tab)
		if !ok || rec.SessionID != sid {
			t.Fatalf("session %s maps to tab %d whose record is %+v", sid, tab, rec)
		}
	}
	if len(r.bySession) != len(r.tabs) {
		t.Fatalf("index size = %d; want %d", len(r.bySession), len(r.tabs))
	}
}

func TestRegistryChildSessions(t *testing.T) {
	r := newRegistry()
	r.put(TabRecord{TabID: 5, State: StateConnected, SessionID: "cb-tab-1", TargetID: "T5", AttachOrder: 1})
	r.addChild("child-a", 5)
	r.addChild("child-b", 5)

	if tab, ok := r.findBySession("child-a"); !ok || tab != 5 {
		t.Fatalf("findBySession(child-a) = %d, %v; want 5, true", tab, ok)
	}
	r.removeChild("child-a")
	if _, ok := r.findBySession("child-a"); ok {
		t.Fatal("child-a still resolvable after removeChild")
	}

	if _, ok := r.remove(5); !ok {
		t.Fatal("remove(5) = false; want true")
	}
	if _, ok := r.findBySession("child-b"); ok {
		t.Fatal("child-b survived removal of its owning tab")
	}
	if _, ok := r.findBySession("cb-tab-1"); ok {
		t.Fatal("primary session survived removal")
	}
}

func TestRegistryMostRecentSkipsConnecting(t *testing.T) {
	r := newRegistry()
	if _, ok := r.mostRecent(); ok {
		t.Fatal("mostRecent() on empty registry = true")
	}
	r.put(TabRecord{TabID: 1, State: StateConnected, SessionID: "a", TargetID: "T1", AttachOrder: 1})
	r.put(TabRecord{TabID: 2, State: StateConnected, SessionID: "b", TargetID: "T2", AttachOrder: 2})
	r.put(TabRecord{TabID: 3, State: StateConnecting})

	rec, ok := r.mostRecent()
	if !ok || rec.TabID != 2 {
		t.Fatalf("mostRecent() = %+v, %v; want tab 2", rec, ok)
	}
	if tab, ok := r.findByTarget("T1"); !ok || tab != 1 {
		t.Fatalf("findByTarget(T1) = %d, %v; want 1", tab, ok)
	}

	r.clearAll()
	if len(r.tabs) != 0 || len(r.bySession) != 0 || len(r.byChild) != 0 {
		t.Fatal("clearAll() left entries")
	}
}
