package hierarchy

import (
	"testing"

	"teammanage/internal/domain"
)

func ptr(v int64) *int64 { return &v }

func TestBuildForest(t *testing.T) {
	mods := []domain.Module{
		{ID: 3, Name: "C", ParentModuleID: ptr(1)},
		{ID: 1, Name: "A"},
		{ID: 2, Name: "B", ParentModuleID: ptr(1)},
		{ID: 4, Name: "D", ParentModuleID: ptr(2)},
		{ID: 5, Name: "E"},
	}
	roots := BuildForest(mods, map[int64]int{1: 2})

	if len(roots) != 2 {
		t.Fatalf("got %d roots, want 2", len(roots))
	}
	if roots[0].Module.ID != 1 || roots[1].Module.ID != 5 {
		t.Fatalf("root order: %d, %d", roots[0].Module.ID, roots[1].Module.ID)
	}
	if roots[0].MemberCount != 2 {
		t.Fatalf("member count: got %d", roots[0].MemberCount)
	}
	a := roots[0]
	if len(a.Children) != 2 || a.Children[0].Module.ID != 2 || a.Children[1].Module.ID != 3 {
		t.Fatalf("children of A wrong: %+v", a.Children)
	}
	if len(a.Children[0].Children) != 1 || a.Children[0].Children[0].Module.ID != 4 {
		t.Fatal("D not nested under B")
	}
}

func TestBuildForestOrphanBecomesRoot(t *testing.T) {
	mods := []domain.Module{
		{ID: 9, Name: "sub", ParentModuleID: ptr(99)},
	}
	roots := BuildForest(mods, nil)
	if len(roots) != 1 || roots[0].Module.ID != 9 {
		t.Fatalf("orphan not promoted to root: %+v", roots)
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	mods := []domain.Module{
		{ID: 1},
		{ID: 2, ParentModuleID: ptr(1)},
		{ID: 3, ParentModuleID: ptr(2)},
		{ID: 4, ParentModuleID: ptr(1)},
		{ID: 5},
	}
	flat := Flatten(BuildForest(mods, nil))
	if len(flat) != len(mods) {
		t.Fatalf("flatten lost modules: got %d, want %d", len(flat), len(mods))
	}
	seen := map[int64]*int64{}
	for _, m := range flat {
		seen[m.ID] = m.ParentModuleID
	}
	for _, m := range mods {
		p, ok := seen[m.ID]
		if !ok {
			t.Fatalf("module %d missing after round trip", m.ID)
		}
		switch {
		case m.ParentModuleID == nil && p != nil:
			t.Fatalf("module %d gained a parent", m.ID)
		case m.ParentModuleID != nil && (p == nil || *p != *m.ParentModuleID):
			t.Fatalf("module %d parent changed", m.ID)
		}
	}
}

func TestWouldCycle(t *testing.T) {
	if !WouldCycle(3, []int64{5, 3, 1}) {
		t.Fatal("cycle not detected")
	}
	if WouldCycle(3, []int64{5, 4, 1}) {
		t.Fatal("false cycle")
	}
}
