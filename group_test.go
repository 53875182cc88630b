package assetcache

import (
	"slices"
	"testing"
)

func TestGroupLoadsAll(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir,
		testBundle{name: "a"},
		testBundle{name: "b"},
		testBundle{name: "c"},
	)
	c := openCache(t, dir, WithLanes(5, 1))

	var order []string
	record := func(h Handle) { order = append(order, h.Path()) }

	calls := 0
	g := c.NewGroup().
		Add("a", gameObject, record).
		Add("b", gameObject, record).
		Add("c", gameObject, record)
	if err := g.Load(LaneBackground, func() { calls++ }); err != nil {
		t.Fatal(err)
	}
	if got := c.Stats().Handles; got != 1 {
		t.Errorf("started %d members on a lane of one, want 1", got)
	}

	runIdle(t, c)

	if calls != 1 || !g.Loaded() {
		t.Fatalf("onAll calls = %d, loaded = %v", calls, g.Loaded())
	}
	if !slices.Equal(order, []string{"a", "b", "c"}) {
		t.Errorf("order = %v", order)
	}
	if len(g.Handles()) != 3 {
		t.Errorf("handles = %d", len(g.Handles()))
	}

	g.Unload()
	if s := c.Stats(); s.Handles != 0 || s.Bundles != 0 {
		t.Errorf("after unload stats = %+v", s)
	}
}

func TestEmptyGroupFiresNextTick(t *testing.T) {
	c := openCache(t, t.TempDir())

	calls := 0
	if err := c.NewGroup().Load(LaneMain, func() { calls++ }); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatal("fired before Load returned")
	}
	c.Tick()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestGroupWithFailedMember(t *testing.T) {
	c := openCache(t, t.TempDir())

	calls := 0
	g := c.NewGroup().AddScene("scenes/missing", nil)
	if err := g.Load(LaneMain, func() { calls++ }); err != nil {
		t.Fatal(err)
	}
	runIdle(t, c)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestGroupUnloadSilencesCallbacks(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, testBundle{name: "a"})
	c := openCache(t, dir)

	called := false
	g := c.NewGroup().Add("a", gameObject, func(Handle) { called = true })
	if err := g.Load(LaneMain, func() { called = true }); err != nil {
		t.Fatal(err)
	}
	g.Unload()
	runIdle(t, c)

	if called {
		t.Error("callback ran after unload")
	}
	if s := c.Stats(); s.Handles != 0 || s.Bundles != 0 {
		t.Errorf("stats = %+v", s)
	}
}
