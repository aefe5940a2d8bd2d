package scheduler

import (
	"errors"
	"slices"
	"testing"
)

// newTestGraph builds a graph of Begin markers wired by edges (upstream, downstream).
func newTestGraph(t *testing.T, ids []string, edges [][2]string) *Graph {
	t.Helper()
	g := NewGraph()
	for _, id := range ids {
		if err := g.AddTask(NewBegin(id)); err != nil {
			t.Fatalf("AddTask(%q): %v", id, err)
		}
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("AddEdge(%q, %q): %v", e[0], e[1], err)
		}
	}
	return g
}

func collect(g *Graph) [][]string {
	var out [][]string
	for b := range g.Batches() {
		out = append(out, b)
	}
	return out
}

func TestGraphBatches(t *testing.T) {
	tests := []struct {
		name  string
		ids   []string
		edges [][2]string
		want  [][]string
	}{
		{
			name:  "linear chain",
			ids:   []string{"A", "B", "C"},
			edges: [][2]string{{"A", "B"}, {"B", "C"}},
			want:  [][]string{{"A"}, {"B"}, {"C"}},
		},
		{
			name:  "fan out fan in",
			ids:   []string{"begin", "create", "events", "songs", "fact", "end"},
			edges: [][2]string{{"begin", "create"}, {"create", "events"}, {"create", "songs"}, {"events", "fact"}, {"songs", "fact"}, {"fact", "end"}},
			want:  [][]string{{"begin"}, {"create"}, {"events", "songs"}, {"fact"}, {"end"}},
		},
		{
			name:  "batch keeps insertion order",
			ids:   []string{"root", "z", "a", "m"},
			edges: [][2]string{{"root", "z"}, {"root", "a"}, {"root", "m"}},
			want:  [][]string{{"root"}, {"z", "a", "m"}},
		},
		{
			name:  "disconnected components",
			ids:   []string{"A", "B", "C", "D"},
			edges: [][2]string{{"A", "B"}, {"C", "D"}},
			want:  [][]string{{"A", "C"}, {"B", "D"}},
		},
		{
			name: "empty graph",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGraph(t, tt.ids, tt.edges)
			got := collect(g)
			if !slices.EqualFunc(got, tt.want, slices.Equal[[]string]) {
				t.Errorf("Batches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGraphBatchesUpstreamsInEarlierBatches(t *testing.T) {
	g := newTestGraph(t,
		[]string{"a", "b", "c", "d", "e"},
		[][2]string{{"a", "c"}, {"b", "c"}, {"a", "d"}, {"c", "e"}, {"d", "e"}, {"b", "e"}},
	)
	seen := map[string]bool{}
	for batch := range g.Batches() {
		for _, id := range batch {
			for _, up := range g.Upstream(id) {
				if !seen[up] {
					t.Errorf("%q scheduled before its upstream %q", id, up)
				}
			}
		}
		for _, id := range batch {
			seen[id] = true
		}
	}
	if len(seen) != g.Len() {
		t.Errorf("batches covered %d of %d tasks", len(seen), g.Len())
	}
}

func TestGraphBatchesRestartable(t *testing.T) {
	g := newTestGraph(t, []string{"A", "B"}, [][2]string{{"A", "B"}})
	seq := g.Batches()

	for b := range seq {
		_ = b
		break
	}
	first := [][]string{}
	for b := range seq {
		first = append(first, b)
	}
	if len(first) != 2 {
		t.Fatalf("second range over the same sequence yielded %v", first)
	}
}

func TestGraphRejectsCycles(t *testing.T) {
	tests := []struct {
		name  string
		ids   []string
		edges [][2]string
		from  string
		to    string
	}{
		{name: "direct cycle", ids: []string{"A", "B"}, edges: [][2]string{{"A", "B"}}, from: "B", to: "A"},
		{name: "transitive cycle", ids: []string{"A", "B", "C"}, edges: [][2]string{{"A", "B"}, {"B", "C"}}, from: "C", to: "A"},
		{name: "self loop", ids: []string{"A"}, from: "A", to: "A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGraph(t, tt.ids, tt.edges)
			before := collect(g)

			err := g.AddEdge(tt.from, tt.to)
			var cycleErr *CycleError
			if !errors.As(err, &cycleErr) {
				t.Fatalf("AddEdge(%q, %q) = %v, want CycleError", tt.from, tt.to, err)
			}
			if cycleErr.From != tt.from || cycleErr.To != tt.to {
				t.Errorf("CycleError = %+v", cycleErr)
			}

			// A rejected edge leaves the graph unchanged.
			after := collect(g)
			if !slices.EqualFunc(before, after, slices.Equal[[]string]) {
				t.Errorf("graph changed after rejected edge: %v -> %v", before, after)
			}
			if slices.Contains(g.Downstream(tt.from), tt.to) {
				t.Errorf("rejected edge recorded in Downstream(%q)", tt.from)
			}
		})
	}
}

func TestGraphAddTask(t *testing.T) {
	g := NewGraph()
	if err := g.AddTask(NewBegin("begin")); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	var dupErr *DuplicateIDError
	if err := g.AddTask(NewEnd("begin")); !errors.As(err, &dupErr) || dupErr.ID != "begin" {
		t.Errorf("duplicate id: got %v", err)
	}

	var cfgErr *ConfigError
	if err := g.AddTask(NewEnd("end"), "missing"); !errors.As(err, &cfgErr) {
		t.Errorf("unknown upstream: got %v, want ConfigError", err)
	}
	if _, ok := g.Task("end"); ok {
		t.Error("task with unknown upstream was added")
	}

	var cycleErr *CycleError
	if err := g.AddTask(NewEnd("self"), "self"); !errors.As(err, &cycleErr) {
		t.Errorf("self dependency: got %v, want CycleError", err)
	}

	if err := g.AddTask(&Task{ID: "bad", Kind: KindFactLoad}); !errors.As(err, &cfgErr) {
		t.Errorf("invalid config: got %v, want ConfigError", err)
	}

	if err := g.AddTask(NewEnd("end"), "begin", "begin"); err != nil {
		t.Fatalf("AddTask with repeated upstream: %v", err)
	}
	if got := g.Upstream("end"); !slices.Equal(got, []string{"begin"}) {
		t.Errorf("Upstream(end) = %v, want [begin]", got)
	}
	if got := g.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestGraphAddEdgeUnknownTask(t *testing.T) {
	g := newTestGraph(t, []string{"A"}, nil)
	var cfgErr *ConfigError
	if err := g.AddEdge("A", "nope"); !errors.As(err, &cfgErr) {
		t.Errorf("got %v, want ConfigError", err)
	}
}

func TestGraphAddEdgeIsIdempotent(t *testing.T) {
	g := newTestGraph(t, []string{"A", "B"}, [][2]string{{"A", "B"}})
	if err := g.AddEdge("A", "B"); err != nil {
		t.Fatalf("repeated edge: %v", err)
	}
	if got := g.Upstream("B"); len(got) != 1 {
		t.Errorf("Upstream(B) = %v, want one edge", got)
	}
}

func TestGraphFreeze(t *testing.T) {
	g := newTestGraph(t, []string{"A", "B"}, nil)
	g.Freeze()
	if !g.Frozen() {
		t.Fatal("Frozen() = false after Freeze")
	}
	if err := g.AddTask(NewBegin("C")); !errors.Is(err, ErrGraphFrozen) {
		t.Errorf("AddTask after Freeze = %v", err)
	}
	if err := g.AddEdge("A", "B"); !errors.Is(err, ErrGraphFrozen) {
		t.Errorf("AddEdge after Freeze = %v", err)
	}
}

func TestGraphDescendants(t *testing.T) {
	g := newTestGraph(t,
		[]string{"begin", "stage_events", "stage_songs", "songplays", "users", "quality", "end"},
		[][2]string{
			{"begin", "stage_events"}, {"begin", "stage_songs"},
			{"stage_events", "songplays"}, {"stage_songs", "songplays"},
			{"songplays", "users"}, {"users", "quality"}, {"quality", "end"},
		},
	)

	got := g.Descendants("stage_events")
	want := []string{"songplays", "users", "quality", "end"}
	if !slices.Equal(got, want) {
		t.Errorf("Descendants(stage_events) = %v, want %v", got, want)
	}
	if got := g.Descendants("end"); len(got) != 0 {
		t.Errorf("Descendants(end) = %v, want none", got)
	}
	if got := g.Order(); len(got) != 7 || got[0] != "begin" || got[6] != "end" {
		t.Errorf("Order() = %v", got)
	}
}
