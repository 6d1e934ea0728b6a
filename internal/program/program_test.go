package program

import (
	"errors"
	"math/rand"
	"sort"
	"strings"
	"testing"
)

func TestLegalSurroundingsOrder(t *testing.T) {
	want := []string{"NEWx", "NExS", "NExx", "NxWS", "NxWx", "NxxS", "Nxxx", "xEWS", "xEWx", "xExS", "xExx", "xxWS", "xxWx", "xxxS", "xxxx"}
	got := LegalSurroundings()
	if len(got) != len(want) {
		t.Fatalf("expected %d patterns, got %d", len(want), len(got))
	}
	for i, s := range got {
		if s.String() != want[i] {
			t.Fatalf("pattern %d: got %s want %s", i, s, want[i])
		}
		if len(s.Open()) == 0 {
			t.Fatalf("pattern %s leaves no open direction", s)
		}
	}
	if AllWalls.Legal() {
		t.Fatal("all-walls pattern must not be legal")
	}
}

func TestParseSurroundingsRoundTrip(t *testing.T) {
	for mask := Surroundings(0); mask <= AllWalls; mask++ {
		parsed, err := ParseSurroundings(mask.String())
		if err != nil {
			t.Fatalf("parse %s: %v", mask, err)
		}
		if parsed != mask {
			t.Fatalf("round trip mismatch: %s -> %s", mask, parsed)
		}
	}
	if _, err := ParseSurroundings("EEWx"); err == nil {
		t.Fatal("expected error for misplaced wall letter")
	}
}

func TestRandomProgramIsCompleteAndLegal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p, err := Random(rng, 5)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	if p.Size() != 5*15*2 {
		t.Fatalf("unexpected key space: %d", p.Size())
	}
	if !p.Complete() {
		t.Fatalf("expected complete program, defined=%d", p.Len())
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	assertLegal(t, p)
}

func TestRandomProgramUsesEveryOpenDirection(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	seen := map[Direction]int{}
	for i := 0; i < 50; i++ {
		p, err := Random(rng, 2)
		if err != nil {
			t.Fatalf("random: %v", err)
		}
		a, err := p.Action(Condition{State: 0, Surroundings: WallNorth | WallEast | WallWest, Marker: false})
		if err != nil {
			t.Fatalf("action: %v", err)
		}
		seen[a.Move]++
	}
	if len(seen) != 1 || seen[South] != 50 {
		t.Fatalf("NEWx must always move south, got %+v", seen)
	}

	seen = map[Direction]int{}
	for i := 0; i < 200; i++ {
		p, err := Random(rng, 1)
		if err != nil {
			t.Fatalf("random: %v", err)
		}
		a, err := p.Action(Condition{State: 0, Surroundings: 0, Marker: true})
		if err != nil {
			t.Fatalf("action: %v", err)
		}
		seen[a.Move]++
	}
	if len(seen) != 4 {
		t.Fatalf("expected all four directions for xxxx, got %+v", seen)
	}
}

func TestMutateReplacesOneEntryLegally(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	p, err := Random(rng, 4)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	for i := 0; i < 500; i++ {
		before := p.Clone()
		c, err := p.Mutate(rng)
		if err != nil {
			t.Fatalf("mutate: %v", err)
		}
		changed := 0
		for idx := range p.rules {
			if p.rules[idx] != before.rules[idx] {
				changed++
				if p.conditionAt(idx) != c {
					t.Fatalf("mutation touched %s, reported %s", p.conditionAt(idx), c)
				}
			}
		}
		if changed > 1 {
			t.Fatalf("mutation changed %d entries", changed)
		}
		if p.Len() != before.Len() {
			t.Fatalf("mutation changed key set: %d -> %d", before.Len(), p.Len())
		}
	}
	assertLegal(t, p)
}

func TestMutateEmptyProgram(t *testing.T) {
	p, err := New(3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := p.Mutate(rand.New(rand.NewSource(1))); !errors.Is(err, ErrEmptyProgram) {
		t.Fatalf("expected ErrEmptyProgram, got %v", err)
	}
}

func TestCrossoverPartitionsByState(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a, err := Random(rng, 5)
	if err != nil {
		t.Fatalf("random a: %v", err)
	}
	b, err := Random(rng, 5)
	if err != nil {
		t.Fatalf("random b: %v", err)
	}
	aBefore, bBefore := a.Clone(), b.Clone()

	cuts := map[int]bool{}
	for i := 0; i < 100; i++ {
		child, cut, err := a.Crossover(rng, b)
		if err != nil {
			t.Fatalf("crossover: %v", err)
		}
		cuts[cut] = true
		if !child.Complete() {
			t.Fatal("child must define every key")
		}
		child.Each(func(c Condition, got Action) {
			src := b
			if c.State <= cut {
				src = a
			}
			want, err := src.Action(c)
			if err != nil {
				t.Fatalf("parent lookup: %v", err)
			}
			if got != want {
				t.Fatalf("cut=%d %s: got %s want %s", cut, c, got, want)
			}
		})
		assertLegal(t, child)
	}
	if len(cuts) != 5 {
		t.Fatalf("expected every cut in [0,5), got %v", cuts)
	}
	if !a.Equal(aBefore) || !b.Equal(bBefore) {
		t.Fatal("crossover must not modify parents")
	}
}

func TestCrossoverRejectsStateMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a, _ := Random(rng, 3)
	b, _ := Random(rng, 4)
	if _, _, err := a.Crossover(rng, b); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
}

func TestActionOnIncompleteProgram(t *testing.T) {
	p, err := New(2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = p.Action(Condition{State: 1, Surroundings: WallSouth, Marker: false})
	if !errors.Is(err, ErrIncompleteProgram) {
		t.Fatalf("expected ErrIncompleteProgram, got %v", err)
	}
	_, err = p.Action(Condition{State: 0, Surroundings: AllWalls})
	if !errors.Is(err, ErrIllegalCondition) {
		t.Fatalf("expected ErrIllegalCondition, got %v", err)
	}
	_, err = p.Action(Condition{State: 2})
	if !errors.Is(err, ErrIllegalCondition) {
		t.Fatalf("expected ErrIllegalCondition for out-of-range state, got %v", err)
	}
}

func TestSetRejectsIllegalActions(t *testing.T) {
	p, _ := New(2)
	c := Condition{State: 0, Surroundings: WallNorth, Marker: true}
	if err := p.Set(c, Action{Move: North}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected wall collision rejection, got %v", err)
	}
	if err := p.Set(c, Action{Marker: MarkerDrop, Move: South}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected drop-on-marker rejection, got %v", err)
	}
	c.Marker = false
	if err := p.Set(c, Action{Marker: MarkerPickUp, Move: South}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected pick-up-without-marker rejection, got %v", err)
	}
	if err := p.Set(c, Action{Move: South, Next: 2}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected next state rejection, got %v", err)
	}
	if err := p.Set(c, Action{Marker: MarkerDrop, Move: East, Next: 1}); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestStringFormat(t *testing.T) {
	p, _ := New(1)
	if p.String() != "" {
		t.Fatalf("empty program must render empty, got %q", p.String())
	}
	_ = p.Set(Condition{State: 0, Surroundings: 0, Marker: false}, Action{Marker: MarkerDrop, Move: South, Next: 0})
	_ = p.Set(Condition{State: 0, Surroundings: WallNorth | WallEast | WallWest, Marker: true}, Action{Move: South, Next: 0})
	want := "0 NEWx m ->  S 0\n0 xxxx xm -> dm S 0\n"
	if got := p.String(); got != want {
		t.Fatalf("unexpected text:\n%q\nwant\n%q", got, want)
	}
}

func TestStringIsSortedAndStable(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	p, _ := Random(rng, 5)
	first := p.String()
	if first != p.String() {
		t.Fatal("serialization must be deterministic")
	}
	lines := strings.Split(strings.TrimSuffix(first, "\n"), "\n")
	if len(lines) != p.Size() {
		t.Fatalf("expected %d lines, got %d", p.Size(), len(lines))
	}
	keys := make([]string, len(lines))
	for i, line := range lines {
		lhs, _, _ := strings.Cut(line, " -> ")
		keys[i] = lhs
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatal("lines must be sorted by state, surroundings and detect")
	}
}

func TestParseRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	p, _ := Random(rng, 5)
	parsed, err := Parse(p.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(p) {
		t.Fatal("parsed program differs from source")
	}
	if parsed.String() != p.String() {
		t.Fatal("re-serialized text differs")
	}
}

func TestParseRejectsBadRules(t *testing.T) {
	cases := map[string]string{
		"wall move":    "0 Nxxx xm -> dm N 0\n",
		"drop on mark": "0 xxxx m -> dm S 0\n",
		"duplicate":    "0 xxxx m ->  S 0\n0 xxxx m -> pm N 0\n",
		"bad arrow":    "0 xxxx m  S 0\n",
		"all walls":    "0 NEWS m ->  S 0\n",
	}
	for name, text := range cases {
		if _, err := Parse(text); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
	if _, err := Parse("\n# comment only\n"); !errors.Is(err, ErrEmptyProgram) {
		t.Fatalf("expected ErrEmptyProgram, got %v", err)
	}
}

func TestParseBoundsStateCount(t *testing.T) {
	for _, text := range []string{
		"2000000000 xxxx m ->  S 0\n",
		"0 xxxx m ->  S 1024\n",
	} {
		if _, err := Parse(text); !errors.Is(err, ErrTooManyStates) {
			t.Fatalf("%q: expected ErrTooManyStates, got %v", text, err)
		}
	}
	if _, err := ParseWithStates("0 xxxx m ->  S 0\n", MaxStates+1); !errors.Is(err, ErrTooManyStates) {
		t.Fatalf("expected ErrTooManyStates for explicit count, got %v", err)
	}
	p, err := Parse("1023 xxxx m ->  S 0\n")
	if err != nil {
		t.Fatalf("parse at the bound: %v", err)
	}
	if p.NumStates() != MaxStates {
		t.Fatalf("expected %d states, got %d", MaxStates, p.NumStates())
	}
}

func TestParseSixFieldForm(t *testing.T) {
	p, err := ParseWithStates("1 xxxS m -> N 0\n", 2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a, err := p.Action(Condition{State: 1, Surroundings: WallSouth, Marker: true})
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if a != (Action{Marker: MarkerNone, Move: North, Next: 0}) {
		t.Fatalf("unexpected action: %+v", a)
	}
}

func assertLegal(t *testing.T, p *Program) {
	t.Helper()
	p.Each(func(c Condition, a Action) {
		if c.Surroundings.Blocks(a.Move) {
			t.Fatalf("%s moves %s into a wall", c, a.Move)
		}
		if c.Marker && a.Marker == MarkerDrop {
			t.Fatalf("%s drops onto an existing marker", c)
		}
		if !c.Marker && a.Marker == MarkerPickUp {
			t.Fatalf("%s picks up a missing marker", c)
		}
		if a.Next < 0 || a.Next >= p.NumStates() {
			t.Fatalf("%s next state %d out of range", c, a.Next)
		}
	})
}
