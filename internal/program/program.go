// Package program implements the Picobot rule program: a complete mapping
// from (state, surroundings, marker) conditions to actions, and the genetic
// operators that create and recombine such programs.
package program

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

var (
	ErrIncompleteProgram = errors.New("incomplete rule program")
	ErrIllegalCondition  = errors.New("illegal rule condition")
	ErrIllegalAction     = errors.New("illegal rule action")
	ErrEmptyProgram      = errors.New("empty rule program")
	ErrStateMismatch     = errors.New("rule programs have different state counts")
	ErrTooManyStates     = errors.New("rule program state count too large")
)

var (
	markerPresentActions = [2]MarkerAction{MarkerNone, MarkerPickUp}
	markerAbsentActions  = [2]MarkerAction{MarkerNone, MarkerDrop}
)

// Program maps every legal condition to an action. Entries live in a flat
// slice ordered exactly like the text serialization: state, then
// surroundings pattern, then detect (m before xm).
type Program struct {
	numStates int
	rules     []Action
}

// MaxStates bounds the state count of any program, including one whose
// count is inferred from parsed text.
const MaxStates = 1024

// New returns an empty program over numStates internal states.
func New(numStates int) (*Program, error) {
	if numStates <= 0 {
		return nil, fmt.Errorf("state count must be > 0, got %d", numStates)
	}
	if numStates > MaxStates {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyStates, numStates, MaxStates)
	}
	return &Program{
		numStates: numStates,
		rules:     make([]Action, numStates*NumSurroundings*2),
	}, nil
}

// Random returns a fully populated legal program.
func Random(rng *rand.Rand, numStates int) (*Program, error) {
	p, err := New(numStates)
	if err != nil {
		return nil, err
	}
	if err := p.Randomize(rng); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Program) NumStates() int {
	return p.numStates
}

// Size is the number of legal condition keys.
func (p *Program) Size() int {
	return len(p.rules)
}

// Len counts defined entries.
func (p *Program) Len() int {
	n := 0
	for _, a := range p.rules {
		if a.defined() {
			n++
		}
	}
	return n
}

func (p *Program) Complete() bool {
	return p.Len() == len(p.rules)
}

// Randomize replaces every entry with a random legal action. Draw order per
// key: marker action, next state, then direction.
func (p *Program) Randomize(rng *rand.Rand) error {
	if rng == nil {
		return fmt.Errorf("random source is required")
	}
	for i := range p.rules {
		action, err := p.randomAction(rng, p.conditionAt(i))
		if err != nil {
			return err
		}
		p.rules[i] = action
	}
	return nil
}

// Action looks up the rule for c.
func (p *Program) Action(c Condition) (Action, error) {
	idx, err := p.index(c)
	if err != nil {
		return Action{}, err
	}
	a := p.rules[idx]
	if !a.defined() {
		return Action{}, fmt.Errorf("%w: no rule for %s", ErrIncompleteProgram, c)
	}
	return a, nil
}

// Set stores a for c after checking the legality invariants.
func (p *Program) Set(c Condition, a Action) error {
	idx, err := p.index(c)
	if err != nil {
		return err
	}
	if err := p.checkAction(c, a); err != nil {
		return err
	}
	p.rules[idx] = a
	return nil
}

// Mutate replaces the action of one uniformly chosen defined entry with a
// freshly sampled legal action and returns the mutated condition.
func (p *Program) Mutate(rng *rand.Rand) (Condition, error) {
	if rng == nil {
		return Condition{}, fmt.Errorf("random source is required")
	}
	defined := make([]int, 0, len(p.rules))
	for i, a := range p.rules {
		if a.defined() {
			defined = append(defined, i)
		}
	}
	if len(defined) == 0 {
		return Condition{}, ErrEmptyProgram
	}
	idx := defined[rng.Intn(len(defined))]
	c := p.conditionAt(idx)
	action, err := p.randomAction(rng, c)
	if err != nil {
		return Condition{}, err
	}
	p.rules[idx] = action
	return c, nil
}

// Crossover builds a child taking states <= cut from p and states > cut
// from other. The cut is drawn uniformly from [0, NumStates) and returned.
func (p *Program) Crossover(rng *rand.Rand, other *Program) (*Program, int, error) {
	if rng == nil {
		return nil, 0, fmt.Errorf("random source is required")
	}
	if other == nil {
		return nil, 0, fmt.Errorf("crossover partner is required")
	}
	if p.numStates != other.numStates {
		return nil, 0, fmt.Errorf("%w: %d != %d", ErrStateMismatch, p.numStates, other.numStates)
	}
	cut := rng.Intn(p.numStates)
	child, err := p.CrossoverAt(other, cut)
	if err != nil {
		return nil, 0, err
	}
	return child, cut, nil
}

// CrossoverAt is Crossover with an explicit cut.
func (p *Program) CrossoverAt(other *Program, cut int) (*Program, error) {
	if p.numStates != other.numStates {
		return nil, fmt.Errorf("%w: %d != %d", ErrStateMismatch, p.numStates, other.numStates)
	}
	if cut < 0 || cut >= p.numStates {
		return nil, fmt.Errorf("crossover cut %d out of range [0,%d)", cut, p.numStates)
	}
	child := &Program{numStates: p.numStates, rules: make([]Action, len(p.rules))}
	split := (cut + 1) * NumSurroundings * 2
	copy(child.rules[:split], p.rules[:split])
	copy(child.rules[split:], other.rules[split:])
	return child, nil
}

func (p *Program) Clone() *Program {
	return &Program{
		numStates: p.numStates,
		rules:     append([]Action(nil), p.rules...),
	}
}

func (p *Program) Equal(other *Program) bool {
	if other == nil || p.numStates != other.numStates {
		return false
	}
	for i := range p.rules {
		if p.rules[i] != other.rules[i] {
			return false
		}
	}
	return true
}

// Validate checks completeness, wall avoidance and marker consistency of
// every entry.
func (p *Program) Validate() error {
	for i, a := range p.rules {
		c := p.conditionAt(i)
		if !a.defined() {
			return fmt.Errorf("%w: no rule for %s", ErrIncompleteProgram, c)
		}
		if err := p.checkAction(c, a); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every defined entry in serialization order.
func (p *Program) Each(fn func(Condition, Action)) {
	for i, a := range p.rules {
		if a.defined() {
			fn(p.conditionAt(i), a)
		}
	}
}

// String renders one "STATE SURROUNDINGS DETECT -> MARKERACTION DIRECTION
// NEWSTATE" line per defined entry. An empty program renders as "".
func (p *Program) String() string {
	var b strings.Builder
	p.Each(func(c Condition, a Action) {
		fmt.Fprintf(&b, "%s -> %s\n", c, a)
	})
	return b.String()
}

func (p *Program) checkAction(c Condition, a Action) error {
	if a.Move < North || a.Move > South {
		return fmt.Errorf("%w: %s has no direction", ErrIllegalAction, c)
	}
	if c.Surroundings.Blocks(a.Move) {
		return fmt.Errorf("%w: %s moves %s into a wall", ErrIllegalAction, c, a.Move)
	}
	if a.Next < 0 || a.Next >= p.numStates {
		return fmt.Errorf("%w: %s next state %d out of range [0,%d)", ErrIllegalAction, c, a.Next, p.numStates)
	}
	switch a.Marker {
	case MarkerNone:
	case MarkerDrop:
		if c.Marker {
			return fmt.Errorf("%w: %s drops onto a marker", ErrIllegalAction, c)
		}
	case MarkerPickUp:
		if !c.Marker {
			return fmt.Errorf("%w: %s picks up without a marker", ErrIllegalAction, c)
		}
	default:
		return fmt.Errorf("%w: %s unknown marker action %d", ErrIllegalAction, c, a.Marker)
	}
	return nil
}

func (p *Program) randomAction(rng *rand.Rand, c Condition) (Action, error) {
	marker := markerAbsentActions[rng.Intn(len(markerAbsentActions))]
	if c.Marker {
		marker = markerPresentActions[rng.Intn(len(markerPresentActions))]
	}
	next := rng.Intn(p.numStates)
	move, err := randomOpenDirection(rng, c.Surroundings)
	if err != nil {
		return Action{}, err
	}
	return Action{Marker: marker, Move: move, Next: next}, nil
}

// randomOpenDirection rejection-samples a direction that is not walled off.
// After len(Directions) rejected draws it picks uniformly among the open
// directions, which has the same distribution.
func randomOpenDirection(rng *rand.Rand, s Surroundings) (Direction, error) {
	for attempt := 0; attempt < len(Directions); attempt++ {
		d := Directions[rng.Intn(len(Directions))]
		if !s.Blocks(d) {
			return d, nil
		}
	}
	open := s.Open()
	if len(open) == 0 {
		return 0, fmt.Errorf("%w: surroundings %s leave no open direction", ErrIllegalCondition, s)
	}
	return open[rng.Intn(len(open))], nil
}

func (p *Program) index(c Condition) (int, error) {
	if c.State < 0 || c.State >= p.numStates {
		return 0, fmt.Errorf("%w: state %d out of range [0,%d)", ErrIllegalCondition, c.State, p.numStates)
	}
	if !c.Surroundings.Legal() {
		return 0, fmt.Errorf("%w: surroundings %s", ErrIllegalCondition, c.Surroundings)
	}
	detect := 1
	if c.Marker {
		detect = 0
	}
	return (c.State*NumSurroundings+surroundingsIndex[c.Surroundings])*2 + detect, nil
}

func (p *Program) conditionAt(idx int) Condition {
	detect := idx % 2
	rest := idx / 2
	return Condition{
		State:        rest / NumSurroundings,
		Surroundings: surroundingsOrder[rest%NumSurroundings],
		Marker:       detect == 0,
	}
}
