package program

import (
	"fmt"
	"sort"
	"strings"
)

// Direction is one of the four cardinal moves. The zero value marks an
// undefined rule entry.
type Direction uint8

const (
	North Direction = iota + 1
	East
	West
	South
)

// Directions lists the cardinal moves in canonical N/E/W/S order.
var Directions = [4]Direction{North, East, West, South}

func (d Direction) String() string {
	switch d {
	case North:
		return "N"
	case East:
		return "E"
	case West:
		return "W"
	case South:
		return "S"
	default:
		return "?"
	}
}

// Delta returns the row and column offsets of a single move.
func (d Direction) Delta() (int, int) {
	switch d {
	case North:
		return -1, 0
	case East:
		return 0, 1
	case West:
		return 0, -1
	case South:
		return 1, 0
	default:
		return 0, 0
	}
}

func (d Direction) wallBit() Surroundings {
	switch d {
	case North:
		return WallNorth
	case East:
		return WallEast
	case West:
		return WallWest
	case South:
		return WallSouth
	default:
		return 0
	}
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "N":
		return North, nil
	case "E":
		return East, nil
	case "W":
		return West, nil
	case "S":
		return South, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

type MarkerAction uint8

const (
	MarkerNone MarkerAction = iota
	MarkerDrop
	MarkerPickUp
)

func (a MarkerAction) String() string {
	switch a {
	case MarkerDrop:
		return "dm"
	case MarkerPickUp:
		return "pm"
	default:
		return ""
	}
}

func ParseMarkerAction(s string) (MarkerAction, error) {
	switch s {
	case "":
		return MarkerNone, nil
	case "dm":
		return MarkerDrop, nil
	case "pm":
		return MarkerPickUp, nil
	default:
		return 0, fmt.Errorf("unknown marker action %q", s)
	}
}

// Surroundings is a wall mask over the four neighbor cells.
type Surroundings uint8

const (
	WallNorth Surroundings = 1 << iota
	WallEast
	WallWest
	WallSouth

	AllWalls = WallNorth | WallEast | WallWest | WallSouth
)

// NumSurroundings is the count of legal patterns: every mask except AllWalls.
const NumSurroundings = 15

// surroundingsOrder holds the legal masks sorted by their text pattern.
var surroundingsOrder [NumSurroundings]Surroundings

// surroundingsIndex maps a mask to its position in surroundingsOrder, -1 for AllWalls.
var surroundingsIndex [16]int

func init() {
	patterns := make([]Surroundings, 0, NumSurroundings)
	for mask := Surroundings(0); mask < AllWalls; mask++ {
		patterns = append(patterns, mask)
	}
	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].String() < patterns[j].String()
	})
	copy(surroundingsOrder[:], patterns)
	for i := range surroundingsIndex {
		surroundingsIndex[i] = -1
	}
	for i, mask := range surroundingsOrder {
		surroundingsIndex[mask] = i
	}
}

// LegalSurroundings returns the 15 legal patterns in text sort order.
func LegalSurroundings() []Surroundings {
	out := make([]Surroundings, NumSurroundings)
	copy(out, surroundingsOrder[:])
	return out
}

func (s Surroundings) Legal() bool {
	return s < AllWalls
}

// Blocks reports whether the pattern has a wall in direction d.
func (s Surroundings) Blocks(d Direction) bool {
	return s&d.wallBit() != 0
}

// Open returns the directions without a wall, in canonical order.
func (s Surroundings) Open() []Direction {
	out := make([]Direction, 0, len(Directions))
	for _, d := range Directions {
		if !s.Blocks(d) {
			out = append(out, d)
		}
	}
	return out
}

// String renders the positional NEWS pattern with x for open sides.
func (s Surroundings) String() string {
	var b strings.Builder
	b.Grow(4)
	for _, d := range Directions {
		if s.Blocks(d) {
			b.WriteString(d.String())
		} else {
			b.WriteByte('x')
		}
	}
	return b.String()
}

func ParseSurroundings(pattern string) (Surroundings, error) {
	if len(pattern) != 4 {
		return 0, fmt.Errorf("surroundings %q: want 4 characters", pattern)
	}
	var s Surroundings
	for i, d := range Directions {
		switch pattern[i] {
		case 'x':
		case d.String()[0]:
			s |= d.wallBit()
		default:
			return 0, fmt.Errorf("surroundings %q: position %d must be %s or x", pattern, i, d)
		}
	}
	return s, nil
}

// Condition is the lookup key of a rule: internal state, local walls and
// whether the current cell bears a marker.
type Condition struct {
	State        int
	Surroundings Surroundings
	Marker       bool
}

func detectToken(marker bool) string {
	if marker {
		return "m"
	}
	return "xm"
}

func parseDetect(s string) (bool, error) {
	switch s {
	case "m":
		return true, nil
	case "xm":
		return false, nil
	default:
		return false, fmt.Errorf("unknown detect token %q", s)
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("%d %s %s", c.State, c.Surroundings, detectToken(c.Marker))
}

// Action is the rule output: marker handling, a move and the next state.
type Action struct {
	Marker MarkerAction
	Move   Direction
	Next   int
}

func (a Action) defined() bool {
	return a.Move != 0
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s %d", a.Marker, a.Move, a.Next)
}
