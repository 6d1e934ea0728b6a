package scape

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"picobot/internal/program"
)

var ErrWallCollision = errors.New("agent moved into a wall")

const (
	DefaultMarkerCap = 5
	DefaultStartRow  = 1
	DefaultStartCol  = 1
)

type Cell uint8

const (
	CellOpen Cell = iota
	CellWall
	CellStart
	CellMarked
	CellCleared
)

func (c Cell) rune() rune {
	switch c {
	case CellWall:
		return '+'
	case CellStart:
		return 'S'
	case CellMarked:
		return '.'
	case CellCleared:
		return 'o'
	default:
		return ' '
	}
}

// Covered reports whether the cell counts toward coverage.
func (c Cell) Covered() bool {
	return c == CellMarked || c == CellCleared
}

type WorldConfig struct {
	Height    int
	Width     int
	StartRow  int
	StartCol  int
	MarkerCap int
}

func (c WorldConfig) Validate() error {
	if c.Height < 3 || c.Width < 3 {
		return fmt.Errorf("grid %dx%d too small: need at least 3x3", c.Height, c.Width)
	}
	if c.StartRow < 1 || c.StartRow > c.Height-2 || c.StartCol < 1 || c.StartCol > c.Width-2 {
		return fmt.Errorf("start (%d,%d) must lie strictly inside the border", c.StartRow, c.StartCol)
	}
	if c.MarkerCap < 0 {
		return fmt.Errorf("marker cap must be >= 0")
	}
	return nil
}

// Obstacle is a rectangle of wall cells with its top-left corner at
// (Row, Col). Zero height or width places nothing.
type Obstacle struct {
	Row    int
	Col    int
	Height int
	Width  int
}

func (o Obstacle) Empty() bool {
	return o.Height <= 0 || o.Width <= 0
}

// World is a bordered room with one agent driven by a rule program. It is
// not safe for concurrent use; each trial owns its own World.
type World struct {
	height, width int
	cells         []Cell
	prog          *program.Program

	row, col    int
	state       int
	drops       int
	markerCap   int
	overDropped bool
	steps       int
	trapped     int
}

func NewWorld(cfg WorldConfig, prog *program.Program) (*World, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if prog == nil {
		return nil, fmt.Errorf("rule program is required")
	}
	w := &World{
		height:    cfg.Height,
		width:     cfg.Width,
		cells:     make([]Cell, cfg.Height*cfg.Width),
		prog:      prog,
		row:       cfg.StartRow,
		col:       cfg.StartCol,
		markerCap: cfg.MarkerCap,
	}
	for c := 0; c < w.width; c++ {
		w.set(0, c, CellWall)
		w.set(w.height-1, c, CellWall)
	}
	for r := 0; r < w.height; r++ {
		w.set(r, 0, CellWall)
		w.set(r, w.width-1, CellWall)
	}
	w.set(w.row, w.col, CellStart)
	return w, nil
}

// AddObstacle turns the rectangle into wall cells, clipped to the grid.
func (w *World) AddObstacle(o Obstacle) {
	for r := o.Row; r < o.Row+o.Height; r++ {
		for c := o.Col; c < o.Col+o.Width; c++ {
			if w.inside(r, c) {
				w.set(r, c, CellWall)
			}
		}
	}
}

// Percept returns the rule lookup key for the agent's current cell. Wall
// detection is by cell identity, so obstacle cells count like the border.
func (w *World) Percept() program.Condition {
	var s program.Surroundings
	for _, d := range program.Directions {
		dr, dc := d.Delta()
		if w.isWall(w.row+dr, w.col+dc) {
			s |= wallFor(d)
		}
	}
	return program.Condition{
		State:        w.state,
		Surroundings: s,
		Marker:       w.at(w.row, w.col) == CellMarked,
	}
}

// Step executes one percept/lookup/act cycle. An agent walled in on all
// four sides cannot act; its step is absorbed and counted.
func (w *World) Step() error {
	percept := w.Percept()
	w.steps++
	if percept.Surroundings == program.AllWalls {
		w.trapped++
		return nil
	}

	action, err := w.prog.Action(percept)
	if err != nil {
		return err
	}

	switch {
	case action.Marker == program.MarkerDrop && !percept.Marker:
		w.drops++
		if w.drops > w.markerCap {
			w.overDropped = true
		} else {
			w.set(w.row, w.col, CellMarked)
		}
	case action.Marker == program.MarkerPickUp && percept.Marker:
		w.drops--
		w.set(w.row, w.col, CellCleared)
	}

	w.state = action.Next

	dr, dc := action.Move.Delta()
	if w.isWall(w.row+dr, w.col+dc) {
		return fmt.Errorf("%w: %s moves %s from (%d,%d)", ErrWallCollision, percept, action.Move, w.row, w.col)
	}
	w.row += dr
	w.col += dc
	return nil
}

// Run executes exactly n steps unless ctx is cancelled or a step fails.
func (w *World) Run(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := w.Step(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// FractionVisited is the share of interior cells that are marked or
// cleared, or 0 once the drop counter has exceeded the marker cap.
func (w *World) FractionVisited() float64 {
	if w.overDropped {
		return 0
	}
	total, visited := 0, 0
	for r := 1; r < w.height-1; r++ {
		for c := 1; c < w.width-1; c++ {
			total++
			if w.at(r, c).Covered() {
				visited++
			}
		}
	}
	return float64(visited) / float64(total)
}

func (w *World) Height() int { return w.height }
func (w *World) Width() int  { return w.width }

func (w *World) Position() (int, int) { return w.row, w.col }
func (w *World) State() int           { return w.state }
func (w *World) Drops() int           { return w.drops }
func (w *World) OverDropped() bool    { return w.overDropped }
func (w *World) Steps() int           { return w.steps }
func (w *World) Trapped() int         { return w.trapped }

// Cell returns the cell at (r, c); out-of-grid positions read as walls.
func (w *World) Cell(r, c int) Cell {
	if !w.inside(r, c) {
		return CellWall
	}
	return w.at(r, c)
}

// String renders the room in ASCII with the agent as P.
func (w *World) String() string {
	var b strings.Builder
	b.Grow((w.width + 1) * w.height)
	for r := 0; r < w.height; r++ {
		for c := 0; c < w.width; c++ {
			if r == w.row && c == w.col {
				b.WriteByte('P')
				continue
			}
			b.WriteRune(w.at(r, c).rune())
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (w *World) inside(r, c int) bool {
	return r >= 0 && r < w.height && c >= 0 && c < w.width
}

func (w *World) isWall(r, c int) bool {
	return !w.inside(r, c) || w.at(r, c) == CellWall
}

func (w *World) at(r, c int) Cell {
	return w.cells[r*w.width+c]
}

func (w *World) set(r, c int, cell Cell) {
	w.cells[r*w.width+c] = cell
}

func wallFor(d program.Direction) program.Surroundings {
	switch d {
	case program.North:
		return program.WallNorth
	case program.East:
		return program.WallEast
	case program.West:
		return program.WallWest
	default:
		return program.WallSouth
	}
}
