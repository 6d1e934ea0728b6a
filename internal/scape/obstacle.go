package scape

import (
	"fmt"
	"math/rand"
)

// ObstaclePlacement selects how the per-trial obstacle rectangle is laid out.
type ObstaclePlacement string

const (
	// PlacementCoupled reuses the drawn height and width as the row and
	// column offsets, so the rectangle spans rows [h,2h) and cols [w,2w).
	// The drawn offsets are consumed but unused.
	PlacementCoupled ObstaclePlacement = "coupled"
	// PlacementIndependent places the rectangle at the drawn offsets.
	PlacementIndependent ObstaclePlacement = "independent"
	// PlacementNone leaves the room empty and draws nothing.
	PlacementNone ObstaclePlacement = "none"
)

func ParseObstaclePlacement(name string) (ObstaclePlacement, error) {
	switch ObstaclePlacement(name) {
	case "", PlacementCoupled:
		return PlacementCoupled, nil
	case PlacementIndependent:
		return PlacementIndependent, nil
	case PlacementNone:
		return PlacementNone, nil
	default:
		return "", fmt.Errorf("unknown obstacle placement %q: want coupled|independent|none", name)
	}
}

// RandomObstacle draws a rectangle with sides in [0, maxSize). Draw order
// is row offset, column offset, height, width; offsets are drawn from
// [0, height-maxSize) and [0, width-maxSize).
func RandomObstacle(rng *rand.Rand, placement ObstaclePlacement, gridHeight, gridWidth, maxSize int) (Obstacle, error) {
	if placement == PlacementNone || maxSize <= 0 {
		return Obstacle{}, nil
	}
	if gridHeight-maxSize <= 0 || gridWidth-maxSize <= 0 {
		return Obstacle{}, fmt.Errorf("grid %dx%d too small for obstacles up to %d", gridHeight, gridWidth, maxSize)
	}
	y := rng.Intn(gridHeight - maxSize)
	x := rng.Intn(gridWidth - maxSize)
	h := rng.Intn(maxSize)
	w := rng.Intn(maxSize)

	switch placement {
	case "", PlacementCoupled:
		return Obstacle{Row: h, Col: w, Height: h, Width: w}, nil
	case PlacementIndependent:
		return Obstacle{Row: y, Col: x, Height: h, Width: w}, nil
	default:
		return Obstacle{}, fmt.Errorf("unknown obstacle placement %q", placement)
	}
}
