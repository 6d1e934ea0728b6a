// Package display replays a rule program's walk through a grid world on a
// terminal screen.
package display

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"

	"picobot/internal/scape"
)

// Frame is one rendered snapshot of a world.
type Frame struct {
	Step     int      `json:"step"`
	State    int      `json:"state"`
	Drops    int      `json:"drops"`
	Coverage float64  `json:"coverage"`
	Rows     []string `json:"rows"`
}

func Capture(step int, w *scape.World) Frame {
	return Frame{
		Step:     step,
		State:    w.State(),
		Drops:    w.Drops(),
		Coverage: w.FractionVisited(),
		Rows:     strings.Split(strings.TrimSuffix(w.String(), "\n"), "\n"),
	}
}

func (f Frame) Status() string {
	return fmt.Sprintf("step %d  state %d  markers %d  coverage %.3f", f.Step, f.State, f.Drops, f.Coverage)
}

type Viewer struct {
	screen tcell.Screen
	delay  time.Duration
	// Hold keeps the last frame up until the user quits.
	Hold bool
}

const DefaultDelay = 100 * time.Millisecond

func NewViewer(screen tcell.Screen, delay time.Duration) *Viewer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Viewer{screen: screen, delay: delay}
}

func styleFor(r rune) tcell.Style {
	switch r {
	case '+':
		return tcell.StyleDefault.Foreground(tcell.ColorBlue)
	case '.':
		return tcell.StyleDefault.Foreground(tcell.ColorYellow)
	case 'S':
		return tcell.StyleDefault.Foreground(tcell.ColorGreen)
	case 'P':
		return tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
	default:
		return tcell.StyleDefault
	}
}

func (v *Viewer) Draw(f Frame) {
	v.screen.Clear()
	for y, row := range f.Rows {
		for x, r := range row {
			v.screen.SetContent(x, y, r, nil, styleFor(r))
		}
	}
	// The status line is cut at the screen edge rather than wrapped.
	status := []rune(f.Status())
	if width, _ := v.screen.Size(); width >= 0 && len(status) > width {
		status = status[:width]
	}
	for x, r := range status {
		v.screen.SetContent(x, len(f.Rows)+1, r, nil, tcell.StyleDefault)
	}
	v.screen.Show()
}

// Play draws frames at the viewer's delay until they run out, the context
// ends or the user presses q, Esc or Ctrl-C. The caller owns the screen.
func (v *Viewer) Play(ctx context.Context, frames []Frame) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to play")
	}

	quit := make(chan struct{})
	polled := make(chan struct{})
	token := new(int)
	go func() {
		defer close(polled)
		for {
			switch ev := v.screen.PollEvent().(type) {
			case nil:
				return
			case *tcell.EventInterrupt:
				if ev.Data() == any(token) {
					return
				}
			case *tcell.EventResize:
				v.screen.Sync()
			default:
				if isQuit(ev) {
					close(quit)
					return
				}
			}
		}
	}()
	// Stop this call's poller; interrupts carrying another token are ignored.
	defer func() {
		select {
		case <-polled:
			return
		default:
		}
		if err := v.screen.PostEvent(tcell.NewEventInterrupt(token)); err == nil {
			<-polled
		}
	}()

	ticker := time.NewTicker(v.delay)
	defer ticker.Stop()

	for i := 0; i < len(frames); i++ {
		v.Draw(frames[i])
		if i == len(frames)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-quit:
			return nil
		case <-ticker.C:
		}
	}

	if !v.Hold {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-quit:
		return nil
	}
}

func isQuit(ev tcell.Event) bool {
	key, ok := ev.(*tcell.EventKey)
	if !ok {
		return false
	}
	switch key.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyRune:
		return key.Rune() == 'q'
	}
	return false
}
