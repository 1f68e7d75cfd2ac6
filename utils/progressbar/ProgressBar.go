// Package progressbar implements a progress bar for experiments that
// is redrawn in place on a terminal
package progressbar

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ProgressBar draws the progress of an experiment, along with the
// most recent value of a tracked quantity, whenever Display is called.
// ProgressBar does not use concurrency.
type ProgressBar struct {
	out   io.Writer
	width int
	max   int
	label string

	current int
	value   float64
	start   time.Time
	bar     strings.Builder
}

// New returns a new ProgressBar width characters wide that is full
// after max calls to Increment. The tracked value is labelled label.
func New(out io.Writer, width, max int, label string) *ProgressBar {
	if max < 1 {
		max = 1
	}
	return &ProgressBar{
		out:   out,
		width: width,
		max:   max,
		label: label,
		start: time.Now(),
	}
}

// Increment advances the bar by one step and records the tracked value
func (p *ProgressBar) Increment(value float64) {
	if p.current < p.max {
		p.current++
	}
	p.value = value
}

// Fraction returns the completed fraction of the bar
func (p *ProgressBar) Fraction() float64 {
	return float64(p.current) / float64(p.max)
}

// String returns the current rendering of the bar
func (p *ProgressBar) String() string {
	p.bar.Reset()
	filled := int(p.Fraction() * float64(p.width))

	p.bar.WriteString("|")
	p.bar.WriteString(strings.Repeat("█", filled))
	p.bar.WriteString(strings.Repeat(" ", p.width-filled))
	fmt.Fprintf(&p.bar, "| [%.2f%% | %v: %.4f | elapsed: %v]",
		p.Fraction()*100, p.label, p.value,
		time.Since(p.start).Truncate(time.Second))
	return p.bar.String()
}

// Display redraws the bar over the current terminal line
func (p *ProgressBar) Display() {
	fmt.Fprintf(p.out, "\r\033[K%v", p.String())
}

// Close ends the line the bar is drawn on
func (p *ProgressBar) Close() {
	fmt.Fprintln(p.out)
}
