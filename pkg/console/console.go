// Package console prints one colored line per lifecycle event.
package console

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sgaunet/stepretry/pkg/event"
)

// Printer writes test and step progress to an io.Writer.
type Printer struct {
	mu  sync.Mutex
	out io.Writer

	dimColor     func(a ...any) string
	successColor func(a ...any) string
	errorColor   func(a ...any) string
	warnColor    func(a ...any) string
	boldColor    func(a ...any) string

	started time.Time
	passed  int
	failed  int
}

// NewPrinter returns a printer writing to out.
func NewPrinter(out io.Writer, noColor bool) *Printer {
	p := &Printer{out: out}
	p.setupColors(noColor)
	return p
}

func (p *Printer) setupColors(noColor bool) {
	colors := []*color.Color{
		color.New(color.FgHiBlack),
		color.New(color.FgGreen),
		color.New(color.FgRed),
		color.New(color.FgYellow),
		color.New(color.Bold),
	}
	for _, c := range colors {
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	p.dimColor = colors[0].SprintFunc()
	p.successColor = colors[1].SprintFunc()
	p.errorColor = colors[2].SprintFunc()
	p.warnColor = colors[3].SprintFunc()
	p.boldColor = colors[4].SprintFunc()
}

// Attach subscribes the printer to bus and returns a function detaching it.
func (p *Printer) Attach(bus *event.Dispatcher) (detach func()) {
	offs := []func(){
		bus.On(event.TestBefore, p.onTestBefore),
		bus.On(event.TestPassed, p.onTestPassed),
		bus.On(event.TestFailed, p.onTestFailed),
		bus.On(event.StepPassed, p.onStepPassed),
		bus.On(event.StepFailed, p.onStepFailed),
		bus.On(event.StepRetried, p.onStepRetried),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (p *Printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format, args...)
}

func (p *Printer) onTestBefore(payload any) {
	t, _ := payload.(event.Test)
	p.mu.Lock()
	p.started = time.Now()
	p.mu.Unlock()
	p.printf("%s\n", p.boldColor(t.Title))
}

func (p *Printer) elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.started).Round(time.Millisecond)
}

func (p *Printer) onTestPassed(payload any) {
	t, _ := payload.(event.Test)
	d := p.elapsed()
	p.mu.Lock()
	p.passed++
	p.mu.Unlock()
	p.printf("%s %s %s\n", p.successColor("✔ OK"), t.Title, p.dimColor("in "+d.String()))
}

func (p *Printer) onTestFailed(payload any) {
	t, _ := payload.(event.Test)
	d := p.elapsed()
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
	p.printf("%s %s %s\n", p.errorColor("✖ FAILED"), t.Title, p.dimColor("in "+d.String()))
	if t.Err != nil {
		p.printf("    %s\n", p.errorColor(t.Err.Error()))
	}
}

func (p *Printer) onStepPassed(payload any) {
	s, _ := payload.(event.Step)
	p.printf("  %s %s\n", p.successColor("✔"), s.Name)
}

func (p *Printer) onStepFailed(payload any) {
	s, _ := payload.(event.Step)
	p.printf("  %s %s\n", p.errorColor("✖"), s.Name)
}

func (p *Printer) onStepRetried(payload any) {
	s, _ := payload.(event.Step)
	msg := fmt.Sprintf("↻ %s, attempt %d", s.Name, s.Attempt)
	if s.Err != nil {
		msg += ": " + s.Err.Error()
	}
	p.printf("  %s\n", p.warnColor(msg))
}

// Summary prints the totals of the tests seen so far.
func (p *Printer) Summary() {
	p.mu.Lock()
	passed, failed := p.passed, p.failed
	p.mu.Unlock()

	line := fmt.Sprintf("%d passed, %d failed", passed, failed)
	if failed > 0 {
		p.printf("\n%s\n", p.errorColor(line))
		return
	}
	p.printf("\n%s\n", p.successColor(line))
}
