// Package diagram validates embedded diagram source and drives a bounded
// auto-repair loop against an external correction service.
package diagram

import (
	"context"
	"errors"
	stdhtml "html"
	"strings"
	"sync"

	"go.uber.org/zap"

	"chatmark/internal/repair"
	"chatmark/internal/usage"
)

// State of one diagram instance.
type State int

const (
	StateIdle State = iota
	StateRendering
	StateSuccess
	StateFailed
	StateRepairInFlight
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRendering:
		return "rendering"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	case StateRepairInFlight:
		return "repair-in-flight"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// MaxAttempts caps repair attempts per instance. The cap counts attempts, not
// successes: failed repair calls consume budget too.
const MaxAttempts = 3

var (
	// ErrExhausted marks the terminal state after the attempt budget is spent.
	ErrExhausted = errors.New("diagram: repair attempts exhausted")
	// ErrRepairInFlight rejects a second repair while one is pending.
	ErrRepairInFlight = errors.New("diagram: repair already in flight")
	// ErrStaleRepair marks a repair response that arrived after the source
	// it was issued for was replaced.
	ErrStaleRepair = errors.New("diagram: stale repair response discarded")
	// ErrNotRepairable rejects a manual retry from a state with no pending
	// validation error.
	ErrNotRepairable = errors.New("diagram: nothing to repair in current state")
)

// Fixer is the external correction service.
type Fixer interface {
	Fix(ctx context.Context, source, validationErr string) (repair.Result, error)
}

// Attempt is one append-only history entry: the failing source, the
// validation error that triggered repair, and the repair outcome. A failed
// repair call leaves Repaired empty and carries no usage.
type Attempt struct {
	Number   int           `json:"number"`
	Source   string        `json:"source"`
	Error    string        `json:"error"`
	Repaired string        `json:"repaired,omitempty"`
	Usage    *usage.Record `json:"usage,omitempty"`
}

// Engine owns the collaborators shared by all instances. Instances themselves
// are independent state machines; the engine never serializes them.
type Engine struct {
	fixer    Fixer
	sink     usage.Sink
	log      *zap.Logger
	validate func(string) error
}

func NewEngine(fixer Fixer, sink usage.Sink, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{fixer: fixer, sink: sink, log: log, validate: Validate}
}

// Instance is the validate/auto-repair state machine for one diagram.
type Instance struct {
	eng *Engine

	mu       sync.Mutex
	state    State
	source   string
	lastErr  string
	attempts []Attempt
	inflight string // source a repair was issued for; empty when none
}

func (e *Engine) NewInstance(source string) *Instance {
	return &Instance{eng: e, state: StateIdle, source: strings.TrimSpace(source)}
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) Source() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.source
}

func (i *Instance) LastError() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// Attempts returns a copy of the append-only attempt history.
func (i *Instance) Attempts() []Attempt {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Attempt, len(i.attempts))
	copy(out, i.attempts)
	return out
}

// SetSource replaces the diagram source from the outside (a document update).
// History and state are reset; a repair response still in flight for the old
// source will be discarded when it lands. Returns false if unchanged.
func (i *Instance) SetSource(source string) bool {
	source = strings.TrimSpace(source)
	i.mu.Lock()
	defer i.mu.Unlock()
	if source == i.source {
		return false
	}
	i.source = source
	i.attempts = nil
	i.lastErr = ""
	i.state = StateIdle
	return true
}

// Run drives the machine from the current source until a terminal state:
// Success, Exhausted, or Failed-with-no-repair-available. Validation errors
// are consumed internally; the returned error reports only why the loop
// stopped short of Success.
func (i *Instance) Run(ctx context.Context) error {
	for {
		i.mu.Lock()
		src := i.source
		i.state = StateRendering
		i.mu.Unlock()

		verr := i.eng.validate(src)
		if verr == nil {
			i.mu.Lock()
			// Discard the result if the source moved underneath us.
			if i.source == src {
				i.state = StateSuccess
				i.lastErr = ""
			}
			i.mu.Unlock()
			return nil
		}

		i.mu.Lock()
		if i.source != src {
			i.mu.Unlock()
			return ErrStaleRepair
		}
		i.lastErr = verr.Error()
		if len(i.attempts) >= MaxAttempts {
			i.state = StateExhausted
			i.mu.Unlock()
			i.eng.log.Info("diagram repair exhausted", zap.String("error", verr.Error()))
			return ErrExhausted
		}
		i.state = StateFailed
		i.mu.Unlock()

		if err := i.repairOnce(ctx, src, verr.Error()); err != nil {
			return err
		}
	}
}

// Retry re-invokes repair on the current validation error; the manual path
// shares attempt accounting with the automatic one.
func (i *Instance) Retry(ctx context.Context) error {
	i.mu.Lock()
	switch i.state {
	case StateExhausted:
		i.mu.Unlock()
		return ErrExhausted
	case StateRepairInFlight:
		i.mu.Unlock()
		return ErrRepairInFlight
	case StateFailed:
	default:
		i.mu.Unlock()
		return ErrNotRepairable
	}
	src, errText := i.source, i.lastErr
	i.mu.Unlock()

	if err := i.repairOnce(ctx, src, errText); err != nil {
		return err
	}
	return i.Run(ctx)
}

// repairOnce performs one round-trip to the fixer and applies the candidate.
// The call is keyed to src: if the instance source changes while the call is
// in flight, the response is dropped without touching state or history.
func (i *Instance) repairOnce(ctx context.Context, src, errText string) error {
	i.mu.Lock()
	if i.state == StateRepairInFlight {
		i.mu.Unlock()
		return ErrRepairInFlight
	}
	if len(i.attempts) >= MaxAttempts {
		i.state = StateExhausted
		i.mu.Unlock()
		return ErrExhausted
	}
	if i.eng.fixer == nil {
		// No repair service wired: stay in Failed, manual retry only.
		i.state = StateFailed
		i.mu.Unlock()
		return repair.ErrNoCredential
	}
	i.state = StateRepairInFlight
	i.inflight = src
	i.mu.Unlock()

	res, ferr := i.eng.fixer.Fix(ctx, src, errText)

	i.mu.Lock()
	i.inflight = ""
	if i.source != src {
		// Document was replaced while the call was pending.
		if i.state == StateRepairInFlight {
			i.state = StateIdle
		}
		i.mu.Unlock()
		return ErrStaleRepair
	}

	if ferr != nil {
		if errors.Is(ferr, repair.ErrNoCredential) {
			// The service was never invoked; no budget consumed.
			i.state = StateFailed
			i.mu.Unlock()
			return ferr
		}
		att := Attempt{Number: len(i.attempts) + 1, Source: src, Error: errText}
		i.attempts = append(i.attempts, att)
		if len(i.attempts) >= MaxAttempts {
			i.state = StateExhausted
			i.mu.Unlock()
			i.eng.log.Warn("diagram repair call failed, budget exhausted", zap.Error(ferr))
			return ErrExhausted
		}
		i.state = StateFailed
		i.mu.Unlock()
		i.eng.log.Warn("diagram repair call failed", zap.Error(ferr))
		return ferr
	}

	att := Attempt{
		Number:   len(i.attempts) + 1,
		Source:   src,
		Error:    errText,
		Repaired: res.Source,
		Usage:    &res.Usage,
	}
	i.attempts = append(i.attempts, att)
	i.source = strings.TrimSpace(res.Source)
	i.state = StateRendering
	i.mu.Unlock()

	if i.eng.sink != nil {
		i.eng.sink.Record(res.Usage)
	}
	return nil
}

// Report is the renderable outcome of one instance.
type Report struct {
	State    string    `json:"state"`
	Source   string    `json:"source"`
	Error    string    `json:"error,omitempty"`
	Attempts []Attempt `json:"attempts,omitempty"`
}

func (i *Instance) Report() Report {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Report{
		State:    i.state.String(),
		Source:   i.source,
		Error:    i.lastErr,
		Attempts: append([]Attempt(nil), i.attempts...),
	}
}

// HTML returns the presentational form of the instance: a client-hydrated
// diagram container on success, an error panel with the literal validator
// message otherwise. Every state has a renderable form.
func (i *Instance) HTML() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case StateSuccess:
		return `<div class="mermaid">` + stdhtml.EscapeString(i.source) + `</div>`
	case StateExhausted, StateFailed:
		var b strings.Builder
		b.WriteString(`<div class="diagram-error">`)
		b.WriteString(`<p class="diagram-error-message">Diagram failed to render`)
		if len(i.attempts) > 0 {
			b.WriteString(" after automatic repair")
		}
		b.WriteString(`: `)
		b.WriteString(stdhtml.EscapeString(i.lastErr))
		b.WriteString(`</p><pre><code>`)
		b.WriteString(stdhtml.EscapeString(i.source))
		b.WriteString("</code></pre></div>")
		return b.String()
	default:
		return `<div class="diagram-pending"></div>`
	}
}
