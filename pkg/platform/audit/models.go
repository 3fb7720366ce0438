package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase identifies when a trigger fires relative to the audited operation.
type Phase string

const (
	// PhaseBefore fires before the operation runs, with the arguments bound.
	PhaseBefore Phase = "before"
	// PhaseAfter fires after the operation returns without error, with
	// "result" bound.
	PhaseAfter Phase = "after"
	// PhaseFailure fires when the operation returns an error or panics, with
	// "exception" bound.
	PhaseFailure Phase = "failure"
)

// Record is one audit entry. It answers who (Subject) did what (Action) to
// which resource (Object, Path), from where (Origin) and when (Timestamp).
// Records are built once and passed by value; sinks must not modify them.
type Record struct {
	ID        uuid.UUID
	Timestamp time.Time // millisecond precision
	Phase     Phase
	Subject   string
	Action    string
	Object    string
	Origin    string
	Path      string
	Message   string
	Async     bool
	// Security is the identity snapshot taken when the operation was entered,
	// usually a *requestcontext.Principal. Sinks that persist records should
	// not serialize it.
	Security any `json:"-"`
}

func (r Record) String() string {
	return fmt.Sprintf("AuditRecord(id=%s, timestamp=%s, phase=%s, subject=%s, action=%s, object=%s, origin=%s, path=%s, message=%s, async=%t)",
		r.ID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Phase, r.Subject, r.Action, r.Object, r.Origin, r.Path, r.Message, r.Async)
}

// Trigger decides whether a phase produces a record and what message it
// carries. A blank Message disables the phase. A blank Guard always passes.
// Both are expressions evaluated against the call context; use a quoted
// literal such as 'created' for a constant message.
type Trigger struct {
	Message string `yaml:"message" json:"message,omitempty"`
	Guard   string `yaml:"guard" json:"guard,omitempty"`
}

// Enabled reports whether the trigger can produce a record.
func (t Trigger) Enabled() bool {
	return strings.TrimSpace(t.Message) != ""
}

// Definition declares how an operation is audited. It is built once per
// operation and shared by every invocation.
//
// Subject and Origin fall back to the configured resolvers when blank.
// Action, Object and Path are left empty when blank.
type Definition struct {
	Before  Trigger `yaml:"before" json:"before"`
	After   Trigger `yaml:"after" json:"after"`
	Failure Trigger `yaml:"failure" json:"failure"`

	Subject string `yaml:"subject" json:"subject,omitempty"`
	Action  string `yaml:"action" json:"action,omitempty"`
	Object  string `yaml:"object" json:"object,omitempty"`
	Origin  string `yaml:"origin" json:"origin,omitempty"`
	Path    string `yaml:"path" json:"path,omitempty"`

	// Async delivers records on the audit executor instead of the calling
	// goroutine.
	Async bool `yaml:"async" json:"async"`
}

// Trigger returns the trigger for phase.
func (d Definition) Trigger(phase Phase) Trigger {
	switch phase {
	case PhaseBefore:
		return d.Before
	case PhaseAfter:
		return d.After
	case PhaseFailure:
		return d.Failure
	}
	return Trigger{}
}

// Enabled reports whether any phase can produce a record.
func (d Definition) Enabled() bool {
	return d.Before.Enabled() || d.After.Enabled() || d.Failure.Enabled()
}

// Expressions lists every non-blank expression of the definition, keyed by a
// label such as "after.guard" or "subject".
func (d Definition) Expressions() map[string]string {
	out := map[string]string{}
	add := func(label, expr string) {
		if strings.TrimSpace(expr) != "" {
			out[label] = expr
		}
	}
	for _, phase := range []Phase{PhaseBefore, PhaseAfter, PhaseFailure} {
		t := d.Trigger(phase)
		add(string(phase)+".message", t.Message)
		add(string(phase)+".guard", t.Guard)
	}
	add("subject", d.Subject)
	add("action", d.Action)
	add("object", d.Object)
	add("origin", d.Origin)
	add("path", d.Path)
	return out
}
