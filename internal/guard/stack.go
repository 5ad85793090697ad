package guard

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"scriptloop/internal/logging"
)

// Access is the mode of a file open.
type Access int

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessRead | AccessWrite:
		return "read/write"
	}
	return "none"
}

// ViolationKind classifies a policy violation.
type ViolationKind int

const (
	ViolationFileRead ViolationKind = iota
	ViolationFileWrite
	ViolationImport
	ViolationCall
	ViolationAttribute
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationFileRead:
		return "forbidden_read"
	case ViolationFileWrite:
		return "forbidden_write"
	case ViolationImport:
		return "forbidden_import"
	case ViolationCall:
		return "forbidden_call"
	case ViolationAttribute:
		return "attribute_rejected"
	}
	return "unknown"
}

// Violation is raised when a script oversteps a guard. It names the
// forbidden resource.
type Violation struct {
	Kind     ViolationKind
	Resource string
	Guard    string
	Reason   string
}

func (v *Violation) Error() string {
	if v.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", v.Kind, v.Resource, v.Reason)
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Resource)
}

// AsViolation extracts a *Violation from err or a recovered panic value.
func AsViolation(x interface{}) (*Violation, bool) {
	switch v := x.(type) {
	case *Violation:
		return v, true
	case error:
		var viol *Violation
		if errors.As(v, &viol) {
			return viol, true
		}
	}
	return nil, false
}

// Guard is anything that can be placed on a Stack.
type Guard interface {
	Name() string
}

// FileHook is consulted for every file the script opens.
type FileHook interface {
	Guard
	OnFileOpen(name string, mode Access) error
}

// ImportHook is consulted for every import of the script itself.
type ImportHook interface {
	Guard
	OnImport(pkg string) error
}

// CallHook is consulted when the script calls a wrapped symbol.
type CallHook interface {
	Guard
	OnCall(ref SymbolRef) error
}

// Installer substitutes bindings while the stack is entered.
type Installer interface {
	Guard
	Install(b *Bindings, s *Stack) error
}

// Stack is an ordered set of guards entered around one run.
type Stack struct {
	mu         sync.Mutex
	guards     []Guard
	bindings   *Bindings
	mark       int
	entered    bool
	violations []*Violation
}

// NewStack creates a stack holding guards in installation order.
func NewStack(guards ...Guard) *Stack {
	return &Stack{guards: append([]Guard(nil), guards...)}
}

// Push adds a guard on top of the stack. It has no effect on a stack that
// is already entered.
func (s *Stack) Push(g Guard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guards = append(s.guards, g)
}

// Active returns the names of the guards, bottom first.
func (s *Stack) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.guards))
	for i, g := range s.guards {
		out[i] = g.Name()
	}
	return out
}

// Enter installs every Installer in order. The returned release restores
// all substitutions made since Enter and must be called on every exit
// path; it is safe to call more than once.
func (s *Stack) Enter(b *Bindings) (release func(), err error) {
	s.mu.Lock()
	if s.entered {
		s.mu.Unlock()
		return nil, errors.New("guard stack already entered")
	}
	s.entered = true
	s.bindings = b
	s.mark = b.mark()
	s.violations = nil
	guards := append([]Guard(nil), s.guards...)
	s.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			b.restoreTo(s.mark)
			s.entered = false
			s.bindings = nil
			logging.GuardDebug("guard stack released (%d guards)", len(guards))
		})
	}

	for _, g := range guards {
		inst, ok := g.(Installer)
		if !ok {
			continue
		}
		if err := inst.Install(b, s); err != nil {
			release()
			return nil, fmt.Errorf("install guard %s: %w", g.Name(), err)
		}
	}
	logging.GuardDebug("guard stack entered: %v, %d substitutions", s.Active(), len(b.Replaced()))
	return release, nil
}

// Original returns the pre-guard binding of ref while the stack is entered.
func (s *Stack) Original(ref SymbolRef) (reflect.Value, bool) {
	s.mu.Lock()
	b := s.bindings
	s.mu.Unlock()
	if b == nil {
		return reflect.Value{}, false
	}
	return b.Original(ref)
}

// FileOpen runs the file hooks for name.
func (s *Stack) FileOpen(name string, mode Access) error {
	for _, g := range s.snapshot() {
		if h, ok := g.(FileHook); ok {
			if err := h.OnFileOpen(name, mode); err != nil {
				return s.raise(err, g)
			}
		}
	}
	return nil
}

// Import runs the import hooks for pkg.
func (s *Stack) Import(pkg string) error {
	for _, g := range s.snapshot() {
		if h, ok := g.(ImportHook); ok {
			if err := h.OnImport(pkg); err != nil {
				return s.raise(err, g)
			}
		}
	}
	return nil
}

// Call runs the call hooks for ref.
func (s *Stack) Call(ref SymbolRef) error {
	for _, g := range s.snapshot() {
		if h, ok := g.(CallHook); ok {
			if err := h.OnCall(ref); err != nil {
				return s.raise(err, g)
			}
		}
	}
	return nil
}

// Reject records a violation raised outside the hook points, such as a
// path escaping the sandbox root.
func (s *Stack) Reject(v *Violation) error {
	return s.raise(v, nil)
}

// Violations returns the violations raised since the last Enter.
func (s *Stack) Violations() []*Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Violation(nil), s.violations...)
}

func (s *Stack) snapshot() []Guard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Guard(nil), s.guards...)
}

func (s *Stack) raise(err error, g Guard) error {
	v, ok := AsViolation(err)
	if !ok {
		v = &Violation{Kind: ViolationAttribute, Reason: err.Error()}
	}
	if v.Guard == "" && g != nil {
		v.Guard = g.Name()
	}
	s.mu.Lock()
	s.violations = append(s.violations, v)
	s.mu.Unlock()

	logging.GuardWarn("violation by guard %s: %v", v.Guard, v)
	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditGuardBlock,
		Target:    v.Resource,
		Message:   v.Error(),
	})
	return v
}
