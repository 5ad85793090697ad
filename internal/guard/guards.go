package guard

import (
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
)

// FileAccess allows reads and writes only of files matching its
// patterns. Patterns use shell glob syntax and are matched against the
// sandbox-relative path and, outside hidden directories, against the
// base name.
type FileAccess struct {
	Readable []string
	Writable []string
}

func (f *FileAccess) Name() string { return "file_access" }

// OnFileOpen implements FileHook.
func (f *FileAccess) OnFileOpen(name string, mode Access) error {
	if mode&AccessRead != 0 && !matchAny(f.Readable, name) {
		return &Violation{Kind: ViolationFileRead, Resource: name, Reason: "file is not in the readable list"}
	}
	if mode&AccessWrite != 0 && !matchAny(f.Writable, name) {
		return &Violation{Kind: ViolationFileWrite, Resource: name, Reason: "file is not in the writable list"}
	}
	return nil
}

// matchAny matches name, relative to the sandbox root, against patterns.
// A pattern without a slash also matches the base name at any depth, except
// inside hidden directories: those only match patterns that name them.
func matchAny(patterns []string, name string) bool {
	name = filepath.ToSlash(filepath.Clean(name))
	base := path.Base(name)
	hidden := inHiddenDir(name)
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, _ := path.Match(p, name); ok {
			return true
		}
		if hidden || strings.Contains(p, "/") {
			continue
		}
		if ok, _ := path.Match(p, base); ok {
			return true
		}
	}
	return false
}

func inHiddenDir(name string) bool {
	dirs := strings.Split(name, "/")
	for _, d := range dirs[:len(dirs)-1] {
		if strings.HasPrefix(d, ".") && d != "." && d != ".." {
			return true
		}
	}
	return false
}

// ImportDeny rejects script imports of the listed packages and of every
// package below them.
type ImportDeny struct {
	Denied []string
}

func (d *ImportDeny) Name() string { return "import_deny" }

// OnImport implements ImportHook.
func (d *ImportDeny) OnImport(pkg string) error {
	for _, denied := range d.Denied {
		denied = strings.TrimSuffix(denied, "/")
		if pkg == denied || strings.HasPrefix(pkg, denied+"/") {
			return &Violation{Kind: ViolationImport, Resource: pkg}
		}
	}
	return nil
}

// CallDeny makes the listed symbols fail when called by the script. The
// host keeps calling the real functions; only the script's bindings are
// wrapped.
type CallDeny struct {
	Symbols []SymbolRef
}

func (d *CallDeny) Name() string { return "call_deny" }

// Install implements Installer. Symbols absent from the table are skipped:
// a script cannot call what it cannot import.
func (d *CallDeny) Install(b *Bindings, s *Stack) error {
	for _, ref := range d.Symbols {
		orig, ok := b.Lookup(ref)
		if !ok || orig.Kind() != reflect.Func {
			continue
		}
		ref := ref
		wrapped := wrapFunc(orig, func([]reflect.Value) error { return s.Call(ref) })
		if err := b.Replace(ref, wrapped, d.Name()); err != nil {
			return err
		}
	}
	return nil
}

// OnCall implements CallHook.
func (d *CallDeny) OnCall(ref SymbolRef) error {
	for _, denied := range d.Symbols {
		if denied == ref {
			return &Violation{Kind: ViolationCall, Resource: ref.String()}
		}
	}
	return nil
}

// Attribute replaces one symbol with the value returned by Wrap. Wrap gets
// the binding in place at install time and may inspect arguments, keep
// side-channel state, raise a violation, or delegate.
type Attribute struct {
	Label  string
	Target SymbolRef
	Wrap   func(orig reflect.Value, s *Stack) reflect.Value
}

func (a *Attribute) Name() string {
	if a.Label != "" {
		return a.Label
	}
	return "attribute:" + a.Target.String()
}

// Install implements Installer.
func (a *Attribute) Install(b *Bindings, s *Stack) error {
	orig, ok := b.Lookup(a.Target)
	if !ok {
		return ErrNoSymbol
	}
	return b.Replace(a.Target, a.Wrap(orig, s), a.Name())
}

// Intercept builds an Attribute that calls before with the arguments of
// every call to target. A non-nil error from before is recorded on the
// stack and aborts the call; otherwise the original runs.
func Intercept(label string, target SymbolRef, before func(args []reflect.Value) error) *Attribute {
	a := &Attribute{Label: label, Target: target}
	a.Wrap = func(orig reflect.Value, s *Stack) reflect.Value {
		return wrapFunc(orig, func(args []reflect.Value) error {
			if err := before(args); err != nil {
				return s.raise(err, a)
			}
			return nil
		})
	}
	return a
}

// ReadTracker remembers the files the script read successfully. It wraps
// os.ReadFile and os.Open on top of whatever is already bound.
type ReadTracker struct {
	mu    sync.Mutex
	last  string
	files []string
}

func (r *ReadTracker) Name() string { return "read_tracker" }

// Install implements Installer.
func (r *ReadTracker) Install(b *Bindings, _ *Stack) error {
	r.mu.Lock()
	r.last, r.files = "", nil
	r.mu.Unlock()

	for _, name := range []string{"ReadFile", "Open"} {
		ref := Ref("os", name)
		orig, ok := b.Lookup(ref)
		if !ok {
			continue
		}
		wrapped := reflect.MakeFunc(orig.Type(), func(args []reflect.Value) []reflect.Value {
			out := orig.Call(args)
			if errv := out[len(out)-1]; errv.IsNil() {
				r.record(args[0].String())
			}
			return out
		})
		if err := b.Replace(ref, wrapped, r.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReadTracker) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = name
	r.files = append(r.files, name)
}

// LastRead returns the most recently read file.
func (r *ReadTracker) LastRead() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Files returns every file read, in order.
func (r *ReadTracker) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}
