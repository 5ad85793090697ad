// Package guard implements the policy layer placed around a script run.
//
// Scripts only ever see the symbols held in a Bindings table. Guards are
// ordinary values consulted at explicit hook points (file open, import,
// call) or installed as substitutions of individual symbols. A Stack
// installs guards in order and restores every substituted binding, in
// reverse order, when released.
package guard

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"sort"
	"sync"
)

// ErrBusy is returned when a guarded run is already in progress on the
// same bindings. Guards mutate the shared table, so runs never interleave.
var ErrBusy = errors.New("another guarded run is in progress")

// ErrNoSymbol is returned when a guard targets a symbol the table lacks.
var ErrNoSymbol = errors.New("symbol not exported to scripts")

// Exports is the interpreter symbol table layout: "importpath/pkgname" ->
// symbol name -> value.
type Exports map[string]map[string]reflect.Value

// SymbolRef names one exported symbol by import path.
type SymbolRef struct {
	Package string `json:"package" yaml:"package"`
	Name    string `json:"name" yaml:"name"`
}

// Ref builds a SymbolRef.
func Ref(pkg, name string) SymbolRef { return SymbolRef{Package: pkg, Name: name} }

func (r SymbolRef) String() string { return r.Package + "." + r.Name }

// Substitution describes a live replacement made by a guard.
type Substitution struct {
	Ref   SymbolRef
	Guard string
}

type replacement struct {
	ref   SymbolRef
	guard string
	prev  reflect.Value
}

// Bindings is the process-wide table of symbols visible to scripts.
type Bindings struct {
	run sync.Mutex

	mu    sync.RWMutex
	table Exports
	keys  map[string]string // import path -> table key
	undo  []replacement
}

// NewBindings copies exports into a fresh table.
func NewBindings(exports Exports) *Bindings {
	b := &Bindings{
		table: make(Exports, len(exports)),
		keys:  make(map[string]string, len(exports)),
	}
	for key, syms := range exports {
		inner := make(map[string]reflect.Value, len(syms))
		for name, v := range syms {
			inner[name] = v
		}
		b.table[key] = inner
		b.keys[path.Dir(key)] = key
	}
	return b
}

// Acquire takes exclusive use of the table for one guarded run.
func (b *Bindings) Acquire() (release func(), err error) {
	if !b.run.TryLock() {
		return nil, ErrBusy
	}
	var once sync.Once
	return func() { once.Do(b.run.Unlock) }, nil
}

// Packages returns the sorted import paths present in the table.
func (b *Bindings) Packages() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.keys))
	for p := range b.keys {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Has reports whether scripts can import pkg.
func (b *Bindings) Has(pkg string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.keys[pkg]
	return ok
}

// Lookup returns the current binding of ref.
func (b *Bindings) Lookup(ref SymbolRef) (reflect.Value, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	key, ok := b.keys[ref.Package]
	if !ok {
		return reflect.Value{}, false
	}
	v, ok := b.table[key][ref.Name]
	return v, ok
}

// Set binds ref unconditionally. It is used while assembling the base
// table, never by guards.
func (b *Bindings) Set(ref SymbolRef, v reflect.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.keys[ref.Package]
	if !ok {
		key = ref.Package + "/" + path.Base(ref.Package)
		b.keys[ref.Package] = key
		b.table[key] = map[string]reflect.Value{}
	}
	b.table[key][ref.Name] = v
}

// Replace substitutes ref on behalf of guard and remembers the previous
// binding so it can be restored.
func (b *Bindings) Replace(ref SymbolRef, v reflect.Value, guard string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.keys[ref.Package]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSymbol, ref)
	}
	prev, ok := b.table[key][ref.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSymbol, ref)
	}
	b.undo = append(b.undo, replacement{ref: ref, guard: guard, prev: prev})
	b.table[key][ref.Name] = v
	return nil
}

// mark returns the current depth of the undo log.
func (b *Bindings) mark() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.undo)
}

// restoreTo undoes replacements, newest first, down to depth m.
func (b *Bindings) restoreTo(m int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.undo) > m {
		r := b.undo[len(b.undo)-1]
		b.undo = b.undo[:len(b.undo)-1]
		b.table[b.keys[r.ref.Package]][r.ref.Name] = r.prev
	}
}

// Original returns the binding ref had before any live substitution.
func (b *Bindings) Original(ref SymbolRef) (reflect.Value, bool) {
	b.mu.RLock()
	for _, r := range b.undo {
		if r.ref == ref {
			b.mu.RUnlock()
			return r.prev, true
		}
	}
	b.mu.RUnlock()
	return b.Lookup(ref)
}

// Replaced enumerates the live substitutions in installation order.
func (b *Bindings) Replaced() []Substitution {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Substitution, len(b.undo))
	for i, r := range b.undo {
		out[i] = Substitution{Ref: r.ref, Guard: r.guard}
	}
	return out
}

// Snapshot copies the table for handing to an interpreter.
func (b *Bindings) Snapshot() Exports {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(Exports, len(b.table))
	for key, syms := range b.table {
		inner := make(map[string]reflect.Value, len(syms))
		for name, v := range syms {
			inner[name] = v
		}
		out[key] = inner
	}
	return out
}

// wrapFunc returns a function of the same type as orig that runs before and
// then delegates to orig. A non-nil error from before is raised as a panic
// inside the script.
func wrapFunc(orig reflect.Value, before func(args []reflect.Value) error) reflect.Value {
	t := orig.Type()
	return reflect.MakeFunc(t, func(args []reflect.Value) []reflect.Value {
		if err := before(args); err != nil {
			panic(err)
		}
		if t.IsVariadic() {
			return orig.CallSlice(args)
		}
		return orig.Call(args)
	})
}
