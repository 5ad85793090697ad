package guard

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExports() Exports {
	return Exports{
		"strings/strings": {
			"Repeat":  reflect.ValueOf(strings.Repeat),
			"ToUpper": reflect.ValueOf(strings.ToUpper),
		},
		"path/filepath/filepath": {
			"Join": reflect.ValueOf(filepath.Join),
		},
	}
}

func pointerOf(t *testing.T, b *Bindings, ref SymbolRef) uintptr {
	t.Helper()
	v, ok := b.Lookup(ref)
	require.True(t, ok, "missing %s", ref)
	return v.Pointer()
}

func TestStack_RestoresAfterNormalReturn(t *testing.T) {
	b := NewBindings(testExports())
	ref := Ref("strings", "Repeat")
	before := pointerOf(t, b, ref)

	s := NewStack(&CallDeny{Symbols: []SymbolRef{ref}})
	release, err := s.Enter(b)
	require.NoError(t, err)
	assert.NotEqual(t, before, pointerOf(t, b, ref))
	assert.Len(t, b.Replaced(), 1)

	release()
	assert.Equal(t, before, pointerOf(t, b, ref))
	assert.Empty(t, b.Replaced())
}

func TestStack_RestoresAfterPanic(t *testing.T) {
	b := NewBindings(testExports())
	ref := Ref("strings", "Repeat")
	before := pointerOf(t, b, ref)
	s := NewStack(&CallDeny{Symbols: []SymbolRef{ref}})

	func() {
		defer func() { _ = recover() }()
		release, err := s.Enter(b)
		require.NoError(t, err)
		defer release()

		v, _ := b.Lookup(ref)
		v.Call([]reflect.Value{reflect.ValueOf("x"), reflect.ValueOf(2)})
		t.Fatal("denied call returned")
	}()

	assert.Equal(t, before, pointerOf(t, b, ref))
	assert.Empty(t, b.Replaced())
	require.Len(t, s.Violations(), 1)
	assert.Equal(t, ViolationCall, s.Violations()[0].Kind)
	assert.Equal(t, "strings.Repeat", s.Violations()[0].Resource)
}

func TestCallDeny_HostCallsUnaffected(t *testing.T) {
	b := NewBindings(testExports())
	s := NewStack(&CallDeny{Symbols: []SymbolRef{Ref("strings", "Repeat")}})
	release, err := s.Enter(b)
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "xx", strings.Repeat("x", 2))
	orig, ok := s.Original(Ref("strings", "Repeat"))
	require.True(t, ok)
	out := orig.Call([]reflect.Value{reflect.ValueOf("ab"), reflect.ValueOf(2)})
	assert.Equal(t, "abab", out[0].String())
}

func TestStack_GuardsStackInOrder(t *testing.T) {
	b := NewBindings(testExports())
	ref := Ref("strings", "ToUpper")
	var calls []string
	first := Intercept("first", ref, func([]reflect.Value) error {
		calls = append(calls, "first")
		return nil
	})
	second := Intercept("second", ref, func([]reflect.Value) error {
		calls = append(calls, "second")
		return nil
	})
	s := NewStack(first, second)
	assert.Equal(t, []string{"first", "second"}, s.Active())

	release, err := s.Enter(b)
	require.NoError(t, err)
	v, _ := b.Lookup(ref)
	out := v.Call([]reflect.Value{reflect.ValueOf("go")})
	release()

	assert.Equal(t, "GO", out[0].String())
	assert.Equal(t, []string{"second", "first"}, calls)

	orig, _ := b.Lookup(ref)
	assert.Equal(t, reflect.ValueOf(strings.ToUpper).Pointer(), orig.Pointer())
}

func TestStack_FailedInstallRestores(t *testing.T) {
	b := NewBindings(testExports())
	ok := &CallDeny{Symbols: []SymbolRef{Ref("strings", "Repeat")}}
	bad := &Attribute{Target: Ref("strings", "Missing"), Wrap: func(v reflect.Value, _ *Stack) reflect.Value { return v }}

	_, err := NewStack(ok, bad).Enter(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoSymbol))
	assert.Empty(t, b.Replaced())
}

func TestStack_DoubleEnter(t *testing.T) {
	b := NewBindings(testExports())
	s := NewStack()
	release, err := s.Enter(b)
	require.NoError(t, err)
	defer release()

	_, err = s.Enter(b)
	assert.Error(t, err)
}

func TestBindings_AcquireIsExclusive(t *testing.T) {
	b := NewBindings(testExports())
	release, err := b.Acquire()
	require.NoError(t, err)

	_, err = b.Acquire()
	assert.ErrorIs(t, err, ErrBusy)

	release()
	release()
	again, err := b.Acquire()
	require.NoError(t, err)
	again()
}

func TestFileAccess(t *testing.T) {
	g := &FileAccess{Readable: []string{"data/*.csv"}, Writable: []string{"*.json"}}

	assert.NoError(t, g.OnFileOpen("data/input.csv", AccessRead))
	assert.NoError(t, g.OnFileOpen("out/result.json", AccessWrite))

	err := g.OnFileOpen("secret.txt", AccessRead)
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, ViolationFileRead, v.Kind)
	assert.Equal(t, "secret.txt", v.Resource)

	err = g.OnFileOpen("data/input.csv", AccessRead|AccessWrite)
	v, ok = AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, ViolationFileWrite, v.Kind)
}

func TestImportDeny(t *testing.T) {
	g := &ImportDeny{Denied: []string{"os/exec", "net"}}

	assert.NoError(t, g.OnImport("os"))
	assert.NoError(t, g.OnImport("network"))
	assert.Error(t, g.OnImport("os/exec"))
	assert.Error(t, g.OnImport("net/http"))
}

func TestSandbox_FileShims(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "input.csv"), []byte("a,b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("x"), 0o644))

	sb, err := NewSandbox([]string{"os", "strings"})
	require.NoError(t, err)
	tracker := &ReadTracker{}
	stack := NewStack(&FileAccess{Readable: []string{"*.csv"}, Writable: []string{"*.json"}}, tracker)

	end, err := sb.Begin(root, stack)
	require.NoError(t, err)

	readFile, ok := sb.Bindings().Lookup(Ref("os", "ReadFile"))
	require.True(t, ok)
	read := readFile.Interface().(func(string) ([]byte, error))
	writeFile, _ := sb.Bindings().Lookup(Ref("os", "WriteFile"))
	write := writeFile.Interface().(func(string, []byte, os.FileMode) error)

	data, err := read("input.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))
	assert.Equal(t, "input.csv", tracker.LastRead())

	_, err = read("secret.txt")
	assert.Error(t, err)
	_, err = read("../outside.csv")
	assert.Error(t, err)
	require.NoError(t, write("result.json", []byte("{}"), 0o644))

	end()
	end()

	assert.FileExists(t, filepath.Join(root, "result.json"))
	kinds := make([]ViolationKind, 0)
	for _, v := range stack.Violations() {
		kinds = append(kinds, v.Kind)
	}
	assert.Equal(t, []ViolationKind{ViolationFileRead, ViolationFileRead}, kinds)
	assert.Empty(t, sb.Bindings().Replaced())

	_, err = read("input.csv")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestSandbox_BeginIsExclusive(t *testing.T) {
	sb, err := NewSandbox([]string{"strings"})
	require.NoError(t, err)
	end, err := sb.Begin(t.TempDir(), NewStack())
	require.NoError(t, err)
	defer end()

	_, err = sb.Begin(t.TempDir(), NewStack())
	assert.ErrorIs(t, err, ErrBusy)
}

func TestNewSandbox_UnknownPackage(t *testing.T) {
	_, err := NewSandbox([]string{"strings", "not/a/package"})
	assert.ErrorIs(t, err, ErrNoSymbol)
}

func TestFileAccess_HiddenDirsNeedExplicitPatterns(t *testing.T) {
	g := &FileAccess{Readable: []string{"*.yaml", "conf/*.yaml"}, Writable: []string{"*.yaml"}}

	assert.NoError(t, g.OnFileOpen("params.yaml", AccessRead))
	assert.NoError(t, g.OnFileOpen("conf/params.yaml", AccessRead))

	_, ok := AsViolation(g.OnFileOpen(".scriptloop/config.yaml", AccessRead))
	assert.True(t, ok)
	_, ok = AsViolation(g.OnFileOpen("data/.cache/config.yaml", AccessWrite))
	assert.True(t, ok)

	explicit := &FileAccess{Readable: []string{".cache/*.yaml"}}
	assert.NoError(t, explicit.OnFileOpen(".cache/params.yaml", AccessRead))
}

func TestNewSandbox_HostFileSystemUnbound(t *testing.T) {
	sb, err := NewSandbox(nil)
	require.NoError(t, err)
	b := sb.Bindings()

	for _, name := range []string{
		"Chmod", "Chtimes", "CopyFS", "CreateTemp", "DirFS", "Exit", "Getenv", "Getwd",
		"Hostname", "Link", "Lstat", "MkdirTemp", "Readlink", "RemoveAll", "Symlink", "Truncate",
	} {
		_, ok := b.Lookup(Ref("os", name))
		assert.False(t, ok, "os.%s is bound", name)
	}
	for _, name := range []string{"Abs", "EvalSymlinks", "Glob", "Walk", "WalkDir"} {
		_, ok := b.Lookup(Ref("path/filepath", name))
		assert.False(t, ok, "filepath.%s is bound", name)
	}
	for _, ref := range []SymbolRef{
		Ref("os", "ReadFile"), Ref("os", "ErrNotExist"), Ref("os", "O_CREATE"),
		Ref("os", "Stdout"), Ref("path/filepath", "Join"),
	} {
		_, ok := b.Lookup(ref)
		assert.True(t, ok, "%s is missing", ref)
	}
}

func TestNewSandbox_RefusesHostPackages(t *testing.T) {
	for _, pkg := range []string{"os/exec", "syscall", "text/template"} {
		_, err := NewSandbox([]string{"fmt", pkg})
		assert.ErrorIs(t, err, ErrHostPackage, pkg)
	}
}

func TestSandbox_SymlinksCannotLeaveRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("TOPSECRET"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.txt"), []byte("inside"), 0o644))
	require.NoError(t, os.Symlink(secret, filepath.Join(root, "x.txt")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "sub")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "new.txt"), filepath.Join(root, "new.txt")))
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "alias.txt")))

	sb, err := NewSandbox([]string{"os"})
	require.NoError(t, err)
	stack := NewStack(&FileAccess{Readable: []string{"*.txt"}, Writable: []string{"*.txt"}})
	end, err := sb.Begin(root, stack)
	require.NoError(t, err)
	defer end()

	readFile, _ := sb.Bindings().Lookup(Ref("os", "ReadFile"))
	read := readFile.Interface().(func(string) ([]byte, error))
	writeFile, _ := sb.Bindings().Lookup(Ref("os", "WriteFile"))
	write := writeFile.Interface().(func(string, []byte, os.FileMode) error)

	_, err = read("x.txt")
	assert.Error(t, err)
	_, err = read("sub/secret.txt")
	assert.Error(t, err)
	assert.Error(t, write("new.txt", []byte("pwned"), 0o644))
	assert.Error(t, write("sub/dropped.txt", []byte("pwned"), 0o644))

	data, err := read("alias.txt")
	require.NoError(t, err)
	assert.Equal(t, "inside", string(data))

	assert.NoFileExists(t, filepath.Join(outside, "new.txt"))
	assert.NoFileExists(t, filepath.Join(outside, "dropped.txt"))
	got, err := os.ReadFile(secret)
	require.NoError(t, err)
	assert.Equal(t, "TOPSECRET", string(got))

	require.Len(t, stack.Violations(), 4)
	for _, v := range stack.Violations() {
		assert.Equal(t, "sandbox", v.Guard)
	}
	assert.Equal(t, "x.txt", stack.Violations()[0].Resource)
}
