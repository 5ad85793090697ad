package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/traefik/yaegi/stdlib"

	"scriptloop/internal/logging"
)

// DefaultPackages is the standard library surface offered to scripts when
// the configuration names none.
var DefaultPackages = []string{
	"bufio",
	"bytes",
	"encoding/csv",
	"encoding/json",
	"errors",
	"fmt",
	"io",
	"math",
	"math/rand",
	"os",
	"path/filepath",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"text/tabwriter",
	"time",
	"unicode",
}

// ErrInactive is returned by the file shims when no run is in progress.
var ErrInactive = errors.New("sandbox has no active run")

// ErrHostPackage is returned when a package would give scripts a way to the
// host that no guard can observe.
var ErrHostPackage = errors.New("package reaches the host outside the sandbox")

// hostPackages are never offered to scripts.
var hostPackages = map[string]string{
	"html/template": "template parsing reads host files",
	"os/exec":       "starts host processes",
	"os/user":       "reads host account data",
	"plugin":        "loads host code",
	"syscall":       "makes raw system calls",
	"text/template": "template parsing reads host files",
}

// osKept is everything scripts may use from os besides the file shims.
// The table is an allow-list: any os symbol not named here or shimmed is
// left unbound.
var osKept = map[string]bool{
	"DevNull": true, "ErrClosed": true, "ErrDeadlineExceeded": true, "ErrExist": true,
	"ErrInvalid": true, "ErrNoDeadline": true, "ErrNotExist": true, "ErrPermission": true,
	"IsExist": true, "IsNotExist": true, "IsPathSeparator": true, "IsPermission": true,
	"IsTimeout": true, "ModeAppend": true, "ModeCharDevice": true, "ModeDevice": true,
	"ModeDir": true, "ModeExclusive": true, "ModeIrregular": true, "ModeNamedPipe": true,
	"ModePerm": true, "ModeSetgid": true, "ModeSetuid": true, "ModeSocket": true,
	"ModeSticky": true, "ModeSymlink": true, "ModeTemporary": true, "ModeType": true,
	"O_APPEND": true, "O_CREATE": true, "O_EXCL": true, "O_RDONLY": true, "O_RDWR": true,
	"O_SYNC": true, "O_TRUNC": true, "O_WRONLY": true, "PathListSeparator": true,
	"PathSeparator": true, "SEEK_CUR": true, "SEEK_END": true, "SEEK_SET": true,
	"Stderr": true, "Stdin": true, "Stdout": true,
	"DirEntry": true, "File": true, "FileInfo": true, "FileMode": true,
	"LinkError": true, "PathError": true, "SyscallError": true,
}

// hostFS lists file system entry points outside os. They would bypass the
// shims, so they are dropped from the table.
var hostFS = map[string][]string{
	"archive/zip":   {"OpenReader"},
	"io/ioutil":     {"ReadDir", "ReadFile", "TempDir", "TempFile", "WriteFile"},
	"path/filepath": {"Abs", "EvalSymlinks", "Glob", "Walk", "WalkDir"},
}

type runState struct {
	root  string
	stack *Stack
}

// Sandbox owns the Bindings handed to every script and the file system
// shims that route the script's file access through the guard hooks.
type Sandbox struct {
	bindings *Bindings

	mu     sync.Mutex
	active *runState
}

// NewSandbox builds a sandbox exposing the given standard library
// packages. Unknown package paths are an error.
func NewSandbox(packages []string) (*Sandbox, error) {
	if len(packages) == 0 {
		packages = DefaultPackages
	}
	available := make(map[string]string, len(stdlib.Symbols))
	for key := range stdlib.Symbols {
		available[pkgPath(key)] = key
	}
	exports := make(Exports, len(packages))
	var missing []string
	for _, p := range packages {
		if reason, ok := hostPackages[p]; ok {
			return nil, fmt.Errorf("%w: %s %s", ErrHostPackage, p, reason)
		}
		key, ok := available[p]
		if !ok {
			missing = append(missing, p)
			continue
		}
		exports[key] = stdlib.Symbols[key]
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrNoSymbol, strings.Join(missing, ", "))
	}
	return NewSandboxFromExports(exports), nil
}

// NewSandboxFromExports builds a sandbox over an explicit symbol table.
// File system access is confined to the shims whatever the table holds.
func NewSandboxFromExports(exports Exports) *Sandbox {
	sb := &Sandbox{bindings: NewBindings(confine(exports))}
	if sb.bindings.Has("os") {
		sb.installFS()
	}
	return sb
}

// confine copies exports without the symbols that touch the host file
// system directly.
func confine(exports Exports) Exports {
	out := make(Exports, len(exports))
	for key, syms := range exports {
		pkg := pkgPath(key)
		inner := make(map[string]reflect.Value, len(syms))
		for name, v := range syms {
			if pkg == "os" && !osKept[name] {
				continue
			}
			inner[name] = v
		}
		for _, name := range hostFS[pkg] {
			delete(inner, name)
		}
		out[key] = inner
	}
	return out
}

func pkgPath(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[:i]
	}
	return key
}

// Bindings returns the table scripts are run against.
func (sb *Sandbox) Bindings() *Bindings { return sb.bindings }

// Begin starts a guarded run rooted at root: it takes the bindings,
// enters the stack and activates the file shims. end undoes all three and
// must be deferred by the caller.
func (sb *Sandbox) Begin(root string, stack *Stack) (end func(), err error) {
	release, err := sb.bindings.Acquire()
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err == nil {
		absRoot, err = filepath.EvalSymlinks(absRoot)
	}
	if err != nil {
		release()
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	unguard, err := stack.Enter(sb.bindings)
	if err != nil {
		release()
		return nil, err
	}

	sb.mu.Lock()
	sb.active = &runState{root: absRoot, stack: stack}
	sb.mu.Unlock()
	logging.Guard("sandbox run rooted at %s", absRoot)

	var once sync.Once
	return func() {
		once.Do(func() {
			sb.mu.Lock()
			sb.active = nil
			sb.mu.Unlock()
			unguard()
			release()
		})
	}, nil
}

// Exports snapshots the current bindings for a fresh interpreter.
func (sb *Sandbox) Exports() Exports { return sb.bindings.Snapshot() }

// locate maps a script path onto the active root. Symbolic links are
// followed before the containment check, so a link inside the root cannot
// lead outside it. Paths escaping the root are rejected as a violation of
// the given kind.
func (sb *Sandbox) locate(name string, kind ViolationKind) (full, rel string, st *runState, err error) {
	sb.mu.Lock()
	st = sb.active
	sb.mu.Unlock()
	if st == nil {
		return "", "", nil, &fs.PathError{Op: "open", Path: name, Err: ErrInactive}
	}

	escape := func() error {
		return st.stack.Reject(&Violation{
			Kind:     kind,
			Resource: name,
			Guard:    "sandbox",
			Reason:   "path escapes the working directory",
		})
	}
	full = name
	if !filepath.IsAbs(full) {
		full = filepath.Join(st.root, full)
	}
	full = filepath.Clean(full)
	if !within(st.root, full) {
		return "", "", st, escape()
	}
	full, err = resolveLinks(full)
	if err != nil || !within(st.root, full) {
		return "", "", st, escape()
	}
	rel, _ = filepath.Rel(st.root, full)
	return full, filepath.ToSlash(rel), st, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveLinks evaluates the symbolic links in the longest existing prefix
// of p and re-attaches the missing tail. A dangling link is an error: the
// file it would create lies wherever the link points.
func resolveLinks(p string) (string, error) {
	existing, tail := p, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return p, nil
		}
		tail = filepath.Join(filepath.Base(existing), tail)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolved, tail), nil
}

// resolve locates name and runs the file hooks. It returns the host path
// to operate on.
func (sb *Sandbox) resolve(name string, mode Access) (string, error) {
	kind := ViolationFileRead
	if mode&AccessWrite != 0 {
		kind = ViolationFileWrite
	}
	full, rel, st, err := sb.locate(name, kind)
	if err != nil {
		return "", err
	}
	if err := st.stack.FileOpen(rel, mode); err != nil {
		return "", err
	}
	return full, nil
}

// resolveDir keeps a directory operation inside the root without
// consulting the file allow-lists, which name files, not directories.
func (sb *Sandbox) resolveDir(name string) (string, error) {
	full, _, _, err := sb.locate(name, ViolationFileRead)
	return full, err
}

func openMode(flag int) Access {
	switch {
	case flag&os.O_RDWR != 0:
		return AccessRead | AccessWrite
	case flag&(os.O_WRONLY|os.O_CREATE|os.O_APPEND|os.O_TRUNC) != 0:
		return AccessWrite
	}
	return AccessRead
}

// installFS binds the os file functions to shims that resolve paths
// against the active root.
func (sb *Sandbox) installFS() {
	shims := map[string]interface{}{
		"Open": func(name string) (*os.File, error) {
			p, err := sb.resolve(name, AccessRead)
			if err != nil {
				return nil, err
			}
			return os.Open(p)
		},
		"Create": func(name string) (*os.File, error) {
			p, err := sb.resolve(name, AccessWrite)
			if err != nil {
				return nil, err
			}
			return os.Create(p)
		},
		"OpenFile": func(name string, flag int, perm os.FileMode) (*os.File, error) {
			p, err := sb.resolve(name, openMode(flag))
			if err != nil {
				return nil, err
			}
			return os.OpenFile(p, flag, perm)
		},
		"ReadFile": func(name string) ([]byte, error) {
			p, err := sb.resolve(name, AccessRead)
			if err != nil {
				return nil, err
			}
			return os.ReadFile(p)
		},
		"WriteFile": func(name string, data []byte, perm os.FileMode) error {
			p, err := sb.resolve(name, AccessWrite)
			if err != nil {
				return err
			}
			return os.WriteFile(p, data, perm)
		},
		"Remove": func(name string) error {
			p, err := sb.resolve(name, AccessWrite)
			if err != nil {
				return err
			}
			return os.Remove(p)
		},
		"Rename": func(from, to string) error {
			src, err := sb.resolve(from, AccessWrite)
			if err != nil {
				return err
			}
			dst, err := sb.resolve(to, AccessWrite)
			if err != nil {
				return err
			}
			return os.Rename(src, dst)
		},
		"Mkdir": func(name string, perm os.FileMode) error {
			p, err := sb.resolveDir(name)
			if err != nil {
				return err
			}
			return os.Mkdir(p, perm)
		},
		"MkdirAll": func(name string, perm os.FileMode) error {
			p, err := sb.resolveDir(name)
			if err != nil {
				return err
			}
			return os.MkdirAll(p, perm)
		},
		"ReadDir": func(name string) ([]os.DirEntry, error) {
			p, err := sb.resolveDir(name)
			if err != nil {
				return nil, err
			}
			return os.ReadDir(p)
		},
		"Stat": func(name string) (os.FileInfo, error) {
			p, err := sb.resolveDir(name)
			if err != nil {
				return nil, err
			}
			return os.Stat(p)
		},
	}
	for name, fn := range shims {
		sb.bindings.Set(Ref("os", name), reflect.ValueOf(fn))
	}
}
