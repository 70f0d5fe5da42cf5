//go:build linux && arm64

// Package soload loads AArch64 ELF shared objects into the running
// process without the host dynamic loader: it maps segments, resolves
// dependencies, applies relocations, wires thread-local storage and
// unwind tables, and runs constructors.
package soload

import (
	"fmt"
	"os"
	"sync"

	"github.com/niqiuqiux/soload/linker"
)

// Re-exported sentinel errors.
var (
	ErrAlreadyLoaded = linker.ErrAlreadyLoaded
	ErrNotLoaded     = linker.ErrNotLoaded
	ErrNotFound      = linker.ErrNotFound
)

// Loader binds to one shared object at a time. Load/Unload/Abandon
// serialize on the internal lock; Symbol takes a read lock.
type Loader struct {
	mu     sync.RWMutex
	linker linker.Linker
	path   string
	loaded bool
}

// SetProcessArgs supplies the (argc, argv, envp) vectors forwarded to
// init-array functions. Call it once before the first Load.
func SetProcessArgs(args, environ []string) {
	linker.SetProcessArgs(args, environ)
}

// Load maps and links the shared object at path.
func (l *Loader) Load(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, l.path)
	}

	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrNotFound, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s is not readable", ErrNotFound, path)
	}
	_ = f.Close()

	base, size, err := linker.MapLibrary(path)
	if err != nil {
		return err
	}

	img, err := linker.NewImage(path, base)
	if err != nil {
		linker.UnmapRange(base, size)
		return err
	}

	l.linker.Init(img, size)
	if err := l.linker.Link(); err != nil {
		l.linker.Destroy()
		return fmt.Errorf("link %s: %w", path, err)
	}

	l.path = path
	l.loaded = true
	return nil
}

// Symbol resolves an exported symbol of the loaded object to its
// runtime address.
func (l *Loader) Symbol(name string) (uintptr, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.loaded {
		return 0, ErrNotLoaded
	}
	addr, _, ok := l.linker.MainImage().SymbolAddress(name)
	if !ok {
		return 0, fmt.Errorf("%w: symbol %s", ErrNotFound, name)
	}
	return addr, nil
}

// Call0 resolves name and invokes it with no arguments.
func (l *Loader) Call0(name string) (uintptr, error) {
	addr, err := l.Symbol(name)
	if err != nil {
		return 0, err
	}
	return linker.Call0(addr), nil
}

// Call2 resolves name and invokes it with two integer arguments.
func (l *Loader) Call2(name string, a0, a1 uintptr) (uintptr, error) {
	addr, err := l.Symbol(name)
	if err != nil {
		return 0, err
	}
	return linker.Call2(addr, a0, a1), nil
}

// Unload runs finalizers and releases every mapping.
func (l *Loader) Unload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return ErrNotLoaded
	}
	l.linker.Destroy()
	l.path = ""
	l.loaded = false
	return nil
}

// Abandon drops the loader's references without running finalizers or
// unmapping; previously resolved pointers stay valid.
func (l *Loader) Abandon() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return ErrNotLoaded
	}
	l.linker.Abandon()
	l.path = ""
	l.loaded = false
	return nil
}

// Path returns the loaded object's path, or "".
func (l *Loader) Path() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// IsLoaded reports whether a library is currently bound.
func (l *Loader) IsLoaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// DependencyCount reports how many DT_NEEDED images the last link
// pulled in.
func (l *Loader) DependencyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.loaded {
		return 0
	}
	return l.linker.DependencyCount()
}
