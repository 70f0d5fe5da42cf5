//go:build linux && arm64

package linker

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/niqiuqiux/soload/logging"
)

const rtldDefault = 0

var hostLog = logging.Component("host")

// hostAPI caches raw function pointers into the host's libc and, when
// present, the compiler runtime. dlsym and dlerror are located by
// offsetting the runtime libc mapping; everything else is resolved
// through dlsym(RTLD_DEFAULT, ...).
type hostAPI struct {
	dlsym   uintptr
	dlerror uintptr

	dlIteratePhdr uintptr
	dladdr        uintptr

	pthreadKeyCreate   uintptr
	pthreadGetspecific uintptr
	pthreadSetspecific uintptr
	posixMemalign      uintptr
	libcFree           uintptr
	getauxval          uintptr

	// Weak-linked frame registration hooks; zero when the compiler
	// runtime does not export them.
	registerFrame   uintptr
	deregisterFrame uintptr

	hwcap  uint64
	hwcap2 uint64
}

var (
	hostOnce sync.Once
	hostVal  hostAPI
	hostErr  error
)

func hostFuncs() (*hostAPI, error) {
	hostOnce.Do(func() {
		hostErr = initHostAPI()
	})
	if hostErr != nil {
		return nil, hostErr
	}
	return &hostVal, nil
}

func initHostAPI() error {
	libcPath, baseAddr, err := findRuntimeLibc()
	if err != nil {
		return err
	}

	dlsymOff, err := findELFSymbolOffset(libcPath, "dlsym")
	if err != nil {
		return fmt.Errorf("resolve libc symbol dlsym: %w", err)
	}
	dlerrorOff, err := findELFSymbolOffset(libcPath, "dlerror")
	if err != nil {
		return fmt.Errorf("resolve libc symbol dlerror: %w", err)
	}
	hostVal.dlsym = baseAddr + dlsymOff
	hostVal.dlerror = baseAddr + dlerrorOff

	required := []struct {
		name string
		dst  *uintptr
	}{
		{"dl_iterate_phdr", &hostVal.dlIteratePhdr},
		{"dladdr", &hostVal.dladdr},
		{"pthread_key_create", &hostVal.pthreadKeyCreate},
		{"pthread_getspecific", &hostVal.pthreadGetspecific},
		{"pthread_setspecific", &hostVal.pthreadSetspecific},
		{"posix_memalign", &hostVal.posixMemalign},
		{"free", &hostVal.libcFree},
		{"getauxval", &hostVal.getauxval},
	}
	for _, sym := range required {
		addr, err := hostVal.symbolDefault(sym.name)
		if err != nil {
			return fmt.Errorf("resolve host symbol %s: %w", sym.name, err)
		}
		*sym.dst = addr
	}

	// Optional unwinder hooks.
	hostVal.registerFrame, _ = hostVal.symbolDefault("__register_frame")
	hostVal.deregisterFrame, _ = hostVal.symbolDefault("__deregister_frame")
	if hostVal.registerFrame == 0 {
		hostLog.Debug("__register_frame not exported; eh_frame registration disabled")
	}

	hostVal.hwcap = uint64(cCall1(hostVal.getauxval, uintptr(auxvHwcap)))
	hostVal.hwcap2 = uint64(cCall1(hostVal.getauxval, uintptr(auxvHwcap2)))
	return nil
}

// symbolDefault resolves name through the host's dlsym with the
// RTLD_DEFAULT pseudo-handle.
func (api *hostAPI) symbolDefault(name string) (uintptr, error) {
	cName, err := cStringBytes(name)
	if err != nil {
		return 0, err
	}

	// clear stale dlerror
	_ = cCall0(api.dlerror)
	addr := cCall2(api.dlsym, rtldDefault, cStringPtr(cName))
	runtime.KeepAlive(cName)
	if addr == 0 {
		if msg := cStringFromPtr(cCall0(api.dlerror)); msg != "" {
			return 0, errors.New(msg)
		}
		return 0, fmt.Errorf("symbol %s not found", name)
	}
	return addr, nil
}

type procMapEntry struct {
	start  uintptr
	offset uintptr
	perms  string
	path   string
}

func findRuntimeLibc() (string, uintptr, error) {
	entries, err := readProcMaps()
	if err != nil {
		return "", 0, err
	}

	bestScore := -1
	var best procMapEntry
	for _, entry := range entries {
		score := libcPathScore(entry.path)
		if score > bestScore {
			bestScore = score
			best = entry
		}
	}
	if bestScore < 0 || best.path == "" {
		return "", 0, errors.New("failed to locate runtime libc mapping")
	}
	if best.start < best.offset {
		return "", 0, fmt.Errorf("invalid libc mapping base for %s", best.path)
	}
	return best.path, best.start - best.offset, nil
}

func libcPathScore(path string) int {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "libc.so"):
		return 100
	case strings.Contains(p, "libc-"):
		return 95
	case strings.Contains(p, "ld-musl"):
		return 90
	case strings.Contains(p, "musl"):
		return 85
	case strings.Contains(p, "ld-linux"):
		return 80
	default:
		return -1
	}
}

func readProcMaps() ([]procMapEntry, error) {
	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/maps: %w", err)
	}

	lines := strings.Split(string(raw), "\n")
	entries := make([]procMapEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := parseHexUintptr(rangeParts[0])
		offset, offsetErr := parseHexUintptr(fields[2])
		if startErr != nil || offsetErr != nil {
			continue
		}

		path := ""
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
			path = strings.TrimSuffix(path, " (deleted)")
		}
		if path == "" || !strings.HasPrefix(path, "/") {
			continue
		}

		entries = append(entries, procMapEntry{
			start:  start,
			offset: offset,
			perms:  fields[1],
			path:   path,
		})
	}
	return entries, nil
}

// findMappedLibrary locates an already-loaded library whose mapping path
// contains want. The returned base is the mapping's load bias
// (start − file offset of its first executable mapping).
func findMappedLibrary(want string) (string, uintptr, bool) {
	entries, err := readProcMaps()
	if err != nil {
		return "", 0, false
	}
	for _, entry := range entries {
		if !strings.Contains(entry.perms, "x") {
			continue
		}
		if !strings.Contains(entry.path, want) {
			continue
		}
		if entry.start < entry.offset {
			continue
		}
		return entry.path, entry.start - entry.offset, true
	}
	return "", 0, false
}

func parseHexUintptr(s string) (uintptr, error) {
	var out uintptr
	if s == "" {
		return 0, errors.New("empty hex string")
	}
	for _, r := range s {
		out <<= 4
		switch {
		case r >= '0' && r <= '9':
			out += uintptr(r - '0')
		case r >= 'a' && r <= 'f':
			out += uintptr(r-'a') + 10
		case r >= 'A' && r <= 'F':
			out += uintptr(r-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex string %q", s)
		}
	}
	return out, nil
}

func findELFSymbolOffset(path string, symbol string) (uintptr, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	if syms, err := f.DynamicSymbols(); err == nil {
		if off, ok := matchSymbolOffset(syms, symbol); ok {
			return off, nil
		}
	}
	if syms, err := f.Symbols(); err == nil {
		if off, ok := matchSymbolOffset(syms, symbol); ok {
			return off, nil
		}
	}
	return 0, fmt.Errorf("symbol %s not found in %s", symbol, path)
}

func matchSymbolOffset(symbols []elf.Symbol, want string) (uintptr, bool) {
	for _, s := range symbols {
		if s.Value == 0 {
			continue
		}
		if s.Name == want || strings.HasPrefix(s.Name, want+"@") {
			return uintptr(s.Value), true
		}
	}
	return 0, false
}

func cStringBytes(s string) ([]byte, error) {
	if strings.ContainsRune(s, '\x00') {
		return nil, errors.New("string contains NUL")
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b, nil
}

func cStringPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func cStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	const maxLen = 1 << 20
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		ch := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if ch == 0 {
			return string(buf)
		}
		buf = append(buf, ch)
	}
	return string(buf)
}
