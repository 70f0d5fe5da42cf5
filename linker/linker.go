//go:build linux && arm64

package linker

import (
	"debug/elf"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/xyproto/env/v2"
	"golang.org/x/sys/unix"

	"github.com/niqiuqiux/soload/logging"
)

var (
	linkLog  = logging.Component("linker")
	relocLog = logging.Component("reloc")
)

// Ordered platform library directories searched for DT_NEEDED names.
var defaultSearchPaths = []string{
	"/apex/com.android.runtime/lib64/bionic/",
	"/apex/com.android.runtime/lib64/",
	"/apex/com.android.art/lib64/",
	"/system/lib64/",
	"/system/lib64/vndk/",
	"/system/lib64/vndk-sp/",
	"/vendor/lib64/",
	"/vendor/lib64/vndk/",
	"/vendor/lib64/vndk-sp/",
	"/odm/lib64/",
	"/product/lib64/",
	"/system_ext/lib64/",
}

// Process vectors forwarded to init-array functions. The byte and
// pointer slices pin the C vectors for the lifetime of the process.
var (
	procMu      sync.Mutex
	procArgc    uintptr
	procArgv    uintptr
	procEnvp    uintptr
	procArgPin  [][]byte
	procVecPin  [][]uintptr
)

// SetProcessArgs builds the (argc, argv, envp) vectors handed verbatim
// to DT_INIT_ARRAY functions. Call it once before linking.
func SetProcessArgs(args, environ []string) {
	procMu.Lock()
	defer procMu.Unlock()

	build := func(items []string) uintptr {
		vec := make([]uintptr, len(items)+1)
		for i, s := range items {
			b, err := cStringBytes(s)
			if err != nil {
				b = []byte{0}
			}
			procArgPin = append(procArgPin, b)
			vec[i] = cStringPtr(b)
		}
		procVecPin = append(procVecPin, vec)
		return uintptr(unsafe.Pointer(&vec[0]))
	}

	procArgc = uintptr(len(args))
	procArgv = build(args)
	procEnvp = build(environ)
}

// LoadedDep is one resolved DT_NEEDED dependency.
type LoadedDep struct {
	image        *Image
	isManualLoad bool
	mapBase      uintptr
	mapSize      uintptr
}

func (d *LoadedDep) Image() *Image      { return d.image }
func (d *LoadedDep) IsManualLoad() bool { return d.isManualLoad }

// symbolLookup is the result of a cross-image resolution.
type symbolLookup struct {
	address uintptr
	image   *Image
	bind    uint8
	valid   bool
}

func (s symbolLookup) isWeak() bool {
	return s.bind == uint8(elf.STB_WEAK)
}

type cacheEntry struct {
	address uintptr
	image   *Image
	found   bool
}

// Linker orchestrates one load: dependencies, TLS registration,
// relocations, protections, unwind registration, and constructors. It
// must not be re-entered while a link is in progress.
type Linker struct {
	mainImage   *Image
	mainMapSize uintptr
	deps        []LoadedDep
	isLinked    bool

	cacheMu     sync.Mutex
	symbolCache map[string]cacheEntry

	// TLSDESC descriptors handed out to loaded code; kept reachable
	// until teardown.
	tlsIndices []*TlsIndex
}

// Init binds the linker to its main image. The caller passes the size
// of the reservation it mapped, or zero for adopted images.
func (l *Linker) Init(img *Image, mapSize uintptr) {
	l.mainImage = img
	l.mainMapSize = mapSize
	l.isLinked = false
	l.deps = nil
	l.symbolCache = make(map[string]cacheEntry)
}

func (l *Linker) MainImage() *Image    { return l.mainImage }
func (l *Linker) IsLinked() bool       { return l.isLinked }
func (l *Linker) DependencyCount() int { return len(l.deps) }

// ClearSymbolCache drops all cached resolutions, including negative
// entries.
func (l *Linker) ClearSymbolCache() {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	l.symbolCache = make(map[string]cacheEntry)
}

// Link runs the full seven-stage link.
func (l *Linker) Link() error {
	if l.mainImage == nil {
		return ErrNotLoaded
	}

	if err := l.loadDependencies(); err != nil {
		return fmt.Errorf("load dependencies: %w", err)
	}

	if err := TLS().RegisterSegment(l.mainImage); err != nil {
		return err
	}
	for i := range l.deps {
		if err := TLS().RegisterSegment(l.deps[i].image); err != nil {
			return err
		}
	}
	TLS().BumpGeneration()

	l.makeWritable(l.mainImage)
	for i := range l.deps {
		if l.deps[i].isManualLoad {
			l.makeWritable(l.deps[i].image)
		}
	}

	l.processRelocations(l.mainImage)
	for i := range l.deps {
		if l.deps[i].isManualLoad {
			l.processRelocations(l.deps[i].image)
		}
	}

	l.restoreProtections(l.mainImage)
	for i := range l.deps {
		if l.deps[i].isManualLoad {
			l.restoreProtections(l.deps[i].image)
		}
	}

	if err := Backtrace().Register(l.mainImage); err != nil {
		linkLog.Warnf("%v", err)
	}
	Backtrace().RegisterEhFrame(l.mainImage)
	for i := range l.deps {
		if !l.deps[i].isManualLoad {
			continue
		}
		if err := Backtrace().Register(l.deps[i].image); err != nil {
			linkLog.Warnf("%v", err)
		}
		Backtrace().RegisterEhFrame(l.deps[i].image)
	}

	for i := range l.deps {
		if l.deps[i].isManualLoad {
			l.callConstructors(l.deps[i].image)
		}
	}
	l.callConstructors(l.mainImage)

	l.isLinked = true
	return nil
}

// Destroy tears the link down: finalizers for main then dependencies in
// reverse registration order, TLS and backtrace deregistration, and
// every manual mapping unmapped.
func (l *Linker) Destroy() {
	if l.mainImage != nil && l.isLinked {
		l.callDestructors(l.mainImage)
		Backtrace().UnregisterEhFrame(l.mainImage)
		Backtrace().Unregister(l.mainImage)
	}

	for i := len(l.deps) - 1; i >= 0; i-- {
		dep := &l.deps[i]
		if dep.image != nil && dep.isManualLoad {
			l.callDestructors(dep.image)
			Backtrace().UnregisterEhFrame(dep.image)
			Backtrace().Unregister(dep.image)
		}
	}

	l.tlsIndices = nil

	for i := len(l.deps) - 1; i >= 0; i-- {
		if l.deps[i].image != nil {
			TLS().UnregisterSegment(l.deps[i].image)
		}
	}
	if l.mainImage != nil {
		TLS().UnregisterSegment(l.mainImage)
	}

	for i := range l.deps {
		dep := &l.deps[i]
		if dep.isManualLoad && dep.mapSize > 0 {
			_ = unix.MunmapPtr(ptrFromUintptr(dep.mapBase), dep.mapSize)
		}
	}
	l.deps = nil

	if l.mainMapSize > 0 && l.mainImage != nil {
		_ = unix.MunmapPtr(ptrFromUintptr(l.mainImage.Base()), l.mainMapSize)
	}
	l.mainImage = nil
	l.isLinked = false
	l.mainMapSize = 0
}

// Abandon drops all bookkeeping without running finalizers or
// unmapping anything; the images stay resident for code pointers that
// already escaped.
func (l *Linker) Abandon() {
	for i := range l.deps {
		dep := &l.deps[i]
		if dep.image != nil && dep.isManualLoad {
			Backtrace().UnregisterEhFrame(dep.image)
			Backtrace().Unregister(dep.image)
		}
	}
	if l.mainImage != nil && l.isLinked {
		Backtrace().UnregisterEhFrame(l.mainImage)
		Backtrace().Unregister(l.mainImage)
	}

	l.tlsIndices = nil

	for i := len(l.deps) - 1; i >= 0; i-- {
		if l.deps[i].image != nil {
			TLS().UnregisterSegment(l.deps[i].image)
		}
	}
	if l.mainImage != nil {
		TLS().UnregisterSegment(l.mainImage)
	}

	l.deps = nil
	l.mainImage = nil
	l.isLinked = false
	l.mainMapSize = 0
}

func searchPaths() []string {
	paths := defaultSearchPaths
	if extra := env.Str("SOLOAD_LIBRARY_PATH"); extra != "" {
		var out []string
		for _, p := range strings.Split(extra, ":") {
			if p == "" {
				continue
			}
			if !strings.HasSuffix(p, "/") {
				p += "/"
			}
			out = append(out, p)
		}
		paths = append(out, paths...)
	}
	return paths
}

func fileExists(path string) bool {
	return unix.Access(path, unix.F_OK) == nil
}

// findLibraryPath resolves a DT_NEEDED name: absolute paths are taken
// literally, everything else is searched in the platform directories.
func (l *Linker) findLibraryPath(name string) (string, bool) {
	if strings.HasPrefix(name, "/") {
		if fileExists(name) {
			return name, true
		}
		linkLog.Errorf("library not found at absolute path: %s", name)
		return "", false
	}

	// libc++ moved into the runtime APEX on Android 10+.
	if name == "libc++.so" {
		for _, p := range []string{
			"/apex/com.android.runtime/lib64/libc++.so",
			"/system/lib64/libc++.so",
		} {
			if fileExists(p) {
				return p, true
			}
		}
	}

	for _, dir := range searchPaths() {
		candidate := dir + name
		if fileExists(candidate) {
			linkLog.Debugf("found library: %s", candidate)
			return candidate, true
		}
	}
	linkLog.Errorf("library not found: %s", name)
	return "", false
}

func (l *Linker) isLoadedPath(path string) bool {
	if l.mainImage != nil && l.mainImage.Path() == path {
		return true
	}
	for i := range l.deps {
		if l.deps[i].image != nil && l.deps[i].image.Path() == path {
			return true
		}
	}
	return false
}

// loadDependencies walks the DT_NEEDED closure: each unique name is
// resolved to a path, adopted from the host when already mapped, and
// mapped manually otherwise. Manual loads contribute their own needed
// list; cycles are broken by the visited set.
func (l *Linker) loadDependencies() error {
	visited := make(map[string]bool)
	var toLoad []string
	for _, name := range l.mainImage.NeededLibraries() {
		if !visited[name] {
			visited[name] = true
			toLoad = append(toLoad, name)
		}
	}

	for i := 0; i < len(toLoad); i++ {
		name := toLoad[i]
		path, ok := l.findLibraryPath(name)
		if !ok {
			linkLog.Warnf("skipping missing library: %s", name)
			continue
		}
		if l.isLoadedPath(path) {
			continue
		}

		var dep LoadedDep
		if img, err := NewImage(path, 0); err == nil {
			dep.image = img
			dep.isManualLoad = false
		} else {
			base, size, err := MapLibrary(path)
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			img, err := NewImage(path, base)
			if err != nil {
				_ = unix.MunmapPtr(ptrFromUintptr(base), size)
				return fmt.Errorf("parse %s: %w", path, err)
			}
			dep.image = img
			dep.isManualLoad = true
			dep.mapBase = base
			dep.mapSize = size
		}

		if dep.isManualLoad {
			for _, needed := range dep.image.NeededLibraries() {
				if !visited[needed] {
					visited[needed] = true
					toLoad = append(toLoad, needed)
				}
			}
		}
		l.deps = append(l.deps, dep)
	}
	return nil
}

// findSymbolCached consults the per-link cache (negative results
// included) before running a full resolution.
func (l *Linker) findSymbolCached(name string) symbolLookup {
	l.cacheMu.Lock()
	if entry, ok := l.symbolCache[name]; ok {
		l.cacheMu.Unlock()
		if entry.found {
			return symbolLookup{
				address: entry.address,
				image:   entry.image,
				bind:    uint8(elf.STB_GLOBAL),
				valid:   true,
			}
		}
		return symbolLookup{}
	}
	l.cacheMu.Unlock()

	result := l.findSymbol(name)

	l.cacheMu.Lock()
	l.symbolCache[name] = cacheEntry{
		address: result.address,
		image:   result.image,
		found:   result.valid,
	}
	l.cacheMu.Unlock()
	return result
}

// findSymbol resolves name across the main image, each dependency in
// registration order, and finally the host's default resolver. A
// GLOBAL hit wins immediately; the first WEAK hit is kept as the
// fallback.
func (l *Linker) findSymbol(name string) symbolLookup {
	var weak symbolLookup

	consider := func(img *Image) (symbolLookup, bool) {
		addr, bind, ok := img.SymbolAddress(name)
		if !ok {
			return symbolLookup{}, false
		}
		result := symbolLookup{address: addr, image: img, bind: bind, valid: true}
		if bind == uint8(elf.STB_GLOBAL) {
			return result, true
		}
		if result.isWeak() && !weak.valid {
			weak = result
		}
		return result, false
	}

	if l.mainImage != nil {
		if result, done := consider(l.mainImage); done {
			return result
		}
	}
	for i := range l.deps {
		if l.deps[i].image == nil {
			continue
		}
		if result, done := consider(l.deps[i].image); done {
			return result
		}
	}

	if weak.valid {
		linkLog.Debugf("using weak symbol for %q", name)
		return weak
	}

	if api, err := hostFuncs(); err == nil {
		if addr, err := api.symbolDefault(name); err == nil {
			linkLog.Debugf("found symbol %q in host libraries", name)
			return symbolLookup{address: addr, bind: uint8(elf.STB_GLOBAL), valid: true}
		}
	}

	linkLog.Errorf("symbol not found: %s", name)
	return symbolLookup{}
}

// makeWritable opens every non-writable PT_LOAD for patching so
// relocations can land in read-only GOT/PLT pages.
func (l *Linker) makeWritable(img *Image) {
	phdrs := img.phdrs()
	for i := range phdrs {
		ph := &phdrs[i]
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		if ph.Flags&uint32(elf.PF_W) != 0 {
			continue
		}

		start := pageStart(img.runtimeAddr(ph.Vaddr))
		length := pageEnd(uintptr(ph.Vaddr+ph.Memsz)) - pageStart(uintptr(ph.Vaddr))

		prot := unix.PROT_READ | unix.PROT_WRITE
		if ph.Flags&uint32(elf.PF_X) != 0 {
			prot |= unix.PROT_EXEC
		}
		if err := unix.Mprotect(memSlice(start, length), prot); err != nil {
			linkLog.Errorf("mprotect writable 0x%x: %v", start, err)
		}
	}
}

// restoreProtections recomputes per-page protection as the OR of every
// segment touching the page and applies it page by page, flushing the
// instruction cache for pages that end up executable.
func (l *Linker) restoreProtections(img *Image) {
	phdrs := img.phdrs()

	minAddr := ^uintptr(0)
	maxAddr := uintptr(0)
	for i := range phdrs {
		ph := &phdrs[i]
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		start := img.runtimeAddr(ph.Vaddr)
		end := start + uintptr(ph.Memsz)
		if start < minAddr {
			minAddr = start
		}
		if end > maxAddr {
			maxAddr = end
		}
	}
	if minAddr >= maxAddr {
		return
	}

	startPage := pageStart(minAddr)
	endPage := pageEnd(maxAddr)
	ps := pageSize()
	numPages := (endPage - startPage) / ps
	if numPages == 0 {
		return
	}

	pageProts := make([]int, numPages)
	for i := range phdrs {
		ph := &phdrs[i]
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		prot := protFromFlags(ph.Flags)
		segStart := img.runtimeAddr(ph.Vaddr)
		segEnd := segStart + uintptr(ph.Memsz)
		for page := pageStart(segStart); page < pageEnd(segEnd); page += ps {
			if idx := (page - startPage) / ps; idx < numPages {
				pageProts[idx] |= prot
			}
		}
	}

	for i := uintptr(0); i < numPages; i++ {
		prot := pageProts[i]
		if prot == 0 {
			continue
		}
		page := startPage + i*ps
		if err := unix.Mprotect(memSlice(page, ps), prot); err != nil {
			linkLog.Errorf("mprotect restore 0x%x: %v", page, err)
			continue
		}
		if prot&unix.PROT_EXEC != 0 {
			flushInstructionCache(page, ps)
		}
	}
}

var (
	clearCacheOnce sync.Once
	clearCacheFn   uintptr
)

// flushInstructionCache invalidates the icache for freshly executable
// pages through the compiler runtime's __clear_cache.
func flushInstructionCache(addr, length uintptr) {
	clearCacheOnce.Do(func() {
		if api, err := hostFuncs(); err == nil {
			clearCacheFn, _ = api.symbolDefault("__clear_cache")
		}
	})
	if clearCacheFn != 0 {
		cCall2(clearCacheFn, addr, addr+length)
	}
}

func (l *Linker) callConstructors(img *Image) {
	procMu.Lock()
	argc, argv, envp := procArgc, procArgv, procEnvp
	procMu.Unlock()

	if img.initFunc != 0 {
		linkLog.Debugf("calling .init for %s", img.Path())
		cCall0(img.initFunc)
	}
	if img.initArray != 0 {
		linkLog.Debugf("calling .init_array for %s", img.Path())
		for i := uintptr(0); i < img.initArrayCount; i++ {
			fn := uintptr(readWord(img.initArray + i*wordSize))
			cCall3(fn, argc, argv, envp)
		}
	}
}

func (l *Linker) callDestructors(img *Image) {
	if img.finiArray != 0 {
		for i := img.finiArrayCount; i > 0; i-- {
			fn := uintptr(readWord(img.finiArray + (i-1)*wordSize))
			cCall0(fn)
		}
	}
	if img.finiFunc != 0 {
		cCall0(img.finiFunc)
	}
}
