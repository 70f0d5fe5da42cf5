//go:build linux && arm64

package soload

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niqiuqiux/soload/linker"
)

var (
	buildOnce sync.Once
	builtSO   string
	buildErr  error
)

// testSharedObject builds testdata/c/libtest.c with zig and caches the
// result; tests skip when no cross compiler is available.
func testSharedObject(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("zig"); err != nil {
		t.Skip("zig not found in PATH")
	}

	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "soload-test-*")
		if err != nil {
			buildErr = err
			return
		}
		out := filepath.Join(dir, "libtest.so")
		cmd := exec.Command("zig", "cc",
			"-target", "aarch64-linux-gnu",
			"-shared", "-fPIC",
			"-O2", "-g0",
			"-o", out,
			filepath.Join("testdata", "c", "libtest.c"),
		)
		cmd.Env = append(
			os.Environ(),
			"ZIG_GLOBAL_CACHE_DIR="+filepath.Join(os.TempDir(), "soload-zig-global-cache"),
			"ZIG_LOCAL_CACHE_DIR="+filepath.Join(os.TempDir(), "soload-zig-local-cache"),
		)
		if outBytes, err := cmd.CombinedOutput(); err != nil {
			buildErr = &buildFailure{err: err, output: string(outBytes)}
			return
		}
		builtSO = out
	})
	if buildErr != nil {
		t.Fatalf("build test shared object: %v", buildErr)
	}
	return builtSO
}

type buildFailure struct {
	err    error
	output string
}

func (b *buildFailure) Error() string {
	return b.err.Error() + "\n" + b.output
}

func init() {
	SetProcessArgs(os.Args, os.Environ())
}

func TestLoadResolveCallUnload(t *testing.T) {
	so := testSharedObject(t)

	var loader Loader
	require.NoError(t, loader.Load(so))
	assert.True(t, loader.IsLoaded())
	assert.Equal(t, so, loader.Path())

	addr, err := loader.Symbol("add")
	require.NoError(t, err)
	assert.NotZero(t, addr)

	ret, err := loader.Call2("add", 10, 20)
	require.NoError(t, err)
	assert.Equal(t, int32(30), int32(uint32(ret)))

	ret, err = loader.Call2("add", uintptr(uint32(0xfffffffb)), 15) // -5 + 15
	require.NoError(t, err)
	assert.Equal(t, int32(10), int32(uint32(ret)))

	require.NoError(t, loader.Unload())
	assert.False(t, loader.IsLoaded())
	assert.Equal(t, "", loader.Path())

	// Round trip: a second load of the same path must behave the same.
	require.NoError(t, loader.Load(so))
	ret, err = loader.Call2("add", 4, 5)
	require.NoError(t, err)
	assert.Equal(t, int32(9), int32(uint32(ret)))
	require.NoError(t, loader.Unload())
}

func TestConstructorRan(t *testing.T) {
	so := testSharedObject(t)

	var loader Loader
	require.NoError(t, loader.Load(so))
	defer func() { _ = loader.Unload() }()

	ret, err := loader.Call0("ctor_ran")
	require.NoError(t, err)
	assert.Equal(t, int32(1), int32(uint32(ret)))
}

func TestBssTailZeroed(t *testing.T) {
	so := testSharedObject(t)

	var loader Loader
	require.NoError(t, loader.Load(so))
	defer func() { _ = loader.Unload() }()

	ret, err := loader.Call0("bss_is_zero")
	require.NoError(t, err)
	assert.Equal(t, int32(1), int32(uint32(ret)))
}

func TestThreadLocalCounters(t *testing.T) {
	so := testSharedObject(t)

	var loader Loader
	require.NoError(t, loader.Load(so))
	defer func() { _ = loader.Unload() }()

	addr, err := loader.Symbol("tls_inc")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]int32, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			for j := 0; j < 3; j++ {
				ret := linker.Call0(addr)
				results[i] = append(results[i], int32(uint32(ret)))
			}
		}(i)
	}
	wg.Wait()

	for i, seq := range results {
		assert.Equalf(t, []int32{1, 2, 3}, seq, "thread %d", i)
	}
}

func TestAbandonKeepsMappingResident(t *testing.T) {
	so := testSharedObject(t)

	var loader Loader
	require.NoError(t, loader.Load(so))

	addr, err := loader.Symbol("add")
	require.NoError(t, err)

	require.NoError(t, loader.Abandon())
	assert.False(t, loader.IsLoaded())

	// The mapping stays resident; a previously resolved pointer still
	// works.
	ret := linker.Call2(addr, 7, 8)
	assert.Equal(t, int32(15), int32(uint32(ret)))

	_, err = loader.Symbol("add")
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestHostLibcSymbolResolution(t *testing.T) {
	so := testSharedObject(t)

	var loader Loader
	require.NoError(t, loader.Load(so))
	defer func() { _ = loader.Unload() }()

	// format_number's sprintf relocation must resolve into the host's
	// libc, not a duplicate mapping.
	addr, err := loader.Symbol("format_number")
	require.NoError(t, err)

	buf := make([]byte, 32)
	ret := linker.Call2(addr, uintptr(unsafe.Pointer(&buf[0])), 42)
	runtime.KeepAlive(buf)
	require.Equal(t, int32(2), int32(uint32(ret)))
	assert.Equal(t, "42", string(buf[:2]))
}

func TestIfuncResolver(t *testing.T) {
	so := testSharedObject(t)

	var loader Loader
	require.NoError(t, loader.Load(so))
	defer func() { _ = loader.Unload() }()

	// The IRELATIVE pass already ran the resolver during link.
	calls, err := loader.Call0("resolver_calls")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int32(uint32(calls)), int32(1))

	ret, err := loader.Call2("ifunc_add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(5), int32(uint32(ret)))
}

func TestLoadTwiceOnSameInstanceFails(t *testing.T) {
	so := testSharedObject(t)

	var loader Loader
	require.NoError(t, loader.Load(so))
	defer func() { _ = loader.Unload() }()

	assert.ErrorIs(t, loader.Load(so), ErrAlreadyLoaded)
}

func TestLoadMissingFile(t *testing.T) {
	var loader Loader
	err := loader.Load(filepath.Join(t.TempDir(), "libmissing.so"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, loader.IsLoaded())
}

func TestSymbolOnUnloadedInstance(t *testing.T) {
	var loader Loader
	_, err := loader.Symbol("anything")
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, loader.Unload(), ErrNotLoaded)
	assert.ErrorIs(t, loader.Abandon(), ErrNotLoaded)
}
