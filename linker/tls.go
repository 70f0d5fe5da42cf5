//go:build linux && arm64

package linker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/niqiuqiux/soload/logging"
)

var tlsLog = logging.Component("tls")

// MaxTLSModules bounds the process-wide TLS registry; module id 0 is
// reserved to mean "no TLS".
const MaxTLSModules = 128

// TlsIndex is the two-word (module, offset) descriptor handed to
// __tls_get_addr and stored in TLSDESC slots. Field order and size
// match the platform ABI.
type TlsIndex struct {
	Module uintptr
	Offset uintptr
}

// TlsModule is one registered PT_TLS segment.
type TlsModule struct {
	moduleID  uintptr
	align     uintptr
	memsz     uintptr
	filesz    uintptr
	offset    uintptr
	initImage uintptr
	owner     *Image
}

// TlsManager is the process-wide TLS registry. Registration serializes
// under mu; per-thread block access goes through pthread
// thread-specific data and takes no lock once the block exists.
type TlsManager struct {
	mu         sync.Mutex
	modules    [MaxTLSModules]TlsModule
	staticSize uintptr
	alignMax   uintptr

	generation atomic.Uint64
	liveBlocks atomic.Int64

	keyOnce sync.Once
	key     uint32
	keyErr  error
}

var (
	tlsOnce sync.Once
	tlsMgr  *TlsManager
)

// TLS returns the process-wide TLS manager.
func TLS() *TlsManager {
	tlsOnce.Do(func() {
		tlsMgr = &TlsManager{alignMax: 1}
	})
	return tlsMgr
}

func (m *TlsManager) ensureKey() error {
	m.keyOnce.Do(func() {
		api, err := hostFuncs()
		if err != nil {
			m.keyErr = err
			return
		}
		rc := cCall2(api.pthreadKeyCreate,
			uintptr(unsafe.Pointer(&m.key)), tlsBlockDtorAddr())
		if rc != 0 {
			m.keyErr = fmt.Errorf("pthread_key_create failed: %d", rc)
		}
	})
	return m.keyErr
}

// RegisterSegment assigns the image's PT_TLS segment the lowest free
// module id and appends it to the static layout. Images without TLS
// are a no-op.
func (m *TlsManager) RegisterSegment(img *Image) error {
	seg := img.TLSSegment()
	if seg == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var modID uintptr
	for i := uintptr(1); i < MaxTLSModules; i++ {
		if m.modules[i].moduleID == 0 {
			modID = i
			break
		}
	}
	if modID == 0 {
		return fmt.Errorf("%w: TLS module overflow", ErrOutOfRegistrySlots)
	}

	mod := &m.modules[modID]
	mod.moduleID = modID
	mod.align = uintptr(seg.Align)
	if mod.align == 0 {
		mod.align = 1
	}
	mod.memsz = uintptr(seg.Memsz)
	mod.filesz = uintptr(seg.Filesz)
	mod.initImage = img.runtimeAddr(seg.Vaddr)
	mod.owner = img

	m.staticSize = alignUp(m.staticSize, mod.align)
	mod.offset = m.staticSize
	m.staticSize += mod.memsz
	if mod.align > m.alignMax {
		m.alignMax = mod.align
	}

	img.setTLSModuleID(uint64(modID))
	tlsLog.Debugf("registered TLS module %d for %s (memsz=%d offset=%d)",
		modID, img.Path(), mod.memsz, mod.offset)
	return nil
}

// UnregisterSegment releases the slot owned by img.
func (m *TlsManager) UnregisterSegment(img *Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := uintptr(1); i < MaxTLSModules; i++ {
		if m.modules[i].owner == img {
			m.modules[i] = TlsModule{}
			break
		}
	}
}

// BumpGeneration publishes that the static layout changed.
func (m *TlsManager) BumpGeneration() {
	m.generation.Add(1)
}

// Generation returns the current layout generation.
func (m *TlsManager) Generation() uint64 {
	return m.generation.Load()
}

// LiveBlocks reports how many per-thread blocks are currently
// allocated.
func (m *TlsManager) LiveBlocks() int64 {
	return m.liveBlocks.Load()
}

func (m *TlsManager) allocateBlock(api *hostAPI) uintptr {
	align := m.alignMax
	if align == 0 {
		align = wordSize
	}
	if ps := pageSize(); align > ps {
		align = ps
	}
	total := m.staticSize + align
	if total == 0 {
		total = wordSize
	}

	var block uintptr
	rc := cCall3(api.posixMemalign,
		uintptr(unsafe.Pointer(&block)), align, total)
	if rc != 0 || block == 0 {
		tlsLog.Errorf("failed to allocate TLS block of %d bytes (rc=%d)", total, rc)
		return 0
	}
	memZero(block, total)

	for i := uintptr(1); i < MaxTLSModules; i++ {
		mod := &m.modules[i]
		if mod.owner == nil || mod.initImage == 0 || mod.filesz == 0 {
			continue
		}
		if mod.offset+mod.filesz > total {
			tlsLog.Errorf("TLS module %d init image out of bounds", i)
			continue
		}
		memCopy(block+mod.offset, mod.initImage, mod.filesz)
	}

	cCall2(api.pthreadSetspecific, uintptr(m.key), block)
	m.liveBlocks.Add(1)
	tlsLog.Debugf("allocated TLS block 0x%x (%d bytes)", block, total)
	return block
}

func (m *TlsManager) blockForThread() uintptr {
	if err := m.ensureKey(); err != nil {
		tlsLog.Errorf("TLS key unavailable: %v", err)
		return 0
	}
	api, err := hostFuncs()
	if err != nil {
		return 0
	}
	block := cCall1(api.pthreadGetspecific, uintptr(m.key))
	if block == 0 {
		block = m.allocateBlock(api)
	}
	return block
}

// destroyBlock is invoked by the pthread key destructor when a thread
// exits.
func (m *TlsManager) destroyBlock(block uintptr) {
	if block == 0 {
		return
	}
	if api, err := hostFuncs(); err == nil {
		cCall1(api.libcFree, block)
	}
	m.liveBlocks.Add(-1)
}

// Address resolves a (module, offset) descriptor against the calling
// thread's block; a nil descriptor yields the block base.
func (m *TlsManager) Address(ti *TlsIndex) uintptr {
	block := m.blockForThread()
	if block == 0 {
		return 0
	}
	if ti == nil {
		return block
	}

	mod := ti.Module
	if mod == 0 || mod >= MaxTLSModules {
		tlsLog.Errorf("TLS module id out of range: %d", mod)
		return 0
	}
	if m.modules[mod].moduleID == 0 {
		tlsLog.Errorf("TLS module %d not registered", mod)
		return 0
	}
	offset := m.modules[mod].offset + ti.Offset
	if offset >= m.staticSize {
		tlsLog.Errorf("TLS offset out of bounds: %d >= %d", offset, m.staticSize)
		return 0
	}
	return block + offset
}

// descriptorOffset implements the TLSDESC resolver contract: the
// returned value is relative to the thread's block base.
func (m *TlsManager) descriptorOffset(ti *TlsIndex) uintptr {
	addr := m.Address(ti)
	if addr == 0 {
		return 0
	}
	return addr - m.Address(nil)
}

// AllocateIndex builds a heap descriptor for a TLSDESC or TPREL
// relocation. The caller owns it and must keep it reachable for as
// long as loaded code can dereference it; the registry never frees
// indices.
func (m *TlsManager) AllocateIndex(img *Image, symValue, addend uint64) *TlsIndex {
	return &TlsIndex{
		Module: uintptr(img.TLSModuleID()),
		Offset: uintptr(symValue + addend),
	}
}
