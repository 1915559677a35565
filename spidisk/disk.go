/*
Package spidisk implements the disk probe and geometry (L3), the LBA
translator with on-media remap (L4), and the Block API consumed by a FAT
layer above. It sits on top of package spiseq, which provides the SPI
sequencer and flash device operations (L1/L2).
*/
package spidisk

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/soypat/spiflash/spiseq"
)

// retryCount bounds every erase/program attempt: persistent failure
// after this many attempts surfaces as an I/O error to the caller.
const retryCount = 3

// Config carries the driver's build-time knobs: whether to keep an
// in-RAM SAT cache, whether to auto-detect the chip via SFDP, the
// forced size to use when auto-detect is off, how many 1ms polls an
// erase waits before giving up, and whether writes are disabled
// entirely.
type Config struct {
	CacheSAT     bool
	AutoDetect   bool
	ForcedSize   uint32
	EraseWaitMax int
	ReadOnly     bool

	// Sleep overrides the host's millisecond sleep used by the erase
	// busy-poll; defaults to time.Sleep.
	Sleep spiseq.Sleeper
	// Logger receives trace/debug/info/warn/error diagnostics. Nil
	// disables logging.
	Logger *slog.Logger
}

// Disk is an LBA-addressable block device over a NOR SPI flash chip: a
// single driver instance owned by its caller, constructed once over a
// Port and reused for the lifetime of the mounted volume.
type Disk struct {
	cfg Config
	dev *spiseq.Device
	log *slog.Logger

	ready          bool
	storageSize    uint32
	topAddress     uint32
	diskinfoSector uint32
	rsvTopSector   uint16
	satTopSector   uint16
	pbaCount       uint16
	rsvCount       uint16
	lbaCount       uint16

	cache         satCache
	lastRsvSector uint16
}

// New constructs a Disk over port with the given configuration. No I/O
// happens until Initialize or Format is called.
func New(port spiseq.Port, cfg Config) *Disk {
	if cfg.EraseWaitMax == 0 {
		cfg.EraseWaitMax = 500
	}
	dev := spiseq.NewDevice(spiseq.NewSequencer(port), cfg.EraseWaitMax, cfg.Sleep)
	dev.SetLogger(cfg.Logger)
	return &Disk{cfg: cfg, dev: dev, log: cfg.Logger}
}

const slogLevelTrace = slog.LevelDebug - 2

func (dk *Disk) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if dk.log != nil {
		dk.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
func (dk *Disk) trace(msg string, attrs ...slog.Attr)    { dk.logattrs(slogLevelTrace, msg, attrs...) }
func (dk *Disk) debug(msg string, attrs ...slog.Attr)    { dk.logattrs(slog.LevelDebug, msg, attrs...) }
func (dk *Disk) info(msg string, attrs ...slog.Attr)     { dk.logattrs(slog.LevelInfo, msg, attrs...) }
func (dk *Disk) warn(msg string, attrs ...slog.Attr)     { dk.logattrs(slog.LevelWarn, msg, attrs...) }
func (dk *Disk) logerror(msg string, attrs ...slog.Attr) { dk.logattrs(slog.LevelError, msg, attrs...) }

// densityTable decodes SFDP basic-parameter-table byte 7 (density/size
// code) to a chip size in bytes.
var densityTable = map[byte]uint32{
	0x00: 2 * 1024 * 1024,
	0x01: 4 * 1024 * 1024,
	0x03: 8 * 1024 * 1024,
	0x07: 16 * 1024 * 1024,
	0x0F: 32 * 1024 * 1024,
	0x1F: 64 * 1024 * 1024,
	0x3F: 128 * 1024 * 1024,
	0x7F: 256 * 1024 * 1024,
}

// JEDECID reads the chip's 3-byte JEDEC manufacturer+device identifier.
// It is a side-channel diagnostic: nothing else in this package depends
// on its return value.
func (dk *Disk) JEDECID() [3]byte {
	return dk.dev.JEDECID()
}

// probe reads the JEDEC ID and, if auto-detect is enabled, the SFDP
// parameter table, rejecting chips that lack uniform 4KiB erase, use an
// unexpected erase opcode, or aren't 3-byte addressable, and decoding
// the accepted chip's density. With auto-detect disabled it trusts
// cfg.ForcedSize.
func (dk *Disk) probe() (memsize uint32, id [3]byte, err error) {
	dk.trace("spidisk:probe")
	id = dk.dev.JEDECID()

	if !dk.cfg.AutoDetect {
		return dk.cfg.ForcedSize, id, nil
	}

	hdr := dk.dev.ReadSFDP(0, 16)
	if string(hdr[0:4]) != "SFDP" {
		dk.warn("spidisk:probe_no_sfdp")
		return 0, id, ResultNotReady
	}
	ptr := uint32(hdr[12]) | uint32(hdr[13])<<8 | uint32(hdr[14])<<16

	param := dk.dev.ReadSFDP(ptr, 8)
	if param[0]&0x3 != 0x1 {
		return 0, id, ResultNotReady // no uniform 4KiB erase
	}
	if param[1] != 0x20 {
		return 0, id, ResultNotReady // unexpected erase opcode
	}
	if addrWidth := (param[2] >> 1) & 0x3; addrWidth != 0x0 && addrWidth != 0x1 {
		return 0, id, ResultNotReady // not 3-byte addressable
	}
	size, ok := densityTable[param[7]]
	if !ok {
		return 0, id, ResultNotReady
	}
	return size, id, nil
}

// Initialize runs probe + descriptor read + optional SAT cache load if
// the drive is not already initialized. It is idempotent.
func (dk *Disk) Initialize(drive int) Result {
	if drive != 0 {
		return ResultParamErr
	}
	if dk.ready {
		return ResultOK
	}
	if err := dk.initGeometry(); err != nil {
		return ResultNotReady
	}
	return ResultOK
}

// initGeometry probes the chip, reads its last erase-sector, validates
// and decodes the disk descriptor there, and derives geometry from it.
func (dk *Disk) initGeometry() error {
	memsize, _, err := dk.probe()
	if err != nil {
		return err
	}
	diskinfoSector := memsize/eraseSize - 1

	buf := make([]byte, eraseSize)
	dk.dev.Read(buf, diskinfoSector*eraseSize)
	desc := toDescriptor(buf)
	if !desc.Valid() {
		dk.warn("spidisk:init_not_ready", slog.String("chunks", describeChunkIDs(desc)))
		return ResultNotReady
	}

	geo := geometryFromDescriptor(desc, diskinfoSector)
	dk.storageSize = desc.DiskSize()
	dk.topAddress = geo.TopAddress
	dk.diskinfoSector = diskinfoSector
	dk.rsvTopSector = geo.RsvTopSector
	dk.satTopSector = geo.SatTopSector
	dk.pbaCount = geo.AllSectors
	dk.rsvCount = geo.RsvCount
	dk.lbaCount = geo.DatCount
	dk.lastRsvSector = 0
	dk.cache = satCache{}
	dk.ready = true

	if dk.cfg.CacheSAT {
		if err := dk.loadCache(); err != nil {
			dk.warn("spidisk:sat_cache_load_failed", slog.String("err", err.Error()))
		}
	}

	dk.info("spidisk:init", slog.Int("lba_count", int(dk.lbaCount)), slog.Int("rsv_count", int(dk.rsvCount)))
	return nil
}

// loadCache reads the SAT region sector-by-sector into an in-RAM
// mirror. A failure frees the partial buffer and the driver degrades to
// on-media SAT reads.
func (dk *Disk) loadCache() error {
	n := int(dk.lbaCount)
	entries := make([]uint16, 0, n+entriesPerSector)
	sector := dk.satTopSector
	buf := make([]byte, eraseSize)
	for len(entries) < n {
		if err := dk.readPhysector(buf, uint32(sector)); err != nil {
			return err
		}
		sector++
		entries = append(entries, decodeSATSector(buf)...)
	}
	dk.cache.entries = entries[:n]
	return nil
}

// readPhysector fails not-ready if the driver state is absent, otherwise
// reads one 4096-byte physical sector.
func (dk *Disk) readPhysector(dst []byte, pba uint32) error {
	if !dk.ready {
		return ResultNotReady
	}
	addr := dk.topAddress + pba*eraseSize
	dk.dev.Read(dst, addr)
	return nil
}

// writePhysector erases with up to retryCount attempts, then programs
// all pages of the sector, each with up to retryCount attempts, stopping
// at the first page failure. It is the Block API's entry point, so it
// enforces the ready/read-only checks; Format uses rawWriteSector
// directly since it establishes those invariants itself as it goes.
func (dk *Disk) writePhysector(src []byte, pba uint32) error {
	if !dk.ready {
		return ResultNotReady
	}
	if dk.cfg.ReadOnly {
		return ResultWriteProtected
	}
	return dk.rawWriteSector(dk.topAddress+pba*eraseSize, src)
}

// rawWriteSector erases then programs one eraseSize-byte region at a
// chip-absolute byte address, with no ready/read-only gating. It is the
// shared primitive behind writePhysector and Format's SAT-sector and
// descriptor writes.
func (dk *Disk) rawWriteSector(addr uint32, src []byte) error {
	if !retry(retryCount, func() error { return dk.dev.EraseSector(addr) }) {
		return ResultIOErr
	}
	pagesPerSector := eraseSize / spiseq.PageSize
	for i := 0; i < pagesPerSector; i++ {
		pageAddr := addr + uint32(i*spiseq.PageSize)
		page := src[i*spiseq.PageSize : (i+1)*spiseq.PageSize]
		if !retry(retryCount, func() error { return dk.dev.ProgramPage(page, pageAddr) }) {
			return ResultIOErr
		}
	}
	return nil
}

// retry is the bounded-retry combinator shared by every erase/program
// call site instead of each repeating its own retry loop.
func retry(attempts int, fn func() error) bool {
	for i := 0; i < attempts; i++ {
		if fn() == nil {
			return true
		}
	}
	return false
}

// lbaToPba bounds-checks lba, then either consults the cache or reads
// its two-byte entry from the on-media SAT.
func (dk *Disk) lbaToPba(lba uint16) (uint16, error) {
	if lba >= dk.lbaCount {
		return 0, ResultParamErr
	}
	if dk.cache.present() {
		return dk.cache.get(lba), nil
	}
	var buf [2]byte
	addr := dk.topAddress + uint32(dk.satTopSector)*eraseSize + uint32(lba)*2
	dk.dev.Read(buf[:], addr)
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// remap finds the current high-water spare, allocates the next one,
// patches the SAT page covering lba, and writes it back.
func (dk *Disk) remap(lba uint16) error {
	if lba >= dk.lbaCount {
		return ResultParamErr
	}

	rsv := dk.lastRsvSector
	if rsv == 0 {
		rsv = dk.scanHighWater()
		if rsv < dk.rsvTopSector {
			rsv = dk.rsvTopSector - 1
		}
	}
	rsv++
	if rsv >= dk.satTopSector {
		dk.logerror("spidisk:remap_exhausted", slog.Int("lba", int(lba)))
		return ResultIOErr
	}

	satSector := satSectorForLBA(dk.satTopSector, lba)
	var page []byte
	if dk.cache.present() {
		dk.cache.set(lba, rsv)
		page = encodeSATWindow(dk.cache.entries, satWindowBase(lba))
	} else {
		page = make([]byte, eraseSize)
		dk.readPhysector(page, uint32(satSector))
		off := int(lba%entriesPerSector) * 2
		binary.LittleEndian.PutUint16(page[off:], rsv)
	}

	if err := dk.writePhysector(page, uint32(satSector)); err != nil {
		return ResultIOErr
	}
	dk.lastRsvSector = rsv
	dk.warn("spidisk:remap", slog.Int("lba", int(lba)), slog.Int("spare", int(rsv)))
	return nil
}

// scanHighWater rebuilds lastRsvSector by scanning every SAT entry,
// used the first time remap is called after init (lastRsvSector==0
// means "unknown").
func (dk *Disk) scanHighWater() uint16 {
	var rsv uint16
	if dk.cache.present() {
		for _, v := range dk.cache.entries {
			if v > rsv {
				rsv = v
			}
		}
		return rsv
	}

	buf := make([]byte, eraseSize)
	sector := dk.satTopSector
	remaining := int(dk.lbaCount)
	for remaining > 0 {
		dk.readPhysector(buf, uint32(sector))
		sector++
		n := entriesPerSector
		if remaining < n {
			n = remaining
		}
		decoded := decodeSATSector(buf)
		for i := 0; i < n; i++ {
			if decoded[i] > rsv {
				rsv = decoded[i]
			}
		}
		remaining -= n
	}
	return rsv
}

// Status reports drive status: only drive 0 is valid; the no-init flag
// is set whenever the driver state hasn't been populated yet.
func (dk *Disk) Status(drive int) Status {
	var s Status
	if drive != 0 {
		return StatusNoInit
	}
	if !dk.ready {
		s |= StatusNoInit
	}
	if dk.cfg.ReadOnly {
		s |= StatusProtect
	}
	return s
}

// IoctlCmd enumerates the GENERIC_IOCTL commands a FAT layer needs:
// flushing any write cache, and the three geometry queries a mount
// routine uses to size itself.
type IoctlCmd int

const (
	IoctlSync IoctlCmd = iota
	IoctlGetSectorCount
	IoctlGetBlockSize
	IoctlGetSectorSize
)

// Read translates count consecutive LBAs starting at lba and reads each
// one's physical sector into buf.
func (dk *Disk) Read(drive int, buf []byte, lba uint32, count int) Result {
	if drive != 0 {
		return ResultParamErr
	}
	if !dk.ready {
		return ResultNotReady
	}
	off := 0
	for i := 0; i < count; i++ {
		target := lba + uint32(i)
		if target > 0xFFFF {
			return ResultParamErr
		}
		pba, err := dk.lbaToPba(uint16(target))
		if err != nil {
			return ResultParamErr
		}
		if err := dk.readPhysector(buf[off:off+eraseSize], uint32(pba)); err != nil {
			return ResultIOErr
		}
		off += eraseSize
	}
	return ResultOK
}

// Write translates and writes each LBA's physical sector. On a write
// failure the sector is remapped to a spare and retried once; a second
// failure of the same sector after its remap surfaces as an I/O error
// rather than looping indefinitely.
func (dk *Disk) Write(drive int, buf []byte, lba uint32, count int) Result {
	if drive != 0 {
		return ResultParamErr
	}
	if !dk.ready {
		return ResultNotReady
	}
	if dk.cfg.ReadOnly {
		return ResultWriteProtected
	}
	off := 0
	for i := 0; i < count; i++ {
		target := lba + uint32(i)
		if target > 0xFFFF {
			return ResultParamErr
		}
		l := uint16(target)
		pba, err := dk.lbaToPba(l)
		if err != nil {
			return ResultParamErr
		}

		remapped := false
		for {
			werr := dk.writePhysector(buf[off:off+eraseSize], uint32(pba))
			if werr == nil {
				break
			}
			if remapped {
				return ResultIOErr
			}
			if err := dk.remap(l); err != nil {
				return ResultIOErr
			}
			remapped = true
			pba, err = dk.lbaToPba(l)
			if err != nil {
				return ResultParamErr
			}
		}
		off += eraseSize
	}
	return ResultOK
}

// Ioctl handles the four commands a FAT layer needs at mount time and at
// flush points; any other command is a parameter error.
func (dk *Disk) Ioctl(drive int, cmd IoctlCmd, buf []byte) Result {
	if drive != 0 {
		return ResultParamErr
	}
	if !dk.ready {
		return ResultNotReady
	}
	switch cmd {
	case IoctlSync:
		return ResultOK
	case IoctlGetSectorCount:
		binary.LittleEndian.PutUint32(buf, uint32(dk.lbaCount))
		return ResultOK
	case IoctlGetBlockSize:
		binary.LittleEndian.PutUint32(buf, 1)
		return ResultOK
	case IoctlGetSectorSize:
		binary.LittleEndian.PutUint32(buf, eraseSize)
		return ResultOK
	default:
		return ResultParamErr
	}
}
