package spiseq

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"
)

// Errors returned by Device's operations. The caller (the block/LBA
// translation layer) is responsible for retry and remap policy; Device
// itself retries nothing.
var (
	// ErrEraseTimeout is returned when a sector fails to clear its busy
	// bit within EraseWaitMax polls. The device has already been sent a
	// RESET-ENABLE/RESET pair by the time this is returned.
	ErrEraseTimeout = errors.New("spiseq: erase timeout")
	// ErrVerify is returned when a programmed page reads back
	// differently than what was written.
	ErrVerify = errors.New("spiseq: program verify failed")
)

// Sleeper abstracts the host's millisecond sleep so EraseSector's busy
// poll can be driven deterministically in tests.
type Sleeper func(time.Duration)

// Device implements the flash-level operations (L2): READ,
// SECTOR-ERASE and PAGE-PROGRAM, choosing 3- or 4-byte addressing by
// AddressThreshold, with verify-after-program and timeout-driven device
// reset on a stuck erase.
type Device struct {
	seq          *Sequencer
	eraseWaitMax int
	sleep        Sleeper
	log          *slog.Logger
}

// NewDevice constructs a Device. eraseWaitMax bounds the number of 1ms
// polls EraseSector performs before giving up (500 is a reasonable
// default for typical sector-erase times). sleep defaults to time.Sleep
// when nil.
func NewDevice(seq *Sequencer, eraseWaitMax int, sleep Sleeper) *Device {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Device{seq: seq, eraseWaitMax: eraseWaitMax, sleep: sleep}
}

// SetLogger attaches a logger for trace/warn diagnostics. A nil logger
// disables logging; this is the default.
func (d *Device) SetLogger(log *slog.Logger) { d.log = log }

// Read shifts len(dst) bytes starting at address into dst. It always
// returns nil: device-level read errors are not detected at this layer.
func (d *Device) Read(dst []byte, address uint32) error {
	d.seq.WaitReady()
	opcode, addr := addressFrame(address, opcodeRead3, opcodeRead4)
	d.seq.Frame(opcode, addr, fill(0xFF, len(dst)), dst)
	return nil
}

// JEDECID reads the 3-byte manufacturer+device identifier.
func (d *Device) JEDECID() [3]byte {
	var id [3]byte
	d.seq.WaitReady()
	d.seq.Frame(opcodeJEDECID, nil, fill(0xFF, 3), id[:])
	return id
}

// ReadSFDP reads n bytes of the SFDP table starting at byte address.
func (d *Device) ReadSFDP(address uint32, n int) []byte {
	buf := make([]byte, n)
	d.seq.WaitReady()
	addr := addressBytes3(address)
	d.seq.Frame(opcodeReadSFDP, append(addr, 0xFF), fill(0xFF, n), buf)
	return buf
}

// EraseSector erases the 4096-byte sector containing address (address is
// aligned down to the erase boundary internally). It polls the status
// register, sleeping 1ms between polls, for up to eraseWaitMax
// iterations. On timeout it issues RESET-ENABLE/RESET and returns
// ErrEraseTimeout; SetLogger, if attached, records this at warn level.
func (d *Device) EraseSector(address uint32) error {
	address = alignDown(address, SectorSize)
	d.writeEnable()
	opcode, addr := addressFrame(address, opcodeErase3, opcodeErase4)
	d.seq.Frame(opcode, addr, nil, nil)

	for i := 0; i < d.eraseWaitMax; i++ {
		if d.readStatus()&statusBusy == 0 {
			return nil
		}
		d.sleep(time.Millisecond)
	}

	if d.log != nil {
		d.log.LogAttrs(context.Background(), slog.LevelWarn, "spiseq:erase_timeout", slog.Uint64("address", uint64(address)))
	}
	d.resetDevice()
	return ErrEraseTimeout
}

// ProgramPage programs one 256-byte page at address (aligned down to the
// page boundary internally) and verifies it by reading the page back and
// comparing it byte-for-byte against src. There is no timeout on the
// busy-poll here; the device is relied upon to clear it. A mismatch
// returns ErrVerify.
func (d *Device) ProgramPage(src []byte, address uint32) error {
	address = alignDown(address, PageSize)
	d.writeEnable()
	opcode, addr := addressFrame(address, opcodeProgram3, opcodeProgram4)
	d.seq.Frame(opcode, addr, src, nil)

	for d.readStatus()&statusBusy != 0 {
	}

	readback := make([]byte, len(src))
	d.Read(readback, address)
	if !bytes.Equal(readback, src) {
		return ErrVerify
	}
	return nil
}

func (d *Device) writeEnable() {
	d.seq.Frame(opcodeWriteEnable, nil, nil, nil)
}

func (d *Device) readStatus() byte {
	var status [1]byte
	d.seq.Frame(opcodeReadStatus, nil, []byte{0xFF}, status[:])
	return status[0]
}

func (d *Device) resetDevice() {
	d.seq.Frame(opcodeResetEnable, nil, nil, nil)
	d.seq.Frame(opcodeReset, nil, nil, nil)
}
