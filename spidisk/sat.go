package spidisk

import "encoding/binary"

// entriesPerSector is how many 16-bit LBA->PBA entries fit in one
// 4096-byte SAT physical sector.
const entriesPerSector = eraseSize / 2

// satCache is the optional in-RAM mirror of the Sector Allocation Table.
// A nil backing slice means "absent" (disabled, or a load failure) and
// every lookup degrades transparently to an on-media read.
type satCache struct {
	entries []uint16
}

func (c *satCache) present() bool { return c.entries != nil }

func (c *satCache) get(lba uint16) uint16 { return c.entries[lba] }

func (c *satCache) set(lba uint16, pba uint16) { c.entries[lba] = pba }

// decodeSATSector unpacks one 4096-byte physical sector into 2048
// little-endian entries.
func decodeSATSector(buf []byte) []uint16 {
	out := make([]uint16, entriesPerSector)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return out
}

// encodeSATWindow serializes the entries covering one SAT physical
// sector's worth of LBAs (entries[base:base+entriesPerSector]) back into
// a 4096-byte page, used when the cache patches a single LBA and the
// whole sector must be rewritten.
func encodeSATWindow(entries []uint16, base int) []byte {
	buf := make([]byte, eraseSize)
	for i := 0; i < entriesPerSector; i++ {
		idx := base + i
		v := uint16(0xFFFF)
		if idx < len(entries) {
			v = entries[idx]
		}
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	return buf
}

// satWindowBase returns the first LBA covered by the SAT physical sector
// containing lba, i.e. the window boundary remap() rewrites as a unit.
func satWindowBase(lba uint16) int {
	return int(lba) &^ (entriesPerSector - 1)
}

// satSectorForLBA returns the SAT physical sector (a PBA, relative to
// topAddress like every other PBA) holding the entry for lba.
func satSectorForLBA(satTopSector uint16, lba uint16) uint16 {
	return satTopSector + lba/entriesPerSector
}
