package spidisk

import (
	"encoding/binary"

	"golang.org/x/text/encoding/charmap"
)

const (
	descriptorRIFFOff    = 0
	descriptorFormLenOff = 4
	descriptorFormIDOff  = 8
	descriptorSubIDOff   = 12
	descriptorSubLenOff  = 16
	descriptorVersionOff = 20
	descriptorSizeOff    = 24
	descriptorTopAddrOff = 28
	descriptorRsvTopOff  = 32
	descriptorSatTopOff  = 34

	descriptorVersion = 1
	descriptorFormLen = 4 + 8 + 16 // 'DISK' + 'info' header + its 16-byte body
	descriptorSubLen  = 16
)

// descriptor is a byte-backed view of the RIFF-shaped disk descriptor
// stored at byte 0 of the chip's last erase-sector: typed accessors
// over a raw []byte rather than offset arithmetic scattered through
// callers.
type descriptor struct {
	data []byte
}

// toDescriptor wraps a byte slice (expected to be a full eraseSize page)
// as a descriptor view without copying.
func toDescriptor(buf []byte) descriptor {
	return descriptor{data: buf[:eraseSize:eraseSize]}
}

// Valid reports whether the RIFF/DISK/info signature and chunk lengths
// match the expected descriptor layout exactly.
func (d descriptor) Valid() bool {
	return string(d.data[descriptorRIFFOff:descriptorRIFFOff+4]) == "RIFF" &&
		binary.LittleEndian.Uint32(d.data[descriptorFormLenOff:]) == descriptorFormLen &&
		string(d.data[descriptorFormIDOff:descriptorFormIDOff+4]) == "DISK" &&
		string(d.data[descriptorSubIDOff:descriptorSubIDOff+4]) == "info" &&
		binary.LittleEndian.Uint32(d.data[descriptorSubLenOff:]) == descriptorSubLen
}

func (d descriptor) Version() uint32    { return binary.LittleEndian.Uint32(d.data[descriptorVersionOff:]) }
func (d descriptor) DiskSize() uint32   { return binary.LittleEndian.Uint32(d.data[descriptorSizeOff:]) }
func (d descriptor) TopAddress() uint32 { return binary.LittleEndian.Uint32(d.data[descriptorTopAddrOff:]) }
func (d descriptor) RsvTopSector() uint16 {
	return binary.LittleEndian.Uint16(d.data[descriptorRsvTopOff:])
}
func (d descriptor) SatTopSector() uint16 {
	return binary.LittleEndian.Uint16(d.data[descriptorSatTopOff:])
}

// buildDescriptor renders a fresh descriptor page (0xFF-padded past byte
// 36) for the given geometry, ready to be programmed to the diskinfo
// sector.
func buildDescriptor(g Geometry) []byte {
	page := make([]byte, eraseSize)
	for i := range page {
		page[i] = 0xFF
	}
	d := descriptor{data: page}
	copy(d.data[descriptorRIFFOff:], "RIFF")
	binary.LittleEndian.PutUint32(d.data[descriptorFormLenOff:], descriptorFormLen)
	copy(d.data[descriptorFormIDOff:], "DISK")
	copy(d.data[descriptorSubIDOff:], "info")
	binary.LittleEndian.PutUint32(d.data[descriptorSubLenOff:], descriptorSubLen)
	binary.LittleEndian.PutUint32(d.data[descriptorVersionOff:], descriptorVersion)
	binary.LittleEndian.PutUint32(d.data[descriptorSizeOff:], uint32(g.AllSectors)*eraseSize)
	binary.LittleEndian.PutUint32(d.data[descriptorTopAddrOff:], g.TopAddress)
	binary.LittleEndian.PutUint16(d.data[descriptorRsvTopOff:], g.RsvTopSector)
	binary.LittleEndian.PutUint16(d.data[descriptorSatTopOff:], g.SatTopSector)
	return page
}

// describeChunkIDs renders the descriptor's four-character chunk names
// for diagnostics, decoding them through an explicit 8-bit charmap
// rather than a bare string conversion so a corrupted descriptor with
// non-ASCII bytes still logs cleanly instead of producing unprintable
// output.
func describeChunkIDs(d descriptor) string {
	dec := charmap.ISO8859_1.NewDecoder()
	riff, _ := dec.String(string(d.data[descriptorRIFFOff : descriptorRIFFOff+4]))
	form, _ := dec.String(string(d.data[descriptorFormIDOff : descriptorFormIDOff+4]))
	sub, _ := dec.String(string(d.data[descriptorSubIDOff : descriptorSubIDOff+4]))
	return riff + "/" + form + "/" + sub
}
