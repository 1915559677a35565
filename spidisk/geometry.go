package spidisk

import "fmt"

const (
	// eraseSize is the chip's erase-sector size in bytes, also the
	// block size exposed by the Block API.
	eraseSize = 4096
	// minDatCount is the smallest acceptable data-region size; formats
	// that would produce fewer logical sectors are rejected.
	minDatCount = 128
	// minFormatSize is the smallest disk image format() will accept.
	minFormatSize = 1 * 1024 * 1024
)

// Geometry is the derived layout of a disk image: all_sectors (PBA
// count) split into the data, reserve and SAT regions, plus the chip
// offsets those regions sit at.
type Geometry struct {
	TopAddress     uint32 // byte offset of the first PBA in the chip
	DiskinfoSector uint32 // chip-relative erase-sector index of the descriptor sector (outside PBA space)
	AllSectors     uint16 // pba_count
	RsvTopSector   uint16 // first reserve PBA
	SatTopSector   uint16 // first SAT PBA
	DatCount       uint16 // lba_count at a fresh format
	RsvCount       uint16
	SatCount       uint16
}

// ceilDiv computes ceil(a/b) for non-negative integers without overflow
// for the sector-count ranges this package deals in.
func ceilDiv(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}
	return (a-1)/b + 1
}

// computeGeometry derives a Geometry from a chip size and an image size:
// sat_count = ceil((all-rsv)*2/4096) + 1, rsv defaults to all/32 + 10,
// and the image must leave its last erase-sector free for the
// descriptor.
func computeGeometry(chipSize uint64, diskSize uint64, rsvRequest uint16) (Geometry, error) {
	if diskSize < minFormatSize {
		return Geometry{}, ResultParamErr
	}
	if diskSize%eraseSize != 0 {
		return Geometry{}, fmt.Errorf("%w: disk size not erase-sector aligned", ResultParamErr)
	}
	allSectors := diskSize/eraseSize - 1
	if chipSize < (allSectors+1)*eraseSize {
		return Geometry{}, ResultParamErr
	}
	if allSectors > 0xFFFF {
		return Geometry{}, ResultParamErr
	}

	rsvCount := uint64(rsvRequest)
	if rsvCount == 0 {
		rsvCount = allSectors/32 + 10
	}
	satCount := ceilDiv((allSectors-rsvCount)*2, eraseSize) + 1
	if rsvCount+satCount > allSectors {
		return Geometry{}, ResultParamErr
	}
	datCount := allSectors - rsvCount - satCount
	if datCount < minDatCount {
		return Geometry{}, ResultParamErr
	}

	diskinfoSector := chipSize/eraseSize - 1
	topAddress := chipSize - (allSectors+1)*eraseSize
	satTop := allSectors - satCount
	rsvTop := satTop - rsvCount

	return Geometry{
		TopAddress:     uint32(topAddress),
		DiskinfoSector: uint32(diskinfoSector),
		AllSectors:     uint16(allSectors),
		RsvTopSector:   uint16(rsvTop),
		SatTopSector:   uint16(satTop),
		DatCount:       uint16(datCount),
		RsvCount:       uint16(rsvCount),
		SatCount:       uint16(satCount),
	}, nil
}

// geometryFromDescriptor re-derives a Geometry from a parsed disk
// descriptor and the chip's diskinfo sector index (known from probe),
// using the same formulas Format used to compute it in the first place:
// rsv_count = sat_top - rsv_top, sat_count = ceil((all-rsv)*2/4096) + 1,
// dat_count = all - rsv - sat.
func geometryFromDescriptor(d descriptor, diskinfoSector uint32) Geometry {
	allSectors := uint64(d.DiskSize() / eraseSize)
	rsvTop := uint64(d.RsvTopSector())
	satTop := uint64(d.SatTopSector())
	rsvCount := satTop - rsvTop
	satCount := ceilDiv((allSectors-rsvCount)*2, eraseSize) + 1
	datCount := allSectors - rsvCount - satCount

	return Geometry{
		TopAddress:     d.TopAddress(),
		DiskinfoSector: diskinfoSector,
		AllSectors:     uint16(allSectors),
		RsvTopSector:   uint16(rsvTop),
		SatTopSector:   uint16(satTop),
		DatCount:       uint16(datCount),
		RsvCount:       uint16(rsvCount),
		SatCount:       uint16(satCount),
	}
}
