package spidisk

import (
	"fmt"

	"github.com/soypat/fat"
)

var _ fat.BlockDevice = (*Volume)(nil)

// Volume adapts a Disk to github.com/soypat/fat's BlockDevice interface,
// the Block API boundary a FAT filesystem mounts through. The FAT layer
// addresses "blocks" (its own term for logical sectors) as int64s;
// Volume translates those 1:1 to this driver's uint32 LBAs and maps
// errors to a plain error rather than a Result, since BlockDevice's
// methods are not Block-API calls.
type Volume struct {
	disk *Disk
}

// NewVolume wraps an initialized Disk for use as a github.com/soypat/fat
// BlockDevice. disk must already be initialized (or formatted); Volume
// performs no probing of its own.
func NewVolume(disk *Disk) *Volume {
	return &Volume{disk: disk}
}

// ReadBlocks reads consecutive sectors starting at startBlock into dst,
// which must be a multiple of the sector size (eraseSize).
func (v *Volume) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	count := len(dst) / eraseSize
	if count == 0 || len(dst)%eraseSize != 0 {
		return 0, fmt.Errorf("spidisk: ReadBlocks length %d not a multiple of sector size", len(dst))
	}
	if r := v.disk.Read(0, dst, uint32(startBlock), count); r != ResultOK {
		return 0, r
	}
	return len(dst), nil
}

// WriteBlocks writes consecutive sectors starting at startBlock from
// data, which must be a multiple of the sector size.
func (v *Volume) WriteBlocks(data []byte, startBlock int64) (int, error) {
	count := len(data) / eraseSize
	if count == 0 || len(data)%eraseSize != 0 {
		return 0, fmt.Errorf("spidisk: WriteBlocks length %d not a multiple of sector size", len(data))
	}
	if r := v.disk.Write(0, data, uint32(startBlock), count); r != ResultOK {
		return 0, r
	}
	return len(data), nil
}

// EraseBlocks is a no-op beyond bounds-checking: every Write already
// erases its target physical sector before programming it, so there is
// nothing additional to do ahead of time.
func (v *Volume) EraseBlocks(startBlock, numBlocks int64) error {
	if startBlock < 0 || numBlocks < 0 || startBlock+numBlocks > int64(v.disk.lbaCount) {
		return fmt.Errorf("spidisk: EraseBlocks [%d,%d) out of range", startBlock, startBlock+numBlocks)
	}
	return nil
}
