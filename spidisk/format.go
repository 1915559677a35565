package spidisk

import (
	"log/slog"
)

// satPageEntries is how many SAT entries Format batches up before
// flushing a SAT physical sector, matching entriesPerSector exactly —
// one in-progress SAT page is always exactly one physical sector wide.
const satPageEntries = entriesPerSector

// Format lays out a fresh disk image of diskSize bytes (optionally
// requesting rsvCount spares; 0 picks the default all/32+10),
// identity-mapping every LBA to its own PBA unless that PBA's sector
// fails to erase, in which case the next unused spare that itself
// erases cleanly is consumed instead. The SAT region is erased first,
// then built up sector by sector as LBAs are assigned, and finally the
// RIFF descriptor is written to the chip's last erase-sector.
//
// Format does not require prior Initialize; it re-probes the chip size
// itself and leaves the Disk initialized with the geometry it just
// wrote.
func (dk *Disk) Format(diskSize uint32, rsvCount uint16) error {
	if dk.cfg.ReadOnly {
		return ResultWriteProtected
	}
	memsize, _, err := dk.probe()
	if err != nil {
		return err
	}
	geo, err := computeGeometry(uint64(memsize), uint64(diskSize), rsvCount)
	if err != nil {
		return err
	}
	dk.info("spidisk:format_start",
		slog.Int("all_sectors", int(geo.AllSectors)),
		slog.Int("rsv_count", int(geo.RsvCount)),
		slog.Int("sat_count", int(geo.SatCount)),
		slog.Int("dat_count", int(geo.DatCount)),
	)

	dk.ready = false
	dk.topAddress = geo.TopAddress
	dk.diskinfoSector = geo.DiskinfoSector

	// Phase 1: erase the whole SAT region before any entries are
	// written into it.
	for s := geo.SatTopSector; s < geo.SatTopSector+geo.SatCount; s++ {
		addr := dk.topAddress + uint32(s)*eraseSize
		if !retry(retryCount, func() error { return dk.dev.EraseSector(addr) }) {
			dk.logerror("spidisk:format_sat_erase_failed", slog.Int("sector", int(s)))
			return ResultIOErr
		}
	}

	// Phase 2: assign each LBA a PBA (identity, or the next spare if the
	// identity sector won't erase), flushing a SAT page every
	// satPageEntries assignments.
	nextSpare := geo.RsvTopSector
	page := make([]uint16, 0, satPageEntries)
	pageBase := uint16(0)

	flush := func() error {
		if len(page) == 0 {
			return nil
		}
		buf := encodeSATWindow(page, 0)
		sector := geo.SatTopSector + pageBase/satPageEntries
		addr := dk.topAddress + uint32(sector)*eraseSize
		if err := dk.rawWriteSector(addr, buf); err != nil {
			return err
		}
		page = page[:0]
		return nil
	}

	for lba := uint16(0); lba < geo.DatCount; lba++ {
		if len(page) == 0 {
			pageBase = lba
		}
		identity := lba
		addr := dk.topAddress + uint32(identity)*eraseSize
		pba := identity
		if !retry(retryCount, func() error { return dk.dev.EraseSector(addr) }) {
			assigned := false
			for nextSpare < geo.SatTopSector {
				spare := nextSpare
				spareAddr := dk.topAddress + uint32(spare)*eraseSize
				nextSpare++
				if retry(retryCount, func() error { return dk.dev.EraseSector(spareAddr) }) {
					pba = spare
					assigned = true
					dk.warn("spidisk:format_bad_sector", slog.Int("lba", int(lba)), slog.Int("spare", int(pba)))
					break
				}
				dk.warn("spidisk:format_spare_unusable", slog.Int("spare", int(spare)))
			}
			if !assigned {
				dk.logerror("spidisk:format_spares_exhausted", slog.Int("lba", int(lba)))
				return ResultIOErr
			}
		}
		page = append(page, pba)

		if len(page) == satPageEntries || lba == geo.DatCount-1 {
			if err := flush(); err != nil {
				return ResultIOErr
			}
		}
	}

	// Phase 3: write the RIFF descriptor to the diskinfo sector. The
	// diskinfo sector lives outside PBA space (it's the chip's last
	// erase-sector, chip-relative), so it is written directly rather
	// than through writePhysector's topAddress-relative addressing.
	descBuf := buildDescriptor(geo)
	if err := dk.writeDiskinfo(descBuf, geo.DiskinfoSector); err != nil {
		return ResultIOErr
	}

	dk.storageSize = uint32(geo.AllSectors) * eraseSize
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
	dk.info("spidisk:format_done")
	return nil
}

// writeDiskinfo erases and programs the descriptor sector directly by
// its chip-absolute byte address, since the diskinfo sector lives
// outside the PBA space writePhysector addresses through topAddress.
func (dk *Disk) writeDiskinfo(buf []byte, diskinfoSector uint32) error {
	return dk.rawWriteSector(diskinfoSector*eraseSize, buf)
}
