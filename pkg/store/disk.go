package store

import "fmt"

// DiskSpaceInfo contains disk usage information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`     // Total disk space in bytes
	Free      uint64 `json:"free"`      // Free disk space in bytes
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`  // Percentage of disk used
}

// checkDiskSpaceForWrite verifies sufficient disk space before write operations.
// A failed stat only produces a warning.
func (s *Store) checkDiskSpaceForWrite(dataSize int) error {
	info, err := s.CheckDiskSpace()
	if err != nil {
		s.logger.Warn("failed to check disk space", "error", err)
		return nil
	}

	// Need at least MinDiskSpaceBytes or 2x the data size, whichever is larger
	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}

	if info.Available < required {
		return fmt.Errorf("%w: only %d bytes available, need at least %d",
			ErrInsufficientDisk, info.Available, required)
	}

	if info.UsedPct >= DiskWarningPercent {
		s.logger.Warn("disk is nearly full", "used_pct", info.UsedPct)
	}
	return nil
}
