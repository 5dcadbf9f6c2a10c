//go:build !windows

package store

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// CheckDiskSpace returns disk space information for the data directory
func (s *Store) CheckDiskSpace() (*DiskSpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.path, &stat); err != nil {
		// If the data directory doesn't exist yet, check parent
		if err := unix.Statfs(filepath.Dir(s.path), &stat); err != nil {
			return nil, fmt.Errorf("store: failed to get disk stats: %w", err)
		}
	}

	bsize := uint64(stat.Bsize)
	total := uint64(stat.Blocks) * bsize
	free := uint64(stat.Bfree) * bsize
	available := uint64(stat.Bavail) * bsize

	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}

	return &DiskSpaceInfo{
		Total:     total,
		Free:      free,
		Available: available,
		UsedPct:   usedPct,
	}, nil
}
