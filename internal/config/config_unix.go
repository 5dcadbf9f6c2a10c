//go:build !windows

package config

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func openConfigFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errConfigNotExists
		}
		if errors.Is(err, syscall.ELOOP) {
			return nil, ErrSymlink
		}
		return nil, fmt.Errorf("config: failed to open file: %w", err)
	}
	return f, nil
}

func checkFilePermissions(info os.FileInfo) error {
	if perm := info.Mode().Perm(); perm != 0600 {
		return fmt.Errorf("%w: %o (expected 0600)", ErrInsecure, perm)
	}
	return nil
}

func checkFileOwnership(info os.FileInfo) error {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Uid != uint32(os.Getuid()) {
			return ErrNotOwnedByUser
		}
	}
	return nil
}
