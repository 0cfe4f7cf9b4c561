//go:build windows

package storage

import (
	"os"

	"golang.org/x/sys/windows"
)

func freeDiskSpace(path string) int64 {
	stat, err := os.Stat(path)
	if err != nil || !stat.IsDir() {
		return -1
	}

	ptr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return -1
	}

	var freeBytes, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(ptr, &freeBytes, &totalBytes, &totalFreeBytes); err != nil {
		return -1
	}

	return int64(freeBytes)
}
