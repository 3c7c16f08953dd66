//go:build linux

package rawendpoint

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func writeFD(fd int, frame []byte) error {
	_, err := unix.Write(fd, frame)
	if err != nil {
		return fmt.Errorf("rawendpoint: write: %w", err)
	}
	return nil
}

func readFD(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("rawendpoint: read: %w", err)
	}
	return n, nil
}
