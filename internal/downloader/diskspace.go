package downloader

import (
	"golang.org/x/sys/unix"
)

// availableBytes reports how many bytes an unprivileged writer can still
// claim on the volume holding path.
func availableBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}

	return st.Bavail * uint64(st.Bsize), nil
}
