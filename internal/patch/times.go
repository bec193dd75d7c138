package patch

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// setModTime sets the modification time of path, leaving the access time
// untouched. Symlinks themselves are updated, not their targets.
func setModTime(path string, mtime time.Time, nofollow bool) error {
	if !nofollow {
		if err := os.Chtimes(path, time.Time{}, mtime); err != nil {
			return fmt.Errorf("set mtime of %s: %w", path, err)
		}
		return nil
	}

	ts := []unix.Timespec{
		{Nsec: unix.UTIME_OMIT},
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("set mtime of link %s: %w", path, err)
	}
	return nil
}

// modeMatches compares an on-disk st_mode with an expected mode. An expected
// mode that carries no file type bits is compared against permissions only.
func modeMatches(actual, expected uint32) bool {
	if actual == expected {
		return true
	}
	return expected&^0o7777 == 0 && actual&0o7777 == expected
}
