//go:build !unix

package kvstore

import "os"

// Advisory locking is only available on unix; elsewhere the lock file is
// created but not held exclusively.
func lockFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

func unlockFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
