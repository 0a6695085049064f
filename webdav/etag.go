package webdav

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"syscall"
)

// ComputeETag implements the ETag policy of spec §4.A: inode-mtime-size
// where the platform exposes a stable inode (via the Sys() escape hatch on
// *syscall.Stat_t), falling back to md5(path)-mtime-size otherwise. It is
// the single canonical implementation; internal/fsresource's Driver.Describe
// calls this same function so a resource's ETag never depends on which
// caller computed it.
func ComputeETag(name string, info os.FileInfo) string {
	if ino, ok := inodeOf(info); ok {
		return fmt.Sprintf(`"%x-%x-%x"`, ino, info.ModTime().UnixNano(), info.Size())
	}
	sum := md5.Sum([]byte(name))
	return fmt.Sprintf(`"%s-%x-%x"`, hex.EncodeToString(sum[:]), info.ModTime().UnixNano(), info.Size())
}

// inodeOf extracts a stable inode number from info's platform-specific
// Sys() value, when the platform is one that populates *syscall.Stat_t
// (every unix Go target). It reports ok=false on platforms (e.g. plan9, js)
// where the type assertion cannot succeed, so ComputeETag's md5(path)
// fallback takes over instead of panicking.
func inodeOf(info os.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return 0, false
	}
	return uint64(st.Ino), true
}
