package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

var networkFilesystems = map[string]struct{}{
	"9p":             {},
	"afpfs":          {},
	"ceph":           {},
	"cifs":           {},
	"davfs":          {},
	"fuse.glusterfs": {},
	"fuse.sshfs":     {},
	"glusterfs":      {},
	"lustre":         {},
	"nfs":            {},
	"nfs4":           {},
	"smb2":           {},
	"smb3":           {},
	"smbfs":          {},
	"webdav":         {},
}

type partitionLister func(ctx context.Context) ([]disk.PartitionStat, error)

func listPartitions(ctx context.Context) ([]disk.PartitionStat, error) {
	return disk.PartitionsWithContext(ctx, true)
}

// ValidateLocalFilesystem ensures path (or its nearest existing parent) is
// mounted from a local filesystem. setting names the config key to mention in
// the error. When the mount table cannot be read the path is allowed.
func ValidateLocalFilesystem(ctx context.Context, path, setting string) error {
	return validateLocalFilesystem(ctx, path, setting, listPartitions)
}

func validateLocalFilesystem(ctx context.Context, path, setting string, list partitionLister) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(inspectPath); err == nil {
		inspectPath = resolved
	}

	parts, err := list(ctx)
	if err != nil {
		return nil
	}
	mount, ok := mountFor(inspectPath, parts)
	if !ok {
		return nil
	}

	if isNetworkFilesystem(mount.Fstype) {
		return fmt.Errorf(
			"path %q is on %s mount %q; SQLite locking and atomic artifact renames need local disk. Point %s at a local path",
			path,
			mount.Fstype,
			mount.Mountpoint,
			setting,
		)
	}
	return nil
}

// mountFor returns the partition with the longest mount point containing path.
func mountFor(path string, parts []disk.PartitionStat) (disk.PartitionStat, bool) {
	var best disk.PartitionStat
	found := false
	for _, p := range parts {
		mp := filepath.Clean(p.Mountpoint)
		if !within(path, mp) {
			continue
		}
		if !found || len(mp) > len(filepath.Clean(best.Mountpoint)) {
			best = p
			found = true
		}
	}
	return best, found
}

func within(path, mountpoint string) bool {
	if path == mountpoint || mountpoint == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, mountpoint+string(filepath.Separator))
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
