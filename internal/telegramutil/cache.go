package telegramutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultMaxAge        = 24 * time.Hour
	DefaultMaxFiles      = 500
	DefaultMaxTotalBytes = int64(512 * 1024 * 1024)
)

// Cache is a private per-user directory of downloaded chat files, one
// subdirectory per chat.
type Cache struct {
	Dir           string
	MaxAge        time.Duration
	MaxFiles      int
	MaxTotalBytes int64
}

type fileCacheEntry struct {
	Path    string
	ModTime time.Time
	Size    int64
}

func (c Cache) Ensure() error {
	return EnsureSecureDir(c.Dir)
}

// ChatDir returns the secured directory for chatID, creating it if needed.
func (c Cache) ChatDir(chatID int64) (string, error) {
	if err := c.Ensure(); err != nil {
		return "", err
	}
	dir := filepath.Join(c.Dir, fmt.Sprintf("chat_%d", chatID))
	if err := ensureSecureChildDir(c.Dir, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// FileName builds a stable cache file name for a downloaded attachment.
func FileName(messageID int64, fileID, original string) string {
	return fmt.Sprintf("tg_%d_%s_%s", messageID, shortHash(fileID), SanitizeFilename(original))
}

// EnsureSecureDir creates dir with 0700 permissions and refuses symlinks or
// directories owned by another user.
func EnsureSecureDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return fmt.Errorf("empty dir")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	dir = abs

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	fi, err := os.Lstat(dir)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing symlink path: %s", dir)
	}
	if !fi.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return fmt.Errorf("unsupported stat for: %s", dir)
	}
	if uid := uint32(os.Getuid()); st.Uid != uid {
		return fmt.Errorf("cache dir not owned by current user (uid=%d, owner=%d): %s", uid, st.Uid, dir)
	}
	if perm := fi.Mode().Perm(); perm != 0o700 {
		if err := os.Chmod(dir, 0o700); err != nil {
			return fmt.Errorf("cache dir has insecure perms (%#o) and chmod failed: %w", perm, err)
		}
	}
	return nil
}

func ensureSecureChildDir(parent, child string) error {
	parentAbs, err := filepath.Abs(parent)
	if err != nil {
		return err
	}
	childAbs, err := filepath.Abs(child)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(parentAbs, childAbs)
	if err != nil {
		return err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("child dir is not under parent dir: %s", childAbs)
	}
	return EnsureSecureDir(childAbs)
}

// Prune removes expired files first, then the oldest files until the count
// and size limits hold, then empty chat directories.
func (c Cache) Prune(now time.Time) (int, error) {
	dir := strings.TrimSpace(c.Dir)
	if dir == "" {
		return 0, fmt.Errorf("missing dir")
	}
	if c.MaxAge <= 0 && c.MaxFiles <= 0 && c.MaxTotalBytes <= 0 {
		return 0, nil
	}

	var kept []fileCacheEntry
	var total int64
	removed := 0
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if c.MaxAge > 0 && now.Sub(info.ModTime()) > c.MaxAge {
			if os.Remove(path) == nil {
				removed++
			}
			return nil
		}
		kept = append(kept, fileCacheEntry{Path: path, ModTime: info.ModTime(), Size: info.Size()})
		total += info.Size()
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return removed, walkErr
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].ModTime.Before(kept[j].ModTime) })
	over := func() bool {
		return (c.MaxFiles > 0 && len(kept) > c.MaxFiles) || (c.MaxTotalBytes > 0 && total > c.MaxTotalBytes)
	}
	for over() && len(kept) > 0 {
		old := kept[0]
		kept = kept[1:]
		total -= old.Size
		if os.Remove(old.Path) == nil {
			removed++
		}
	}

	var dirs []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && filepath.Clean(path) != filepath.Clean(dir) {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		_ = os.Remove(d)
	}
	return removed, nil
}

func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	name = filepath.Base(name)
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == '+':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._- ")
	if out == "" {
		return "file"
	}
	const max = 120
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}
