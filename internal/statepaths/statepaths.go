package statepaths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	SessionFilename = "session.json"
	AuditFilename   = "audit.jsonl"
)

// FileStateDir is where the bot keeps its session record and audit log.
func FileStateDir() string {
	return ExpandHomePath(viper.GetString("file_state_dir"))
}

func SessionFile() string {
	return resolveStateFile(viper.GetString("session.state_file"), SessionFilename)
}

func AuditFile() string {
	return resolveStateFile(viper.GetString("audit.path"), AuditFilename)
}

func FileCacheDir() string {
	return ExpandHomePath(viper.GetString("telegram.file_cache_dir"))
}

// WorkingDir is the directory the assistant runs in; empty means the
// current directory.
func WorkingDir() string {
	return ExpandHomePath(viper.GetString("claude.working_dir"))
}

func resolveStateFile(configured, name string) string {
	if p := ExpandHomePath(configured); p != "" {
		return p
	}
	dir := FileStateDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, name)
}

// ExpandHomePath replaces a leading "~" with the user's home directory.
func ExpandHomePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return filepath.Clean(p)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Clean(p)
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}
