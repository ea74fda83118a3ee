package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/telegramapi"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/telegramutil"
)

type downloadedFile struct {
	Kind         string
	OriginalName string
	MimeType     string
	SizeBytes    int64
	Path         string
}

type remoteFile struct {
	kind      string
	fileID    string
	name      string
	mimeType  string
	size      int64
	messageID int64
}

// downloadFiles fetches every attachment of msgs into the chat's cache
// directory, in message order. Files already on disk are reused.
func (r *Runtime) downloadFiles(ctx context.Context, chatID int64, msgs []*telegramapi.Message) ([]downloadedFile, error) {
	if strings.TrimSpace(r.d.Cache.Dir) == "" {
		return nil, fmt.Errorf("file cache dir is not configured")
	}
	chatDir, err := r.d.Cache.ChatDir(chatID)
	if err != nil {
		return nil, err
	}

	var out []downloadedFile
	seen := make(map[string]bool)
	for _, m := range msgs {
		for _, rf := range attachments(m) {
			if seen[rf.fileID] {
				continue
			}
			seen[rf.fileID] = true
			f, err := r.d.API.GetFile(ctx, rf.fileID)
			if err != nil {
				return nil, err
			}
			orig := strings.TrimSpace(rf.name)
			if orig == "" {
				orig = rf.kind + filepath.Ext(f.FilePath)
			}
			dst := filepath.Join(chatDir, telegramutil.FileName(rf.messageID, rf.fileID, orig))
			if _, err := os.Stat(dst); err != nil {
				if err := r.fetchTo(ctx, f.FilePath, chatDir, dst); err != nil {
					return nil, err
				}
			}
			out = append(out, downloadedFile{
				Kind:         rf.kind,
				OriginalName: orig,
				MimeType:     rf.mimeType,
				SizeBytes:    rf.size,
				Path:         dst,
			})
			r.logger.Debug("telegram_file_saved", "chat_id", chatID, "kind", rf.kind, "path", dst)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("message has no downloadable file")
	}
	return out, nil
}

func (r *Runtime) fetchTo(ctx context.Context, remotePath, dir, dst string) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	if _, err := r.d.API.DownloadFileTo(ctx, remotePath, tmpPath, r.opts.FileMaxBytes); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// attachments lists the document and the largest photo size of m.
func attachments(m *telegramapi.Message) []remoteFile {
	if m == nil {
		return nil
	}
	var out []remoteFile
	if d := m.Document; d != nil && strings.TrimSpace(d.FileID) != "" {
		out = append(out, remoteFile{
			kind:      "document",
			fileID:    strings.TrimSpace(d.FileID),
			name:      d.FileName,
			mimeType:  d.MimeType,
			size:      d.FileSize,
			messageID: m.MessageID,
		})
	}
	var best *telegramapi.PhotoSize
	for i := range m.Photo {
		if strings.TrimSpace(m.Photo[i].FileID) == "" {
			continue
		}
		best = &m.Photo[i]
	}
	if best != nil {
		out = append(out, remoteFile{
			kind:      "photo",
			fileID:    strings.TrimSpace(best.FileID),
			size:      best.FileSize,
			messageID: m.MessageID,
		})
	}
	return out
}

func buildFilesPrompt(files []downloadedFile, caption string) string {
	var b strings.Builder
	if len(files) == 1 {
		b.WriteString("The user sent a file. It is saved at:\n")
	} else {
		fmt.Fprintf(&b, "The user sent %d files. They are saved at:\n", len(files))
	}
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%s", f.Path, f.Kind)
		if f.MimeType != "" {
			fmt.Fprintf(&b, ", %s", f.MimeType)
		}
		b.WriteString(")\n")
	}
	caption = strings.TrimSpace(caption)
	if caption == "" {
		if len(files) == 1 {
			caption = "Take a look at it."
		} else {
			caption = "Take a look at them."
		}
	}
	b.WriteString("\n")
	b.WriteString(caption)
	return b.String()
}
