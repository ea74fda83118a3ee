package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rotatingWriter appends JSON lines to path and renames the file with a
// UTC timestamp suffix once it would grow past maxBytes.
type rotatingWriter struct {
	path     string
	maxBytes int64
	now      func() time.Time

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	size   int64
	closed bool
}

func newRotatingWriter(path string, maxBytes int64) (*rotatingWriter, error) {
	w := &rotatingWriter{path: path, maxBytes: maxBytes, now: time.Now}
	if err := w.openLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) appendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("audit encode %s: %w", w.path, err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("audit writer closed")
	}
	if err := w.rotateIfNeededLocked(int64(len(data))); err != nil {
		return err
	}
	n, err := w.writer.Write(data)
	w.size += int64(n)
	if err != nil {
		return err
	}
	return w.writer.Flush()
}

func (w *rotatingWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.writer != nil {
		_ = w.writer.Flush()
	}
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.writer = nil, nil
	return err
}

func (w *rotatingWriter) rotateIfNeededLocked(incoming int64) error {
	if w.maxBytes <= 0 || w.size == 0 || w.size+incoming <= w.maxBytes {
		return nil
	}
	_ = w.writer.Flush()
	_ = w.file.Close()
	w.file, w.writer, w.size = nil, nil, 0

	base := fmt.Sprintf("%s.%s", w.path, w.now().UTC().Format("20060102T150405Z"))
	rotated := base
	for i := 1; ; i++ {
		if _, err := os.Stat(rotated); errors.Is(err, os.ErrNotExist) {
			break
		} else if err != nil {
			return err
		}
		rotated = fmt.Sprintf("%s.%d", base, i)
	}
	if err := os.Rename(w.path, rotated); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return w.openLocked()
}

func (w *rotatingWriter) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, 64*1024)
	w.size = info.Size()
	return nil
}
