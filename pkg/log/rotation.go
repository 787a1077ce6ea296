// Size based log file rotation
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const rotationStamp = "20060102-150405.000"

// RotationConfig configures a RotatingFile.
type RotationConfig struct {
	Filename string
	// MaxSize is the size in bytes at which the file is rotated.
	// Defaults to 10 MiB.
	MaxSize int64
	// MaxBackups bounds the rotated files kept next to Filename.
	// Defaults to 5.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// RotatingFile is an io.Writer that moves the log aside once it grows past
// MaxSize. Rotated files are named <base>.<timestamp><ext>[.gz].
type RotatingFile struct {
	mu   sync.Mutex
	cfg  RotationConfig
	file *os.File
	size int64
	now  func() time.Time
}

func OpenRotatingFile(cfg RotationConfig) (*RotatingFile, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 << 20
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	r := &RotatingFile{cfg: cfg, now: time.Now}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(r.cfg.Filename), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(r.cfg.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size = f, info.Size()
	return nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	// A record larger than MaxSize still lands in a fresh file.
	if r.size > 0 && r.size+int64(len(p)) > r.cfg.MaxSize {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	ext := filepath.Ext(r.cfg.Filename)
	rotated := fmt.Sprintf("%s.%s%s", strings.TrimSuffix(r.cfg.Filename, ext), r.now().Format(rotationStamp), ext)
	if err := os.Rename(r.cfg.Filename, rotated); err != nil {
		if oerr := r.open(); oerr != nil {
			r.file = nil
		}
		return err
	}
	if r.cfg.Compress {
		if err := gzipFile(rotated); err != nil {
			return err
		}
	}
	r.prune()
	return r.open()
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(name + ".gz")
		return err
	}
	return os.Remove(name)
}

// Backups lists the rotated files, oldest first.
func (r *RotatingFile) Backups() []string {
	dir := filepath.Dir(r.cfg.Filename)
	base := filepath.Base(r.cfg.Filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name == base || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".gz"), ext)
		if _, err := time.Parse(rotationStamp, stamp); err != nil {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	// The timestamp format sorts lexically.
	sort.Strings(out)
	return out
}

func (r *RotatingFile) prune() {
	backups := r.Backups()
	for len(backups) > r.cfg.MaxBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
}

func (r *RotatingFile) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *RotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// TeeToFile makes l write to a rotating file as well as its current
// output. Color is turned off so escape codes stay out of the file.
func TeeToFile(l *Logger, cfg RotationConfig) (*RotatingFile, error) {
	f, err := OpenRotatingFile(cfg)
	if err != nil {
		return nil, err
	}
	l.out.mu.Lock()
	l.out.writer = io.MultiWriter(l.out.writer, f)
	l.out.colorize = false
	l.out.mu.Unlock()
	return f, nil
}
