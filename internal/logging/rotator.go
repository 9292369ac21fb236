package logging

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

// RotateOptions configures a FileRotator.
type RotateOptions struct {
	// Path of the active log file.
	Path string

	// MaxSizeMB rotates the file before a write would take it past
	// this size. Zero disables size-based rotation.
	MaxSizeMB int64

	// MaxAgeDays removes rotated files older than this. Zero keeps them.
	MaxAgeDays int

	// MaxBackups caps the number of rotated files. Zero keeps all.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	// Daily rotates the file when the calendar day changes.
	Daily bool
}

// FileRotator is an io.Writer over a log file that rotates by size and,
// optionally, by day. Rotated files are named <base>-<timestamp><ext>.
type FileRotator struct {
	opts RotateOptions
	now  func() time.Time

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time

	// bg tracks compression and cleanup goroutines so Close can wait.
	bg sync.WaitGroup
}

// NewFileRotator opens (or creates) the log file at opts.Path.
func NewFileRotator(opts RotateOptions) (*FileRotator, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	r := &FileRotator{opts: opts, now: time.Now}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	r.opened = r.now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(incoming int64) bool {
	if r.size == 0 {
		return false
	}
	if r.opts.MaxSizeMB > 0 && r.size+incoming > r.opts.MaxSizeMB<<20 {
		return true
	}
	if r.opts.Daily {
		y1, m1, d1 := r.opened.Date()
		y2, m2, d2 := r.now().Date()
		return y1 != y2 || m1 != m2 || d1 != d2
	}
	return false
}

// Rotate forces a rotation, e.g. on SIGHUP.
func (r *FileRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked()
}

func (r *FileRotator) rotateLocked() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
		r.file = nil
	}

	rotated := r.backupName(r.now())
	if err := os.Rename(r.opts.Path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.open(); err != nil {
		return err
	}

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if r.opts.Compress {
			compressFile(rotated)
		}
		r.prune()
	}()
	return nil
}

// backupName returns an unused rotated file name for t.
func (r *FileRotator) backupName(t time.Time) string {
	dir, prefix, ext := r.parts()
	stamp := t.Format("20060102-150405")
	name := filepath.Join(dir, prefix+"-"+stamp+ext)
	for i := 1; fileExists(name) || fileExists(name+".gz"); i++ {
		name = filepath.Join(dir, fmt.Sprintf("%s-%s.%d%s", prefix, stamp, i, ext))
	}
	return name
}

func (r *FileRotator) parts() (dir, prefix, ext string) {
	base := filepath.Base(r.opts.Path)
	ext = filepath.Ext(base)
	return filepath.Dir(r.opts.Path), strings.TrimSuffix(base, ext), ext
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// compressFile gzips path to path.gz and removes the original.
func compressFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return
	}

	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	_, copyErr := io.Copy(gz, in)
	closeErr := gz.Close()
	out.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// prune enforces MaxBackups and MaxAgeDays on rotated files.
func (r *FileRotator) prune() {
	backups, err := r.Backups()
	if err != nil {
		return
	}

	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(backups))
	for _, path := range backups {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path, info.ModTime()})
	}
	// Newest first.
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod.After(entries[j].mod) })

	cutoff := r.now().AddDate(0, 0, -r.opts.MaxAgeDays)
	for i, e := range entries {
		tooMany := r.opts.MaxBackups > 0 && i >= r.opts.MaxBackups
		tooOld := r.opts.MaxAgeDays > 0 && e.mod.Before(cutoff)
		if tooMany || tooOld {
			os.Remove(e.path)
		}
	}
}

// Backups returns the rotated files, compressed or not.
func (r *FileRotator) Backups() ([]string, error) {
	dir, prefix, ext := r.parts()
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*"+ext+"*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Close waits for background work and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	var err error
	if r.file != nil {
		err = r.file.Close()
		r.file = nil
	}
	r.mu.Unlock()

	r.bg.Wait()
	return err
}

// Sync flushes the file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}
