// Package persist writes state files atomically. A file is first written to
// "<path>.new", the current file is moved to "<path>.backup", the new file
// is renamed into place and the backup removed. A crash at any point leaves
// either the old or the new file readable.
package persist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

const (
	newSuffix    = ".new"
	backupSuffix = ".backup"
)

// WriteFile atomically replaces path with whatever write produces.
func WriteFile(path string, write func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + newSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	bw := bufio.NewWriterSize(f, 1<<20)
	if err := write(bw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	backup := path + backupSuffix
	hadOld := false
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backup); err != nil {
			return fmt.Errorf("failed to back up %s: %w", path, err)
		}
		hadOld = true
	}
	if err := os.Rename(tmp, path); err != nil {
		if hadOld {
			_ = os.Rename(backup, path)
		}
		return fmt.Errorf("failed to move %s into place: %w", tmp, err)
	}
	if hadOld {
		_ = os.Remove(backup)
	}
	return nil
}

// Open opens path, falling back to the backup left by an interrupted write.
func Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if b, berr := os.Open(path + backupSuffix); berr == nil {
		return b, nil
	}
	return nil, err
}

// ReadFile runs read over the content of path.
func ReadFile(path string, read func(r io.Reader) error) error {
	f, err := Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return read(bufio.NewReaderSize(f, 1<<20))
}

// WriteCompressed is WriteFile with a zstd stream in between.
func WriteCompressed(path string, write func(w io.Writer) error) error {
	return WriteFile(path, func(w io.Writer) error {
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		if err := write(enc); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	})
}

// ReadCompressed reads a file written by WriteCompressed.
func ReadCompressed(path string, read func(r io.Reader) error) error {
	return ReadFile(path, func(r io.Reader) error {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		defer dec.Close()
		return read(dec)
	})
}

// WriteJSON stores v as indented JSON.
func WriteJSON(path string, v any) error {
	return WriteFile(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// ReadJSON loads JSON from path into v.
func ReadJSON(path string, v any) error {
	return ReadFile(path, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(v)
	})
}

// WriteCompressedJSON stores v as zstd-compressed JSON.
func WriteCompressedJSON(path string, v any) error {
	return WriteCompressed(path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(v)
	})
}

// ReadCompressedJSON loads zstd-compressed JSON into v.
func ReadCompressedJSON(path string, v any) error {
	return ReadCompressed(path, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(v)
	})
}

// Exists reports whether path (or its backup) is present.
func Exists(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	_, err := os.Stat(path + backupSuffix)
	return err == nil
}
