// Package backup produces zip archives of the fleet state directory so
// an admin can pull a restorable snapshot over Telegram.
package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Maker archives the data directory on demand.
type Maker struct {
	dataDir string
}

func New(dataDir string) *Maker {
	return &Maker{dataDir: dataDir}
}

// Create walks the data directory and returns it as a zip archive.
// Live SQLite sidecar files are skipped: the database itself is
// consistent on disk, the WAL belongs to the running process.
func (m *Maker) Create(ctx context.Context) (string, []byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.WalkDir(m.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ".zip" ||
			strings.HasSuffix(path, "-wal") || strings.HasSuffix(path, "-shm") {
			return nil
		}

		rel, err := filepath.Rel(m.dataDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return "", nil, fmt.Errorf("backup: archiving %q: %w", m.dataDir, err)
	}
	if err := zw.Close(); err != nil {
		return "", nil, fmt.Errorf("backup: finalizing archive: %w", err)
	}

	name := fmt.Sprintf("wgfleet-backup-%s.zip", time.Now().Format("20060102-150405"))
	return name, buf.Bytes(), nil
}
