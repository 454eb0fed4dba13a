package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreate(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "users", "alice"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"expirations.json":       `{"alice":{"expiration_time":null,"traffic_limit":"unlimited"}}`,
		"users/alice/alice.conf": "[Interface]\nPrivateKey = x\n",
		"traffic.db-wal":         "should be skipped",
		"old-backup.zip":         "should be skipped",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	name, data, err := New(dir).Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(name, "wgfleet-backup-") || !strings.HasSuffix(name, ".zip") {
		t.Errorf("unexpected archive name %q", name)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}

	got := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(rc)
		rc.Close()
		got[f.Name] = string(body)
	}

	if got["expirations.json"] != files["expirations.json"] {
		t.Errorf("expirations.json content mismatch: %q", got["expirations.json"])
	}
	if got["users/alice/alice.conf"] != files["users/alice/alice.conf"] {
		t.Errorf("client config missing from archive")
	}
	if _, ok := got["traffic.db-wal"]; ok {
		t.Errorf("WAL file should not be archived")
	}
	if _, ok := got["old-backup.zip"]; ok {
		t.Errorf("old archives should not be re-archived")
	}
}
