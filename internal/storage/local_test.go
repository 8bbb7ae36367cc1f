package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalUploader(t *testing.T) {
	dir := t.TempDir()
	u, err := NewLocalUploader(dir)
	if err != nil {
		t.Fatal(err)
	}

	ref, err := u.Upload(context.Background(), "audio/u1/20240101_090000_abc.flac", "audio/flac", bytes.NewReader([]byte("fLaC")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") {
		t.Errorf("ref = %q", ref)
	}
	got, err := os.ReadFile(filepath.Join(dir, "audio", "u1", "20240101_090000_abc.flac"))
	if err != nil || string(got) != "fLaC" {
		t.Fatalf("stored = %q, %v", got, err)
	}

	if _, err := u.Upload(context.Background(), "audio/u1/20240101_090000_abc.flac", "audio/flac", bytes.NewReader(nil)); err == nil {
		t.Error("expected overwrite to fail")
	}
}

func TestLocalUploaderRejectsEscapes(t *testing.T) {
	u, err := NewLocalUploader(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"../x.flac", "/etc/x", ""} {
		if _, err := u.Upload(context.Background(), name, "", bytes.NewReader(nil)); err == nil {
			t.Errorf("Upload(%q) succeeded", name)
		}
	}
}
