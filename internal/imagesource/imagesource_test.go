package imagesource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestFileCameraCopiesFrame(t *testing.T) {
	dir := t.TempDir()
	device := filepath.Join(dir, "device.jpg")
	if err := os.WriteFile(device, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("failed to write device frame: %v", err)
	}

	cam := NewFileCamera(device, filepath.Join(dir, "captures"), zap.NewNop())
	handle, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("expected capture to succeed, got %v", err)
	}
	if !strings.HasSuffix(string(handle), ".jpg") {
		t.Fatalf("expected jpg handle, got %s", handle)
	}
	data, err := os.ReadFile(string(handle))
	if err != nil {
		t.Fatalf("captured file unreadable: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected captured content: %q", data)
	}
}

func TestFileCameraMissingDevice(t *testing.T) {
	cam := NewFileCamera(filepath.Join(t.TempDir(), "missing"), t.TempDir(), zap.NewNop())
	_, err := cam.Capture(context.Background())
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
}

func TestFileCameraEmptyFrame(t *testing.T) {
	dir := t.TempDir()
	device := filepath.Join(dir, "device.jpg")
	if err := os.WriteFile(device, nil, 0o644); err != nil {
		t.Fatalf("failed to write device frame: %v", err)
	}
	captures := filepath.Join(dir, "captures")

	cam := NewFileCamera(device, captures, zap.NewNop())
	if _, err := cam.Capture(context.Background()); !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	entries, _ := os.ReadDir(captures)
	if len(entries) != 0 {
		t.Fatalf("expected partial capture to be removed, found %d files", len(entries))
	}
}

func newGalleryDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to seed gallery: %v", err)
		}
	}
	return dir
}

func TestDirectoryGalleryPick(t *testing.T) {
	dir := newGalleryDir(t, "b.png", "a.jpg", "notes.txt")

	var offered []string
	g := NewDirectoryGallery(dir, func(ctx context.Context, names []string) (string, error) {
		offered = names
		return "b.png", nil
	}, zap.NewNop())

	handle, err := g.Pick(context.Background())
	if err != nil {
		t.Fatalf("expected pick to succeed, got %v", err)
	}
	if handle != Handle(filepath.Join(dir, "b.png")) {
		t.Fatalf("unexpected handle %s", handle)
	}
	if len(offered) != 2 || offered[0] != "a.jpg" || offered[1] != "b.png" {
		t.Fatalf("expected sorted image names, got %v", offered)
	}
}

func TestDirectoryGalleryCancel(t *testing.T) {
	dir := newGalleryDir(t, "a.jpg")
	g := NewDirectoryGallery(dir, func(ctx context.Context, names []string) (string, error) {
		return "  ", nil
	}, zap.NewNop())

	if _, err := g.Pick(context.Background()); !errors.Is(err, ErrPickCancelled) {
		t.Fatalf("expected ErrPickCancelled, got %v", err)
	}
}

func TestDirectoryGalleryUnknownChoice(t *testing.T) {
	dir := newGalleryDir(t, "a.jpg")
	g := NewDirectoryGallery(dir, func(ctx context.Context, names []string) (string, error) {
		return "../etc/passwd", nil
	}, zap.NewNop())

	if _, err := g.Pick(context.Background()); !errors.Is(err, ErrPickFailed) {
		t.Fatalf("expected ErrPickFailed, got %v", err)
	}
}

func TestDirectoryGalleryMissingDir(t *testing.T) {
	g := NewDirectoryGallery(filepath.Join(t.TempDir(), "nope"), func(ctx context.Context, names []string) (string, error) {
		t.Fatal("chooser should not be called")
		return "", nil
	}, zap.NewNop())

	if _, err := g.Pick(context.Background()); !errors.Is(err, ErrPickFailed) {
		t.Fatalf("expected ErrPickFailed, got %v", err)
	}
}
