package imagesource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Chooser presents the candidate images and returns the selected name.
// An empty selection means the user cancelled.
type Chooser func(ctx context.Context, names []string) (string, error)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
	".webp": true,
}

// DirectoryGallery offers the images found in a single directory.
type DirectoryGallery struct {
	Dir    string
	choose Chooser
	logger *zap.Logger
}

// NewDirectoryGallery returns a gallery over dir using choose for selection.
func NewDirectoryGallery(dir string, choose Chooser, logger *zap.Logger) *DirectoryGallery {
	return &DirectoryGallery{Dir: dir, choose: choose, logger: logger.Named("gallery")}
}

// Pick lists the gallery and returns the chosen image.
func (g *DirectoryGallery) Pick(ctx context.Context) (Handle, error) {
	names, err := g.list()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPickFailed, err)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no images in %s", ErrPickFailed, g.Dir)
	}

	choice, err := g.choose(ctx, names)
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrPickCancelled
		}
		return "", fmt.Errorf("%w: %v", ErrPickFailed, err)
	}
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return "", ErrPickCancelled
	}

	if !contains(names, choice) {
		return "", fmt.Errorf("%w: %q is not in the gallery", ErrPickFailed, choice)
	}

	path := filepath.Join(g.Dir, choice)
	f, err := os.Open(path)
	if err != nil {
		g.logger.Warn("gallery image unreadable", zap.String("path", path), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrPickFailed, err)
	}
	f.Close()

	return Handle(path), nil
}

func (g *DirectoryGallery) list() ([]string, error) {
	entries, err := os.ReadDir(g.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
