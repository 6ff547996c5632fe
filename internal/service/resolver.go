package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dabom10/Nong-View/internal/core/model"
)

// ImageResolver maps an image reference to a readable raster path.
type ImageResolver interface {
	Resolve(ctx context.Context, imageRef string) (string, error)
}

var rasterExts = []string{"", ".tif", ".tiff", ".TIF", ".TIFF"}

// DirResolver looks images up under Root by name, with or without a TIFF
// extension. References may name subdirectories but never leave Root.
type DirResolver struct {
	Root string
}

func (d DirResolver) Resolve(_ context.Context, imageRef string) (string, error) {
	ref := strings.TrimSpace(imageRef)
	if ref == "" {
		return "", &model.ValidationError{Errors: []string{"image reference is empty"}}
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &model.ValidationError{Errors: []string{fmt.Sprintf("image reference %q leaves the image root", imageRef)}}
	}
	base := filepath.Join(d.Root, clean)
	for _, ext := range rasterExts {
		p := base + ext
		st, err := os.Stat(p)
		if err == nil && st.Mode().IsRegular() {
			return p, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", &model.ResourceError{Op: "stat raster", Path: p, Err: err}
		}
	}
	return "", &model.ResourceError{Op: "resolve image", Path: base, Err: fs.ErrNotExist}
}
