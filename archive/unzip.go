// Package archive extracts image files from uploaded ZIP archives, with
// path-traversal protection and filtering down to supported image
// extensions.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"picturas.eve.evalgo.org/common"
)

// SupportedExtensions lists the image file extensions extracted from an
// uploaded ZIP archive; anything else is skipped.
var SupportedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tiff": true,
	".webp": true,
}

// ExtractedFile describes one image pulled out of a ZIP archive.
type ExtractedFile struct {
	// Path is the path the file was written to, directly under tgtPath.
	Path string
	// Name is the file's base name, as it appeared in the archive.
	Name string
}

// ExtractImages extracts every entry in the ZIP archive at zipPath whose
// extension is in SupportedExtensions into tgtPath, which is created if it
// doesn't exist. Entries whose resolved path would escape tgtPath (zip
// slip) are skipped rather than extracted. Unlike a generic unzip, this
// does not preserve directory structure: every matching entry lands
// directly under tgtPath, named after its archive basename.
func ExtractImages(zipPath, tgtPath string) ([]ExtractedFile, error) {
	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open zip archive: %w", err)
	}
	defer archive.Close()

	if err := os.MkdirAll(tgtPath, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction target: %w", err)
	}
	cleanTgt := filepath.Clean(tgtPath)

	var extracted []ExtractedFile
	for _, f := range archive.File {
		if f.FileInfo().IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(f.Name))
		if !SupportedExtensions[ext] {
			common.Logger.WithField("entry", f.Name).Debug("skipping unsupported archive entry")
			continue
		}

		resolved := filepath.Join(cleanTgt, f.Name)
		base := filepath.Base(f.Name)
		destPath := filepath.Join(cleanTgt, base)
		if !strings.HasPrefix(resolved, cleanTgt+string(os.PathSeparator)) ||
			!strings.HasPrefix(destPath, cleanTgt+string(os.PathSeparator)) {
			common.Logger.WithField("entry", f.Name).Warn("skipping archive entry with unsafe path")
			continue
		}

		if err := extractEntry(f, destPath); err != nil {
			return extracted, fmt.Errorf("extract %q: %w", f.Name, err)
		}
		extracted = append(extracted, ExtractedFile{Path: destPath, Name: base})
	}

	return extracted, nil
}

func extractEntry(f *zip.File, destPath string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
