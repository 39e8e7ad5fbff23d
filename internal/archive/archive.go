// Package archive extracts SPL zip archives and fingerprints them for the
// processed-archive ledger.
package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SHA256File returns the hex SHA-256 digest of the file at path. This is the
// checksum recorded in the ledger, so re-downloads of an unchanged archive
// are recognized and skipped.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("archive: checksum %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("archive: checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Extract unpacks the zip at archivePath into destDir and returns the paths
// of the extracted XML files, sorted as stored. Entries whose names escape
// destDir are rejected.
func Extract(archivePath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", archivePath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: extract %s: %w", archivePath, err)
	}

	var xmls []string
	for _, f := range r.File {
		name := filepath.Clean(f.Name)
		if name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
			return nil, fmt.Errorf("archive: %s: entry %q escapes destination", archivePath, f.Name)
		}
		target := filepath.Join(destDir, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("archive: extract %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("archive: extract %s: %w", f.Name, err)
		}
		if err := extractFile(f, target); err != nil {
			return nil, fmt.Errorf("archive: extract %s: %w", f.Name, err)
		}
		if strings.EqualFold(filepath.Ext(name), ".xml") {
			xmls = append(xmls, target)
		}
	}
	return xmls, nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
