package parser

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"
)

// readZipEntry extracts one entry from a job output zip. Entry names
// match exactly or by suffix so nested module layouts keep working.
func readZipEntry(path, name string) ([]byte, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.Name != name && !strings.HasSuffix(file.Name, "/"+name) {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in %s: %w", name, path, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s in %s: %w", name, path, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s not found in %s", name, path)
}

// isZip reports whether the path is a zip archive.
func isZip(path string) bool {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	reader.Close()
	return true
}
