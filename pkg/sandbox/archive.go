package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// archiveFile is one regular file carried in a sync archive.
type archiveFile struct {
	Path    string
	Content []byte
}

// buildArchive assembles an in-memory tar archive from project files. Paths
// must already be normalized.
func buildArchive(files []archiveFile) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.Path,
			Mode:     0644,
			Size:     int64(len(f.Content)),
			ModTime:  now,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write archive header for %q: %w", f.Path, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("failed to write archive entry %q: %w", f.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return &buf, nil
}

// extractArchive walks a tar stream and invokes keep for every regular file.
// Entry names are stripped of stripPrefix (the container mount-point
// directory). Non-regular entries (directories, symlinks, devices) are
// drained and discarded.
func extractArchive(r io.Reader, stripPrefix string, keep func(path string, content []byte) error) error {
	tr := tar.NewReader(r)
	prefix := path.Base(stripPrefix) + "/"

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := strings.TrimPrefix(hdr.Name, prefix)
		if name == "" {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("failed to read archive entry %q: %w", hdr.Name, err)
		}
		if err := keep(name, content); err != nil {
			return err
		}
	}
}
