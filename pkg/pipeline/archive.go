package pipeline

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var errEmptyArchive = errors.New("archive contains no files")

// extractArchive unpacks a zip, tar or gzipped tar file into dst and returns
// the archive extension used when storing it.
func extractArchive(src, dst string) (string, error) {
	if zr, err := zip.OpenReader(src); err == nil {
		defer zr.Close()
		return ".zip", extractZip(&zr.Reader, dst)
	}

	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	ext := ".tar"
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return "", err
		}
		defer gz.Close()
		r, ext = gz, ".tar.gz"
	}
	return ext, extractTar(tar.NewReader(r), dst)
}

// safeJoin resolves name below dst and rejects entries that escape it.
func safeJoin(dst, name string) (string, error) {
	target := filepath.Join(dst, filepath.FromSlash(name))
	if target != dst && !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func extractZip(zr *zip.Reader, dst string) error {
	files := 0
	for _, zf := range zr.File {
		target, err := safeJoin(dst, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = copyFile(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
		files++
	}
	if files == 0 {
		return errEmptyArchive
	}
	return nil
}

func extractTar(tr *tar.Reader, dst string) error {
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := copyFile(target, tr); err != nil {
				return err
			}
			files++
		}
	}
	if files == 0 {
		return errEmptyArchive
	}
	return nil
}
