package archive

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Decode extracts every entry of the zip archive at sourcePath into destDir,
// creating intermediate directories and restoring permission bits.
//
// It returns only after every extracted file has been written and closed.
func Decode(sourcePath, destDir string) error {
	zr, err := zip.OpenReader(sourcePath)
	if err != nil {
		return ioErr("open", sourcePath, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return ioErr("resolve", destDir, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return ioErr("mkdir", root, err)
	}

	for _, f := range zr.File {
		if err := extract(sourcePath, root, f); err != nil {
			return err
		}
	}
	return nil
}

// creatorUnix is the unix host id in the "version made by" field (APPNOTE 4.4.2).
const creatorUnix = 3

func extract(archivePath, root string, f *zip.File) error {
	target, err := entryTarget(root, f.Name)
	if err != nil {
		return &FormatError{Archive: archivePath, Entry: f.Name, Reason: err.Error()}
	}

	mode := f.Mode()
	if mode.IsDir() || strings.HasSuffix(f.Name, "/") {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return ioErr("mkdir", target, err)
		}
		return nil
	}
	if mode&fs.ModeSymlink != 0 {
		return &FormatError{Archive: archivePath, Entry: f.Name, Reason: "symbolic link entries are not supported"}
	}
	if !mode.IsRegular() {
		return &FormatError{Archive: archivePath, Entry: f.Name, Reason: "unsupported entry type " + mode.Type().String()}
	}

	perm := mode.Perm()
	if f.CreatorVersion>>8 != creatorUnix {
		// no unix attributes recorded
		perm = 0o644
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return ioErr("mkdir", filepath.Dir(target), err)
	}

	rc, err := f.Open()
	if err != nil {
		if errors.Is(err, zip.ErrAlgorithm) || errors.Is(err, zip.ErrFormat) {
			return &FormatError{Archive: archivePath, Entry: f.Name, Reason: "unreadable entry", Err: err}
		}
		return ioErr("read", archivePath, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return ioErr("create", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) {
			return &FormatError{Archive: archivePath, Entry: f.Name, Reason: "corrupt entry", Err: err}
		}
		return ioErr("write", target, err)
	}
	if err := out.Close(); err != nil {
		return ioErr("close", target, err)
	}

	// OpenFile is subject to the umask.
	if err := os.Chmod(target, perm); err != nil {
		return ioErr("chmod", target, err)
	}
	return nil
}

// entryTarget maps an entry name onto a path under root, rejecting names
// that are absolute or climb out of root.
func entryTarget(root, name string) (string, error) {
	normalized := strings.ReplaceAll(name, `\`, "/")
	if normalized == "" {
		return "", errors.New("empty name")
	}
	if path.IsAbs(normalized) || filepath.IsAbs(normalized) || filepath.VolumeName(normalized) != "" {
		return "", errors.New("absolute path")
	}
	clean := path.Clean(normalized)
	if clean == "." {
		return "", errors.New("empty name")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.New("path escapes destination")
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}
