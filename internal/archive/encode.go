package archive

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
)

// entryTime is stamped on every entry so archives do not depend on file
// modification times.
var entryTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

const defaultArchiveMode fs.FileMode = 0o644

// Encode packs every regular file under sourceDir into a zip archive at
// destPath and returns destPath.
//
// The archive is written to a temporary sibling of destPath, finalized,
// synced and closed, and only then renamed over destPath. A failed Encode
// leaves any existing destPath untouched.
func Encode(sourceDir, destPath string) (string, error) {
	entries, err := List(sourceDir)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ioErr("mkdir", dir, err)
	}

	mode := defaultArchiveMode
	if info, err := os.Stat(destPath); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(destPath)+".tmp.*")
	if err != nil {
		return "", ioErr("create", destPath, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, e := range entries {
		if err := writeEntry(zw, e); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", ioErr("finalize", destPath, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return "", ioErr("chmod", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", ioErr("sync", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return "", ioErr("close", tmpName, err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		return "", ioErr("rename", destPath, err)
	}
	committed = true
	return destPath, nil
}

func writeEntry(zw *zip.Writer, e Entry) error {
	hdr := &zip.FileHeader{
		Name:     e.Path,
		Method:   zip.Deflate,
		Modified: entryTime,
	}
	hdr.SetMode(e.Mode)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return ioErr("write", e.Path, err)
	}
	src, err := e.Open()
	if err != nil {
		return ioErr("open", e.Source, err)
	}
	_, copyErr := io.Copy(w, src)
	closeErr := src.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return ioErr("read", e.Source, err)
	}
	return nil
}
