package archive

import (
	"encoding/hex"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// Header describes one archive entry as stored.
type Header struct {
	Name string
	Mode fs.FileMode
	Size uint64
}

// Inspect returns the entries of the archive at path in stored order.
func Inspect(path string) ([]Header, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	defer zr.Close()

	headers := make([]Header, 0, len(zr.File))
	for _, f := range zr.File {
		headers = append(headers, Header{
			Name: f.Name,
			Mode: f.Mode(),
			Size: f.UncompressedSize64,
		})
	}
	return headers, nil
}

// Digest returns the hex BLAKE3 digest of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", ioErr("open", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", ioErr("read", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
