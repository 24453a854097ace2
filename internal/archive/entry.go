package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// Entry is a single regular file of a directory tree.
type Entry struct {
	// Path is relative to the enumerated root and always uses forward slashes.
	Path string

	// Mode holds the POSIX permission bits.
	Mode fs.FileMode

	Size int64

	// Source is the absolute on-disk location the content is read from.
	Source string
}

// Open returns a reader over the entry's content.
func (e Entry) Open() (io.ReadCloser, error) {
	if e.Source == "" {
		return nil, fmt.Errorf("entry %q has no source", e.Path)
	}
	return os.Open(e.Source)
}

// List enumerates every regular file under dir.
//
// Hidden entries are included and symbolic links are followed as if they
// were the files or directories they point to. A directory link that leads
// back to one of its own ancestors is skipped. Directories themselves are
// never returned. The result is sorted by Path.
func List(dir string) ([]Entry, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, ioErr("resolve", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, ioErr("stat", root, err)
	}
	if !info.IsDir() {
		return nil, ioErr("stat", root, fmt.Errorf("not a directory"))
	}

	var entries []Entry
	if err := collect(root, "", map[string]bool{}, &entries); err != nil {
		return nil, err
	}

	// Do not rely on filesystem ordering.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// collect walks dir recursively. ancestors holds the resolved paths of the
// directories currently on the walk stack.
func collect(dir, rel string, ancestors map[string]bool, out *[]Entry) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return ioErr("resolve", dir, err)
	}
	if ancestors[real] {
		return nil
	}
	ancestors[real] = true
	defer delete(ancestors, real)

	children, err := os.ReadDir(dir)
	if err != nil {
		return ioErr("read", dir, err)
	}
	for _, child := range children {
		full := filepath.Join(dir, child.Name())
		childRel := path.Join(rel, child.Name())

		// os.Stat follows links.
		info, err := os.Stat(full)
		if err != nil {
			return ioErr("stat", full, err)
		}
		switch {
		case info.IsDir():
			if err := collect(full, childRel, ancestors, out); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			*out = append(*out, Entry{
				Path:   childRel,
				Mode:   info.Mode().Perm(),
				Size:   info.Size(),
				Source: full,
			})
		default:
			// sockets, devices and pipes are not packaged
		}
	}
	return nil
}
