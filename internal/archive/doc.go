// Package archive implements the zip codec used to unpack and repack
// deployment bundles.
//
// Encoding is deterministic: files are enumerated in lexical order of their
// forward-slash relative path, every entry carries the same fixed
// modification time, and permission bits are stored in the entry's external
// attributes. Encoding the same tree twice yields byte-identical archives.
//
// Decoding restores relative paths and permission bits exactly and rejects
// entries that would escape the destination directory.
package archive
