package compiler

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"
	"github.com/zeebo/blake3"

	"babelpack/internal/archive"
)

// Snapshot records the content digest of every file under a directory that
// matches an ignore pattern, so a compiler run can be checked for having
// left those files alone.
type Snapshot struct {
	patterns []string
	digests  map[string]string
}

// TakeSnapshot digests the files under dir matching any of patterns.
// Patterns use doublestar syntax against forward-slash relative paths.
func TakeSnapshot(dir string, patterns ...string) (*Snapshot, error) {
	for _, p := range patterns {
		if err := validatePattern(p); err != nil {
			return nil, err
		}
	}
	s := &Snapshot{patterns: patterns}
	digests, err := s.collect(dir)
	if err != nil {
		return nil, err
	}
	s.digests = digests
	return s, nil
}

// validatePattern checks every path component of p on its own. Match stops
// at the first component that fails and skips errors below a "**", so a
// whole-pattern Match can accept a malformed glob.
func validatePattern(p string) error {
	for _, c := range strings.Split(p, "/") {
		if c == "" || c == "**" {
			continue
		}
		if _, err := doublestar.Match(c, c); err != nil {
			return fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
	}
	return nil
}

// Len reports how many files are guarded.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.digests)
}

// Verify compares dir against the snapshot. Any guarded file that changed,
// disappeared or appeared is reported as a compiler failure.
func (s *Snapshot) Verify(dir string) error {
	if s == nil || len(s.patterns) == 0 {
		return nil
	}
	current, err := s.collect(dir)
	if err != nil {
		return err
	}

	var changed []string
	for p, digest := range s.digests {
		if current[p] != digest {
			changed = append(changed, p)
		}
	}
	for p := range current {
		if _, ok := s.digests[p]; !ok {
			changed = append(changed, p)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)
	return &Error{Stderr: "compiler modified ignored paths: " + strings.Join(changed, ", ")}
}

func (s *Snapshot) collect(dir string) (map[string]string, error) {
	out := map[string]string{}
	if len(s.patterns) == 0 {
		return out, nil
	}
	entries, err := archive.List(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		ok, err := s.matches(e.Path)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		digest, err := digestEntry(e)
		if err != nil {
			return nil, err
		}
		out[e.Path] = digest
	}
	return out, nil
}

func (s *Snapshot) matches(rel string) (bool, error) {
	for _, p := range s.patterns {
		ok, err := doublestar.Match(p, rel)
		if err != nil {
			return false, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func digestEntry(e archive.Entry) (string, error) {
	rc, err := e.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := blake3.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("digest %s: %w", e.Path, err)
	}
	// Permission changes count as modifications too.
	fmt.Fprintf(h, "\x00%o", e.Mode)
	return hex.EncodeToString(h.Sum(nil)), nil
}
