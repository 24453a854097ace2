package pipeline

// Artifact is a rewritten bundle handed back to the host.
type Artifact struct {
	Target string `json:"target"`
	Path   string `json:"path"`

	// Digest is the BLAKE3 hex digest of the rewritten archive.
	Digest  string `json:"digest"`
	Entries int    `json:"entries"`
}

// Result describes a run. It is returned even when the run fails, holding
// whatever targets completed.
type Result struct {
	// Artifacts are the completed targets, in target order.
	Artifacts []Artifact

	// States is the final state of every target.
	States States

	// CleanupErrors are non-fatal.
	CleanupErrors []error
}

// Paths returns the artifact paths in target order.
func (r *Result) Paths() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		out = append(out, a.Path)
	}
	return out
}
