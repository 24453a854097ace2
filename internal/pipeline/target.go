package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"babelpack/internal/config"
)

// Lifecycle events of the host deployment tool. Both run the same sequence.
const (
	EventCreateDeploymentArtifacts = "after:deploy:createDeploymentArtifacts"
	EventPackageFunction           = "after:deploy:function:packageFunction"
)

const (
	// ArtifactDir holds the bundles, relative to the service directory.
	ArtifactDir = ".serverless"

	// StateDirName is reserved inside ArtifactDir for run records.
	StateDirName = "babelpack"
)

// IsKnownEvent reports whether event is one of the handled lifecycle events.
func IsKnownEvent(event string) bool {
	return event == EventCreateDeploymentArtifacts || event == EventPackageFunction
}

// Trigger is what the host asked for.
type Trigger struct {
	Event string

	// Function is the function key when a single function is packaged.
	Function string
}

// Target is one bundle to transform.
type Target struct {
	// Name is the bundle name without extension.
	Name string

	// Archive is the absolute path of <Name>.zip.
	Archive string

	// WorkDir is the extraction directory, unique per bundle name.
	WorkDir string
}

// NewTarget places the bundle name under the artifact directory of servicePath.
func NewTarget(servicePath, name string) Target {
	dir := filepath.Join(servicePath, ArtifactDir)
	return Target{
		Name:    name,
		Archive: filepath.Join(dir, name+".zip"),
		WorkDir: filepath.Join(dir, name),
	}
}

// ResolveTargets decides which bundles a trigger covers.
//
// A function trigger covers that function's bundle only. A service packaged
// individually covers every function bundle in declaration order. Otherwise
// the single service bundle is covered.
func ResolveTargets(servicePath string, svc *config.Service, trig Trigger) ([]Target, error) {
	if !IsKnownEvent(trig.Event) {
		return nil, fmt.Errorf("unsupported lifecycle event %q", trig.Event)
	}
	if trig.Event == EventPackageFunction && trig.Function == "" {
		return nil, fmt.Errorf("event %s requires a function", trig.Event)
	}

	var names []string
	owners := map[string]string{}
	switch {
	case trig.Function != "":
		f, ok := svc.Function(trig.Function)
		if !ok {
			return nil, &config.Error{
				Field:   "functions",
				Source:  svc.Source,
				Message: fmt.Sprintf("function %q is not declared in %s", trig.Function, filepath.Base(svc.Source)),
			}
		}
		names = append(names, svc.ArtifactName(f))
	case svc.Individually:
		for _, f := range svc.Functions {
			name := svc.ArtifactName(f)
			if other, dup := owners[name]; dup {
				return nil, &config.Error{
					Field:   "functions",
					Source:  svc.Source,
					Message: fmt.Sprintf("functions %q and %q both package to %s.zip", other, f.Key, name),
				}
			}
			owners[name] = f.Key
			names = append(names, name)
		}
	default:
		names = append(names, svc.Name)
	}

	targets := make([]Target, 0, len(names))
	for _, n := range names {
		targets = append(targets, NewTarget(servicePath, n))
	}
	return targets, nil
}

// validName reports whether name is usable as a single path component that
// does not collide with the reserved state directory.
func validName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("bundle name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("bundle name %q is not a file name", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("bundle name %q contains a path separator", name)
	case name == StateDirName:
		return fmt.Errorf("bundle name %q is reserved", name)
	}
	return nil
}
