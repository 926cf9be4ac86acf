package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// artifactExt is the shared-library suffix the toolchain is expected to
// produce for each mod.
const artifactExt = ".so"

// BuildArtifact names the outputs of one mod build.
type BuildArtifact struct {
	LibraryPath    string
	DescriptorPath string
}

// Toolchain compiles a mod package's source directory into a shared
// library plus descriptor sidecar in the given output directory. It is
// an opaque external collaborator; the bridge only hands it directories
// and consumes the artifacts it reports.
type Toolchain interface {
	Build(ctx context.Context, srcDir, outDir string) (BuildArtifact, error)
}

// ExecToolchain invokes a configured build command once per mod. Each
// argv element has {src} and {out} replaced with the source and output
// directories. The command must leave <mod>.so and <mod>.modinfo in the
// output directory, where <mod> is the source directory's base name.
type ExecToolchain struct {
	Command []string
	Debug   bool
}

// Build runs the build command for one mod package.
func (t *ExecToolchain) Build(ctx context.Context, srcDir, outDir string) (BuildArtifact, error) {
	if len(t.Command) == 0 {
		return BuildArtifact{}, &BuildError{Dir: srcDir, Err: fmt.Errorf("no build command configured")}
	}

	argv := make([]string, len(t.Command))
	for i, a := range t.Command {
		a = strings.ReplaceAll(a, "{src}", srcDir)
		a = strings.ReplaceAll(a, "{out}", outDir)
		argv[i] = a
	}

	if t.Debug {
		fmt.Fprintf(os.Stderr, "Toolchain: exec: %s\n", strings.Join(argv, " "))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return BuildArtifact{}, &BuildError{Dir: srcDir, Output: string(out), Err: err}
	}

	name := filepath.Base(srcDir)
	artifact := BuildArtifact{
		LibraryPath:    filepath.Join(outDir, name+artifactExt),
		DescriptorPath: filepath.Join(outDir, name+descriptorExt),
	}
	if _, err := os.Stat(artifact.LibraryPath); err != nil {
		return BuildArtifact{}, &BuildError{
			Dir:    srcDir,
			Output: string(out),
			Err:    fmt.Errorf("build produced no %s%s artifact: %w", name, artifactExt, err),
		}
	}
	if _, err := os.Stat(artifact.DescriptorPath); err != nil {
		return BuildArtifact{}, &BuildError{
			Dir:    srcDir,
			Output: string(out),
			Err:    fmt.Errorf("build produced no %s%s descriptor: %w", name, descriptorExt, err),
		}
	}
	return artifact, nil
}

// BuildError reports a failed external build, carrying whatever the
// toolchain wrote to its output streams.
type BuildError struct {
	Dir    string
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("building %s: %v", e.Dir, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }
