// Package build bundles a project's task source tree into the deterministic,
// content-addressed artifact a worker version runs. Same source and same
// dependency versions always produce the same bytes and therefore the same
// content hash, which is what makes registration dedup possible.
package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	_ "embed"

	"github.com/mbekkel/taskmill/internal/model"
)

//go:embed shims/task-facade.js
var taskFacadeShim string

//go:embed shims/tracing-registration.js
var tracingShim string

// builderPinned maps external modules to the builder's own pinned versions,
// used when the project manifest does not declare the module itself.
var builderPinned = map[string]string{
	"@taskmill/sdk":  "3.0.0",
	"@taskmill/core": "3.0.0",
	"zod":            "3.23.8",
	"superjson":      "2.2.1",
}

// Error reports a failed build. Typecheck and bundling failures are fatal to
// the deploy attempt and are never retried automatically.
type Error struct {
	Stage  string // "typecheck" or "bundle"
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("build failed during %s: %s", e.Stage, e.Detail)
}

// Options configures one build.
type Options struct {
	// Dir is the project source tree root.
	Dir string
	// Entry is the entry-point path relative to Dir. Defaults to index.ts.
	Entry string
	// OutDir, when set, receives the bundle files. The directory is written
	// atomically: a failed build leaves no partial output.
	OutDir string
	// SkipTypecheck bypasses the typecheck stage.
	SkipTypecheck bool
}

// Result is the artifact of a successful build.
type Result struct {
	WorkerBundle []byte
	EntryBundle  []byte
	// Dependencies maps each external module observed in the import graph to
	// its resolved pinned version. Modules resolvable from neither the
	// project manifest nor the builder's pins are omitted (assumed
	// runtime-provided).
	Dependencies map[string]string
	// ContentHash is the hex SHA-256 over both bundles and the
	// lexicographically sorted dependency serialization.
	ContentHash string
	// EnvVars lists environment-variable names the bundle references
	// directly, minus those introduced by the infrastructure shims. The scan
	// is a static textual match: indirected access is not seen, and dead
	// code paths may over-report. Accepted limitation.
	EnvVars []string
	// Tasks are the task declarations statically extracted from the source.
	Tasks []model.TaskMetadata
}

// Run executes the pipeline: typecheck, bundle, resolve dependencies, hash,
// scan env vars, and (when OutDir is set) atomically write the output.
func Run(ctx context.Context, opts Options) (*Result, error) {
	entry := opts.Entry
	if entry == "" {
		entry = "index.ts"
	}

	if !opts.SkipTypecheck {
		if err := typecheck(ctx, opts.Dir); err != nil {
			return nil, err
		}
	}

	files, externals, err := resolveGraph(opts.Dir, entry)
	if err != nil {
		return nil, err
	}

	manifest, err := loadManifest(opts.Dir)
	if err != nil {
		return nil, err
	}
	deps := resolveDependencies(externals, manifest)

	worker, err := assembleWorkerBundle(opts.Dir, files)
	if err != nil {
		return nil, err
	}
	entryBundle, err := assembleEntryBundle(opts.Dir, entry)
	if err != nil {
		return nil, err
	}

	res := &Result{
		WorkerBundle: worker,
		EntryBundle:  entryBundle,
		Dependencies: deps,
		ContentHash:  contentHash(worker, entryBundle, deps),
		EnvVars:      scanEnvVars(worker, entryBundle),
		Tasks:        extractTasks(opts.Dir, files),
	}

	if opts.OutDir != "" {
		if err := writeOutput(opts.OutDir, res); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// typecheck shells out to the project's TypeScript compiler. A non-zero exit
// aborts the pipeline before anything is bundled.
func typecheck(ctx context.Context, dir string) error {
	cmd := exec.CommandContext(ctx, "npx", "tsc", "--noEmit")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &Error{Stage: "typecheck", Detail: strings.TrimSpace(string(out))}
	}
	return nil
}

// resolveGraph walks the import graph from the entry point, returning the
// reachable local files (sorted) and the set of external specifiers.
func resolveGraph(dir, entry string) ([]string, map[string]bool, error) {
	entryPath, err := resolveLocal(dir, ".", "./"+strings.TrimPrefix(entry, "./"))
	if err != nil {
		return nil, nil, &Error{Stage: "bundle", Detail: fmt.Sprintf("entry point %s: %v", entry, err)}
	}

	visited := map[string]bool{}
	externals := map[string]bool{}
	queue := []string{entryPath}

	for len(queue) > 0 {
		file := queue[0]
		queue = queue[1:]
		if visited[file] {
			continue
		}
		visited[file] = true

		src, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, nil, &Error{Stage: "bundle", Detail: fmt.Sprintf("read %s: %v", file, err)}
		}

		for _, spec := range importSpecifiers(string(src)) {
			if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") {
				resolved, err := resolveLocal(dir, filepath.Dir(file), spec)
				if err != nil {
					return nil, nil, &Error{Stage: "bundle", Detail: fmt.Sprintf("%s imports %q: %v", file, spec, err)}
				}
				queue = append(queue, resolved)
			} else {
				externals[moduleName(spec)] = true
			}
		}
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, externals, nil
}

// resolveLocal resolves a relative import specifier against the importing
// file's directory, trying the usual extension and index fallbacks.
func resolveLocal(root, fromDir, spec string) (string, error) {
	base := filepath.Join(fromDir, spec)
	candidates := []string{base, base + ".ts", base + ".js", base + ".mjs",
		filepath.Join(base, "index.ts"), filepath.Join(base, "index.js")}

	for _, c := range candidates {
		info, err := os.Stat(filepath.Join(root, c))
		if err == nil && !info.IsDir() {
			return filepath.ToSlash(filepath.Clean(c)), nil
		}
	}
	return "", fmt.Errorf("cannot resolve module")
}

// moduleName extracts the package name from an external specifier:
// "lodash/merge" -> "lodash", "@scope/pkg/sub" -> "@scope/pkg".
func moduleName(spec string) string {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// resolveDependencies pins each external module: the project's own declared
// version wins, then the builder's pinned table; unresolvable modules are
// silently omitted.
func resolveDependencies(externals map[string]bool, manifest map[string]string) map[string]string {
	deps := make(map[string]string)
	for name := range externals {
		if v, ok := manifest[name]; ok {
			deps[name] = v
		} else if v, ok := builderPinned[name]; ok {
			deps[name] = v
		}
	}
	return deps
}

// loadManifest reads the project's declared dependencies from package.json.
// A missing manifest is not an error; the builder pins are the fallback.
func loadManifest(dir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, &Error{Stage: "bundle", Detail: fmt.Sprintf("read package.json: %v", err)}
	}

	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, &Error{Stage: "bundle", Detail: fmt.Sprintf("parse package.json: %v", err)}
	}

	manifest := make(map[string]string, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for k, v := range pkg.DevDependencies {
		manifest[k] = v
	}
	for k, v := range pkg.Dependencies {
		manifest[k] = v
	}
	return manifest, nil
}

// assembleWorkerBundle concatenates the facade shim and every reachable
// source file in sorted order, with file-boundary markers.
func assembleWorkerBundle(dir string, files []string) ([]byte, error) {
	var b strings.Builder
	b.WriteString(taskFacadeShim)
	for _, f := range files {
		src, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return nil, &Error{Stage: "bundle", Detail: fmt.Sprintf("read %s: %v", f, err)}
		}
		fmt.Fprintf(&b, "\n// %s\n", f)
		b.Write(src)
	}
	return []byte(b.String()), nil
}

// assembleEntryBundle prepends the tracing shim to the entry-point source.
func assembleEntryBundle(dir, entry string) ([]byte, error) {
	entryPath, err := resolveLocal(dir, ".", "./"+strings.TrimPrefix(entry, "./"))
	if err != nil {
		return nil, &Error{Stage: "bundle", Detail: fmt.Sprintf("entry point %s: %v", entry, err)}
	}
	src, err := os.ReadFile(filepath.Join(dir, entryPath))
	if err != nil {
		return nil, &Error{Stage: "bundle", Detail: fmt.Sprintf("read %s: %v", entryPath, err)}
	}

	var b strings.Builder
	b.WriteString(tracingShim)
	fmt.Fprintf(&b, "\n// %s\n", entryPath)
	b.Write(src)
	return []byte(b.String()), nil
}

// contentHash digests both bundles plus the sorted dependency serialization.
// The sort is mandatory: an unordered serialization would make the hash
// non-deterministic and break dedup.
func contentHash(worker, entry []byte, deps map[string]string) string {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write(worker)
	h.Write(entry)
	for _, name := range names {
		fmt.Fprintf(h, "%s@%s\n", name, deps[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeOutput writes the bundle files into outDir atomically: everything
// lands in a temp dir first and is renamed into place only on success.
func writeOutput(outDir string, res *Result) error {
	parent := filepath.Dir(outDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return &Error{Stage: "bundle", Detail: fmt.Sprintf("create output parent: %v", err)}
	}

	tmp, err := os.MkdirTemp(parent, ".build-*")
	if err != nil {
		return &Error{Stage: "bundle", Detail: fmt.Sprintf("create temp dir: %v", err)}
	}
	defer os.RemoveAll(tmp)

	depsJSON, err := json.MarshalIndent(res.Dependencies, "", "  ")
	if err != nil {
		return &Error{Stage: "bundle", Detail: fmt.Sprintf("marshal dependencies: %v", err)}
	}
	tasksJSON, err := json.MarshalIndent(res.Tasks, "", "  ")
	if err != nil {
		return &Error{Stage: "bundle", Detail: fmt.Sprintf("marshal tasks: %v", err)}
	}

	outputs := map[string][]byte{
		"worker.js":         res.WorkerBundle,
		"entry.js":          res.EntryBundle,
		"dependencies.json": depsJSON,
		"tasks.json":        tasksJSON,
	}
	for name, data := range outputs {
		if err := os.WriteFile(filepath.Join(tmp, name), data, 0o644); err != nil {
			return &Error{Stage: "bundle", Detail: fmt.Sprintf("write %s: %v", name, err)}
		}
	}

	if err := os.RemoveAll(outDir); err != nil {
		return &Error{Stage: "bundle", Detail: fmt.Sprintf("clear output dir: %v", err)}
	}
	if err := os.Rename(tmp, outDir); err != nil {
		return &Error{Stage: "bundle", Detail: fmt.Sprintf("move output into place: %v", err)}
	}
	return nil
}
