package build

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/mbekkel/taskmill/internal/model"
)

var (
	// importRe matches ES module import/export-from specifiers.
	importRe = regexp.MustCompile(`(?m)(?:import|export)\s+(?:[\w*{},\s]+\s+from\s+)?["']([^"']+)["']`)
	// requireRe matches CommonJS require calls and dynamic imports.
	requireRe = regexp.MustCompile(`(?:require|import)\s*\(\s*["']([^"']+)["']\s*\)`)

	// envVarRe matches direct environment-variable references in bundled
	// output: process.env.NAME and process.env["NAME"].
	envVarRe = regexp.MustCompile(`process\.env(?:\.([A-Za-z_][A-Za-z0-9_]*)|\[["']([A-Za-z_][A-Za-z0-9_]*)["']\])`)

	// taskDeclRe matches statically-declared tasks:
	//   export const <export> = task({ id: "<slug>", ... })
	taskDeclRe = regexp.MustCompile(`export\s+const\s+(\w+)\s*=\s*task\s*\(\s*\{[^}]*?id:\s*["']([^"']+)["']`)
)

// shimEnvVars holds the names the two infrastructure shims reference, so the
// scan reports only user-introduced variables.
var shimEnvVars = envVarNames([]byte(taskFacadeShim + tracingShim))

// importSpecifiers returns every import/require specifier in src.
func importSpecifiers(src string) []string {
	var specs []string
	for _, m := range importRe.FindAllStringSubmatch(src, -1) {
		specs = append(specs, m[1])
	}
	for _, m := range requireRe.FindAllStringSubmatch(src, -1) {
		specs = append(specs, m[1])
	}
	return specs
}

// envVarNames extracts the set of env var names textually referenced in data.
func envVarNames(data []byte) map[string]bool {
	names := make(map[string]bool)
	for _, m := range envVarRe.FindAllSubmatch(data, -1) {
		if len(m[1]) > 0 {
			names[string(m[1])] = true
		} else {
			names[string(m[2])] = true
		}
	}
	return names
}

// scanEnvVars reports the sorted env var names referenced by the bundles,
// minus those already present in the infrastructure shims. Purely textual:
// it does not evaluate code, so indirected access is invisible and dead code
// paths count.
func scanEnvVars(bundles ...[]byte) []string {
	names := make(map[string]bool)
	for _, b := range bundles {
		for name := range envVarNames(b) {
			if !shimEnvVars[name] {
				names[name] = true
			}
		}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// extractTasks statically collects task declarations from the source files,
// in sorted file order so the manifest is deterministic.
func extractTasks(dir string, files []string) []model.TaskMetadata {
	var tasks []model.TaskMetadata
	for _, f := range files {
		src, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			continue
		}
		for _, m := range taskDeclRe.FindAllStringSubmatch(string(src), -1) {
			tasks = append(tasks, model.TaskMetadata{
				ID:         m[2],
				FilePath:   "/" + f,
				ExportName: m[1],
			})
		}
	}
	return tasks
}
