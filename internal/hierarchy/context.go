package hierarchy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Bounds for gathered project context.
const (
	readmeChars    = 2000
	listingEntries = 60
)

// ProjectType is the primary language of a project.
type ProjectType string

const (
	ProjectTypeGo      ProjectType = "go"
	ProjectTypeNode    ProjectType = "node"
	ProjectTypeRust    ProjectType = "rust"
	ProjectTypePython  ProjectType = "python"
	ProjectTypeUnknown ProjectType = "unknown"
)

// DetectProjectType checks for common manifest files in order of
// specificity.
func DetectProjectType(dir string) ProjectType {
	switch {
	case fileExists(filepath.Join(dir, "go.mod")):
		return ProjectTypeGo
	case fileExists(filepath.Join(dir, "Cargo.toml")):
		return ProjectTypeRust
	case fileExists(filepath.Join(dir, "pyproject.toml")),
		fileExists(filepath.Join(dir, "setup.py")),
		fileExists(filepath.Join(dir, "requirements.txt")):
		return ProjectTypePython
	case fileExists(filepath.Join(dir, "package.json")):
		return ProjectTypeNode
	}
	return ProjectTypeUnknown
}

// ProjectContext gathers lightweight context about a project: the start
// of its README, a manifest summary and a shallow directory listing.
func ProjectContext(dir string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Project\n\nRoot: %s\nType: %s\n", dir, DetectProjectType(dir))

	if summary := manifestSummary(dir); summary != "" {
		fmt.Fprintf(&b, "\n### Manifest\n%s\n", summary)
	}
	if readme := readmeExcerpt(dir); readme != "" {
		fmt.Fprintf(&b, "\n### README (excerpt)\n%s\n", readme)
	}
	if listing := shallowListing(dir); listing != "" {
		fmt.Fprintf(&b, "\n### Top-level entries\n%s", listing)
	}
	return b.String()
}

func readmeExcerpt(dir string) string {
	for _, name := range []string{"README.md", "README", "README.txt", "readme.md"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if len(text) > readmeChars {
			text = text[:readmeChars] + "\n..."
		}
		return text
	}
	return ""
}

func manifestSummary(dir string) string {
	switch DetectProjectType(dir) {
	case ProjectTypeGo:
		return goModSummary(filepath.Join(dir, "go.mod"))
	case ProjectTypeNode:
		return packageJSONSummary(filepath.Join(dir, "package.json"))
	case ProjectTypeRust:
		return headerLines(filepath.Join(dir, "Cargo.toml"), "name", "version", "edition")
	case ProjectTypePython:
		return headerLines(filepath.Join(dir, "pyproject.toml"), "name", "version", "requires-python")
	}
	return ""
}

func goModSummary(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var lines []string
	requires := 0
	inRequire := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "module "), strings.HasPrefix(line, "go "):
			lines = append(lines, line)
		case line == "require (":
			inRequire = true
		case inRequire && line == ")":
			inRequire = false
		case inRequire && line != "" && !strings.HasSuffix(line, "// indirect"):
			requires++
		case strings.HasPrefix(line, "require ") && !strings.HasSuffix(line, "// indirect"):
			requires++
		}
	}
	lines = append(lines, fmt.Sprintf("direct dependencies: %d", requires))
	return strings.Join(lines, "\n")
}

func packageJSONSummary(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var pkg struct {
		Name            string            `json:"name"`
		Description     string            `json:"description"`
		Scripts         map[string]string `json:"scripts"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	var lines []string
	if pkg.Name != "" {
		lines = append(lines, "name: "+pkg.Name)
	}
	if pkg.Description != "" {
		lines = append(lines, "description: "+pkg.Description)
	}
	if len(pkg.Scripts) > 0 {
		scripts := make([]string, 0, len(pkg.Scripts))
		for name := range pkg.Scripts {
			scripts = append(scripts, name)
		}
		sort.Strings(scripts)
		lines = append(lines, "scripts: "+strings.Join(scripts, ", "))
	}
	lines = append(lines, fmt.Sprintf("dependencies: %d (+%d dev)", len(pkg.Dependencies), len(pkg.DevDependencies)))
	return strings.Join(lines, "\n")
}

// headerLines returns the first "key = value" line for each key.
func headerLines(path string, keys ...string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	found := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if _, seen := found[k]; !seen {
			found[k] = strings.TrimSpace(v)
		}
	}
	var lines []string
	for _, k := range keys {
		if v, ok := found[k]; ok {
			lines = append(lines, k+" = "+v)
		}
	}
	return strings.Join(lines, "\n")
}

func shallowListing(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var b strings.Builder
	n := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor" || name == "target" {
			continue
		}
		if n == listingEntries {
			b.WriteString("- ...\n")
			break
		}
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&b, "- %s\n", name)
		n++
	}
	return b.String()
}
