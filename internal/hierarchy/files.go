package hierarchy

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

var (
	pathRe    = regexp.MustCompile(`^(?:/|\.{1,2}/)?[A-Za-z0-9_\-.]+(?:/[A-Za-z0-9_\-.]+)*\.[A-Za-z0-9]{1,8}$`)
	versionRe = regexp.MustCompile(`^v?\d+(\.\d+)+$`)
)

// maxFilesTouched bounds the files remembered per node.
const maxFilesTouched = 200

// ExtractFiles finds file paths mentioned in agent output. It is a
// heuristic: tokens that look like paths are kept, URLs and version
// numbers are not. When workDir is set, paths that exist under it are
// listed first and absolute paths inside it are made relative.
func ExtractFiles(text, workDir string) []string {
	seen := make(map[string]bool)
	var existing, other []string

	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("\"'`()[]<>,;*", r)
	})
	for _, tok := range tokens {
		// main.go:42 and main.go:42:7 refer to main.go.
		if i := strings.IndexByte(tok, ':'); i > 0 && !strings.Contains(tok, "://") {
			tok = tok[:i]
		}
		p := strings.TrimRight(tok, ".")
		if !pathRe.MatchString(p) || !likelyPath(p) {
			continue
		}
		if workDir != "" && filepath.IsAbs(p) {
			if rel, err := filepath.Rel(workDir, p); err == nil && !strings.HasPrefix(rel, "..") {
				p = rel
			}
		}
		p = filepath.ToSlash(filepath.Clean(p))
		if seen[p] {
			continue
		}
		seen[p] = true
		if workDir != "" && !filepath.IsAbs(p) && fileExists(filepath.Join(workDir, p)) {
			existing = append(existing, p)
		} else {
			other = append(other, p)
		}
	}
	return append(existing, other...)
}

func likelyPath(p string) bool {
	if len(p) < 3 || strings.Contains(p, "://") || strings.HasPrefix(p, "www.") {
		return false
	}
	if versionRe.MatchString(p) {
		return false
	}
	switch strings.ToLower(p) {
	case "e.g.", "i.e.", "etc.":
		return false
	}
	base := filepath.Base(p)
	ext := filepath.Ext(base)
	// A bare "name.ext" without a directory must look like a source file.
	if !strings.Contains(p, "/") && !knownExtensions[strings.ToLower(ext)] {
		return false
	}
	return ext != "" && ext != base
}

var knownExtensions = map[string]bool{
	".go": true, ".mod": true, ".sum": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".kt": true, ".rb": true, ".php": true, ".c": true,
	".h": true, ".cc": true, ".cpp": true, ".cs": true, ".swift": true, ".sql": true, ".sh": true,
	".md": true, ".json": true, ".yaml": true, ".yml": true, ".toml": true, ".html": true,
	".css": true, ".scss": true, ".vue": true, ".proto": true, ".txt": true, ".lock": true,
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// mergeFiles adds files to list, keeping order and at most limit entries.
func mergeFiles(list, files []string, limit int) []string {
	seen := make(map[string]bool, len(list))
	for _, f := range list {
		seen[f] = true
	}
	for _, f := range files {
		if !seen[f] {
			seen[f] = true
			list = append(list, f)
		}
	}
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
