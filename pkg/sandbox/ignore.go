package sandbox

import "strings"

// ignoredPrefixes are directory prefixes excluded from both sync directions:
// build outputs, dependency caches, and VCS metadata.
var ignoredPrefixes = []string{
	".git/",
	"node_modules/",
	"dist/",
	"build/",
	"out/",
	"target/",
	".next/",
	"__pycache__/",
	".venv/",
	"venv/",
	"vendor/",
	".cache/",
}

// ignoredNames are exact path names excluded regardless of location depth.
var ignoredNames = map[string]struct{}{
	".DS_Store": {},
}

// Ignored reports whether a normalized project path is excluded from sync.
func Ignored(path string) bool {
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(path, prefix) || strings.Contains(path, "/"+prefix) {
			return true
		}
	}
	base := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		base = path[i+1:]
	}
	_, ok := ignoredNames[base]
	return ok
}
