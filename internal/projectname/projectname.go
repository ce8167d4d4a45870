// Package projectname derives a human-readable project name from a
// directory by inspecting common repository and manifest files.
package projectname

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Derive tries, in order: git origin remote, package.json, pyproject.toml,
// go.mod, Cargo.toml, and finally the directory basename. Every step
// tolerates missing or malformed files by falling through.
func Derive(dir string) string {
	if name := fromGitConfig(filepath.Join(dir, ".git", "config")); name != "" {
		return name
	}
	if name := fromPackageJSON(filepath.Join(dir, "package.json")); name != "" {
		return name
	}
	if name := fromPyproject(filepath.Join(dir, "pyproject.toml")); name != "" {
		return name
	}
	if name := fromGoMod(filepath.Join(dir, "go.mod")); name != "" {
		return name
	}
	if name := fromCargoToml(filepath.Join(dir, "Cargo.toml")); name != "" {
		return name
	}
	return filepath.Base(dir)
}

// fromGitConfig extracts the repo name from the origin remote URL. Handles
// both scp-like "git@host:user/repo.git" and URL forms.
func fromGitConfig(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	inOrigin := false
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			inOrigin = trimmed == `[remote "origin"]`
			continue
		}
		if !inOrigin {
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "url"); ok {
			rest = strings.TrimSpace(rest)
			if rest, ok = strings.CutPrefix(rest, "="); ok {
				return repoNameFromURL(strings.TrimSpace(rest))
			}
		}
	}
	return ""
}

func repoNameFromURL(url string) string {
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")

	// scp-like form: git@host:user/repo
	if !strings.Contains(url, "://") {
		if i := strings.LastIndex(url, ":"); i >= 0 {
			url = url[i+1:]
		}
	}
	if i := strings.LastIndex(url, "/"); i >= 0 {
		url = url[i+1:]
	}
	return url
}

func fromPackageJSON(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var pkg struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	name := pkg.Name
	// Strip a leading @scope/.
	if strings.HasPrefix(name, "@") {
		if i := strings.Index(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}
	return name
}

// fromPyproject reads name = "..." under [project] or [tool.poetry].
func fromPyproject(path string) string {
	return tomlName(path, map[string]bool{"project": true, "tool.poetry": true})
}

// fromCargoToml reads name = "..." under [package].
func fromCargoToml(path string) string {
	return tomlName(path, map[string]bool{"package": true})
}

// tomlName is a line scanner, not a TOML parser; it only understands the
// `name = "value"` shape these manifests actually use.
func tomlName(path string, sections map[string]bool) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	inside := false
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			section := strings.TrimSuffix(strings.TrimPrefix(trimmed, "["), "]")
			inside = sections[section]
			continue
		}
		if !inside {
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "name"); ok {
			rest = strings.TrimSpace(rest)
			if rest, ok = strings.CutPrefix(rest, "="); ok {
				return strings.Trim(strings.TrimSpace(rest), `"'`)
			}
		}
	}
	return ""
}

func fromGoMod(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if modPath, ok := strings.CutPrefix(trimmed, "module "); ok {
			modPath = strings.TrimSpace(modPath)
			if i := strings.LastIndex(modPath, "/"); i >= 0 {
				modPath = modPath[i+1:]
			}
			return modPath
		}
	}
	return ""
}
