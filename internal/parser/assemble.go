// File path: internal/parser/assemble.go
package parser

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/opsforge/bundleindex/internal/bundle"
)

// SourceFile is one ingested file belonging to a codebundle directory. Kind
// values follow the fetcher's classification.
type SourceFile struct {
	Path    string
	Kind    string
	Content string
}

// AssembleBundle parses every file of one codebundle directory and merges
// them into a single bundle. Task files are merged in a fixed order so the
// result is deterministic: runbook.robot first, then sli.robot, then the rest
// alphabetically.
func AssembleBundle(dirName string, files []SourceFile) (bundle.Bundle, error) {
	var (
		taskFiles      []SourceFile
		discoveryFiles = make(map[string]string)
		readme         string
	)
	for _, file := range files {
		switch file.Kind {
		case "task":
			taskFiles = append(taskFiles, file)
		case "discovery":
			discoveryFiles[file.Path] = file.Content
		case "readme":
			readme = file.Content
		}
	}
	sort.Slice(taskFiles, func(i, j int) bool {
		return taskFileRank(taskFiles[i].Path) < taskFileRank(taskFiles[j].Path)
	})

	merged := bundle.Bundle{Slug: Slug(dirName), IsActive: true}
	if merged.Slug == "" {
		return bundle.Bundle{}, fmt.Errorf("cannot derive slug from directory %q", dirName)
	}
	merged.DisplayName = DisplayNameFromDir(dirName)

	first := true
	for _, file := range taskFiles {
		parsed, err := ParseTaskFile(dirName, file.Content)
		if err != nil {
			return bundle.Bundle{}, fmt.Errorf("parse %s: %w", file.Path, err)
		}
		if first {
			merged = parsed
			first = false
			continue
		}
		merged.Tasks = append(merged.Tasks, parsed.Tasks...)
		merged.Imports = mergeStrings(merged.Imports, parsed.Imports)
		merged.Tags = mergeStrings(merged.Tags, parsed.Tags)
		merged.SupportTags = mergeStrings(merged.SupportTags, parsed.SupportTags)
		merged.UserVariables = mergeVariables(merged.UserVariables, parsed.UserVariables)
		if merged.DocText == "" {
			merged.DocText = parsed.DocText
			merged.Description = parsed.Description
		}
		if merged.Author == "" {
			merged.Author = parsed.Author
		}
	}

	info := ParseDiscovery(discoveryFiles)
	merged.Discovery = &info
	merged.ReadmeText = readme
	return merged, nil
}

// taskFileRank orders the canonical entrypoints before auxiliary task files.
func taskFileRank(filePath string) string {
	base := strings.ToLower(path.Base(filePath))
	switch base {
	case "runbook.robot":
		return "0"
	case "sli.robot":
		return "1"
	default:
		return "2" + base
	}
}

func mergeStrings(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, value := range existing {
		seen[strings.ToLower(value)] = struct{}{}
	}
	for _, value := range extra {
		key := strings.ToLower(value)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		existing = append(existing, value)
	}
	return existing
}

func mergeVariables(existing, extra []bundle.VariableSpec) []bundle.VariableSpec {
	seen := make(map[string]struct{}, len(existing))
	for _, spec := range existing {
		seen[spec.Name] = struct{}{}
	}
	for _, spec := range extra {
		if _, dup := seen[spec.Name]; dup {
			continue
		}
		seen[spec.Name] = struct{}{}
		existing = append(existing, spec)
	}
	return existing
}
