// File path: internal/parser/robot.go
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/opsforge/bundleindex/internal/bundle"
)

// cellSplitter separates cells in a task-definition line: a tab or two or
// more spaces.
var cellSplitter = regexp.MustCompile(`\t+| {2,}`)

var assignmentPattern = regexp.MustCompile(`^\$\{[^}]+\}=?$`)

const importUserVariableKeyword = "rw.core.import user variable"

type section int

const (
	sectionNone section = iota
	sectionSettings
	sectionTasks
	sectionVariables
	sectionKeywords
)

// ParseTaskFile parses one task-definition file into a Bundle. The file may
// declare no tasks at all; that yields a bundle with an empty task list, not
// an error.
func ParseTaskFile(dirName, content string) (bundle.Bundle, error) {
	slug := Slug(dirName)
	if slug == "" {
		return bundle.Bundle{}, fmt.Errorf("cannot derive slug from directory %q", dirName)
	}
	b := bundle.Bundle{
		Slug:     slug,
		IsActive: true,
	}

	var (
		current     = sectionNone
		docLines    []string
		metadata    = map[string]string{}
		lastMetaKey string
		inDoc       bool
		task        *bundle.TaskRef
		inTaskDoc   bool
		pendingVar  *bundle.VariableSpec
	)

	flushTask := func() {
		if task != nil {
			b.Tasks = append(b.Tasks, *task)
			task = nil
		}
		inTaskDoc = false
		pendingVar = nil
	}

	for _, rawLine := range strings.Split(content, "\n") {
		line := strings.TrimRight(rawLine, " \t\r")
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if sec, ok := sectionHeader(line); ok {
			flushTask()
			current = sec
			inDoc = false
			lastMetaKey = ""
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		switch current {
		case sectionSettings:
			cells := splitCells(strings.TrimSpace(line))
			if len(cells) == 0 {
				continue
			}
			if cells[0] == "..." {
				value := strings.Join(cells[1:], " ")
				switch {
				case inDoc:
					docLines = append(docLines, value)
				case lastMetaKey != "":
					metadata[lastMetaKey] = strings.TrimSpace(metadata[lastMetaKey] + " " + value)
				}
				continue
			}
			inDoc = false
			lastMetaKey = ""
			switch strings.ToLower(cells[0]) {
			case "documentation":
				inDoc = true
				if len(cells) > 1 {
					docLines = append(docLines, strings.Join(cells[1:], " "))
				}
			case "metadata":
				if len(cells) >= 2 {
					key := cells[1]
					value := ""
					if len(cells) > 2 {
						value = strings.Join(cells[2:], " ")
					}
					metadata[key] = value
					lastMetaKey = key
				}
			case "library", "resource":
				if len(cells) > 1 {
					b.Imports = append(b.Imports, cells[1])
				}
			}
		case sectionTasks:
			indented := line != strings.TrimLeft(line, " \t")
			if !indented {
				flushTask()
				task = &bundle.TaskRef{Name: strings.TrimSpace(line)}
				continue
			}
			if task == nil {
				continue
			}
			cells := splitCells(strings.TrimSpace(line))
			if len(cells) == 0 {
				continue
			}
			if cells[0] == "..." {
				value := strings.Join(cells[1:], " ")
				switch {
				case inTaskDoc:
					task.Doc = strings.TrimSpace(task.Doc + " " + value)
				case pendingVar != nil:
					applyVariableArgs(pendingVar, cells[1:])
				default:
					if len(task.Steps) > 0 {
						task.Steps[len(task.Steps)-1] = strings.TrimSpace(task.Steps[len(task.Steps)-1] + " " + value)
					}
				}
				continue
			}
			inTaskDoc = false
			pendingVar = nil
			switch strings.ToLower(cells[0]) {
			case "[documentation]":
				inTaskDoc = true
				if len(cells) > 1 {
					task.Doc = strings.Join(cells[1:], " ")
				}
			case "[tags]":
				task.Tags = append(task.Tags, cells[1:]...)
			default:
				keywordCells := cells
				if assignmentPattern.MatchString(keywordCells[0]) {
					keywordCells = keywordCells[1:]
				}
				if len(keywordCells) == 0 {
					continue
				}
				step := strings.Join(keywordCells, " ")
				task.Steps = append(task.Steps, step)
				if strings.ToLower(keywordCells[0]) == importUserVariableKeyword && len(keywordCells) > 1 {
					spec := bundle.VariableSpec{Name: keywordCells[1]}
					applyVariableArgs(&spec, keywordCells[2:])
					b.UserVariables = append(b.UserVariables, spec)
					pendingVar = &b.UserVariables[len(b.UserVariables)-1]
				}
			}
		}
	}
	flushTask()

	b.DocText = strings.TrimSpace(strings.Join(docLines, "\n"))
	b.Description = firstLine(b.DocText)
	b.Author = strings.TrimSpace(metadata["Author"])
	if display := strings.TrimSpace(metadata["Display Name"]); display != "" {
		b.DisplayName = display
	} else {
		b.DisplayName = DisplayNameFromDir(dirName)
	}
	if supports := strings.TrimSpace(metadata["Supports"]); supports != "" {
		b.SupportTags = tokenizeSupports(supports)
	}
	b.Tags = flattenTaskTags(b.Tasks)
	return b, nil
}

func sectionHeader(line string) (section, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "*") {
		return sectionNone, false
	}
	name := strings.ToLower(strings.TrimSpace(strings.Trim(trimmed, "* ")))
	switch name {
	case "settings", "setting":
		return sectionSettings, true
	case "tasks", "task", "test cases", "test case":
		return sectionTasks, true
	case "variables", "variable":
		return sectionVariables, true
	case "keywords", "keyword":
		return sectionKeywords, true
	default:
		return sectionNone, true
	}
}

func splitCells(line string) []string {
	parts := cellSplitter.Split(line, -1)
	cells := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			cells = append(cells, part)
		}
	}
	return cells
}

func applyVariableArgs(spec *bundle.VariableSpec, args []string) {
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "type":
			spec.Type = strings.TrimSpace(value)
		case "description":
			spec.Description = strings.TrimSpace(value)
		case "default":
			spec.Default = strings.TrimSpace(value)
		case "example":
			spec.Example = strings.TrimSpace(value)
		}
	}
}

// tokenizeSupports splits a Supports metadata value on commas and
// whitespace and upper-cases each token.
func tokenizeSupports(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	tags := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		tag := strings.ToUpper(strings.TrimSpace(field))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

// flattenTaskTags collects task tags into the bundle tag set, dropping the
// "skipped" marker tag and duplicates while preserving encounter order.
func flattenTaskTags(tasks []bundle.TaskRef) []string {
	var tags []string
	seen := make(map[string]struct{})
	for _, task := range tasks {
		for _, tag := range task.Tags {
			tag = strings.TrimSpace(tag)
			if tag == "" || strings.EqualFold(tag, "skipped") {
				continue
			}
			key := strings.ToLower(tag)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return tags
}

func firstLine(text string) string {
	if text == "" {
		return ""
	}
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}
