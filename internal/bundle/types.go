// File path: internal/bundle/types.go
package bundle

import (
	"strconv"
	"strings"
)

// EnhancementStatus tracks where a codebundle sits in the enhancement
// lifecycle. Skipped is distinct from Failed: it means the text-generation
// collaborator was never configured, not that it broke.
type EnhancementStatus string

const (
	EnhancementNone       EnhancementStatus = "none"
	EnhancementPending    EnhancementStatus = "pending"
	EnhancementProcessing EnhancementStatus = "processing"
	EnhancementCompleted  EnhancementStatus = "completed"
	EnhancementFailed     EnhancementStatus = "failed"
	EnhancementSkipped    EnhancementStatus = "skipped"
)

// Kind names a logical vector table. One table per entity kind.
type Kind string

const (
	KindCodeBundle    Kind = "codebundles"
	KindCollection    Kind = "collections"
	KindLibrary       Kind = "libraries"
	KindDocumentation Kind = "documentation"
)

// AllKinds lists every vector table kind in indexing order.
func AllKinds() []Kind {
	return []Kind{KindCodeBundle, KindCollection, KindLibrary, KindDocumentation}
}

// TaskRef is one declared task inside a codebundle. Immutable once parsed;
// a re-parse replaces the whole list.
type TaskRef struct {
	Name  string   `json:"name"`
	Doc   string   `json:"doc,omitempty"`
	Tags  []string `json:"tags,omitempty"`
	Steps []string `json:"steps,omitempty"`
}

// VariableSpec is a user-configurable variable imported by a codebundle.
type VariableSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Default     string `json:"default,omitempty"`
	Example     string `json:"example,omitempty"`
}

// MatchPattern is one declarative resource-match rule from a discovery
// rule file.
type MatchPattern struct {
	Type       string   `json:"type,omitempty"`
	Pattern    string   `json:"pattern"`
	Mode       string   `json:"mode,omitempty"`
	Properties []string `json:"properties,omitempty"`
}

// DiscoveryInfo aggregates the declarative discovery rules found next to a
// codebundle. Absence of rule files means Discoverable=false, never an error.
type DiscoveryInfo struct {
	Platform      string         `json:"platform"`
	ResourceTypes []string       `json:"resource_types,omitempty"`
	MatchPatterns []MatchPattern `json:"match_patterns,omitempty"`
	OutputItems   []string       `json:"output_items,omitempty"`
	LevelOfDetail string         `json:"level_of_detail,omitempty"`
	Discoverable  bool           `json:"is_discoverable"`
}

// Enhancement is the denormalized "latest" view of the AI enhancement
// attached to a codebundle. The full audit trail lives in the catalog.
type Enhancement struct {
	EnhancedDescription string   `json:"enhanced_description"`
	AccessLevel         string   `json:"access_level,omitempty"`
	IAMRequirements     []string `json:"iam_requirements,omitempty"`
}

// Bundle is a parsed codebundle: one directory of automation tasks inside a
// collection repository. External identity is (CollectionSlug, Slug).
type Bundle struct {
	ID             int64             `json:"id,omitempty"`
	CollectionID   int64             `json:"collection_id,omitempty"`
	CollectionSlug string            `json:"collection_slug,omitempty"`
	Slug           string            `json:"slug"`
	DisplayName    string            `json:"display_name"`
	Description    string            `json:"description,omitempty"`
	DocText        string            `json:"doc_text,omitempty"`
	Author         string            `json:"author,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	SupportTags    []string          `json:"support_tags,omitempty"`
	Tasks          []TaskRef         `json:"tasks,omitempty"`
	Imports        []string          `json:"imports,omitempty"`
	UserVariables  []VariableSpec    `json:"user_variables,omitempty"`
	Discovery      *DiscoveryInfo    `json:"discovery,omitempty"`
	Enhancement    *Enhancement      `json:"enhancement,omitempty"`
	Status         EnhancementStatus `json:"enhancement_status,omitempty"`
	IsActive       bool              `json:"is_active"`
	ReadmeText     string            `json:"-"`
}

// Document is the capability the indexing stage consumes uniformly across
// entity kinds: a stable id, a flattened text view, and scalar metadata.
type Document interface {
	DocumentID() string
	DocumentText() string
	DocumentMetadata() map[string]string
}

// TaskNames returns the ordered task names.
func (b Bundle) TaskNames() []string {
	if len(b.Tasks) == 0 {
		return nil
	}
	names := make([]string, 0, len(b.Tasks))
	for _, task := range b.Tasks {
		names = append(names, task.Name)
	}
	return names
}

// Platform reports the inferred discovery platform, empty when the bundle
// carries no discovery rules.
func (b Bundle) Platform() string {
	if b.Discovery == nil {
		return ""
	}
	return b.Discovery.Platform
}

func (b Bundle) DocumentID() string {
	if strings.TrimSpace(b.CollectionSlug) == "" {
		return b.Slug
	}
	return b.CollectionSlug + "/" + b.Slug
}

func (b Bundle) DocumentText() string {
	var sb strings.Builder
	writeField(&sb, "Name", b.DisplayName)
	writeField(&sb, "Description", b.Description)
	if b.Enhancement != nil {
		writeField(&sb, "Enhanced Description", b.Enhancement.EnhancedDescription)
	}
	writeField(&sb, "Tags", strings.Join(b.Tags, ", "))
	writeField(&sb, "Supports", strings.Join(b.SupportTags, ", "))
	writeField(&sb, "Tasks", strings.Join(b.TaskNames(), "; "))
	writeField(&sb, "Platform", b.Platform())
	if b.ReadmeText != "" {
		writeField(&sb, "Readme", TruncateText(b.ReadmeText, 2000))
	}
	return strings.TrimSpace(sb.String())
}

func (b Bundle) DocumentMetadata() map[string]string {
	meta := map[string]string{
		"kind":       string(KindCodeBundle),
		"slug":       b.Slug,
		"collection": b.CollectionSlug,
		"name":       b.DisplayName,
	}
	if platform := b.Platform(); platform != "" {
		meta["platform"] = platform
	}
	if b.Enhancement != nil && b.Enhancement.AccessLevel != "" {
		meta["access_level"] = b.Enhancement.AccessLevel
	}
	if len(b.SupportTags) > 0 {
		meta["supports"] = strings.Join(b.SupportTags, ",")
	}
	meta["task_count"] = strconv.Itoa(len(b.Tasks))
	return meta
}

func writeField(sb *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	sb.WriteString(label)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\n")
}

// TruncateText trims text to at most limit runes, appending an ellipsis when
// truncation occurred.
func TruncateText(text string, limit int) string {
	cleaned := strings.TrimSpace(text)
	runes := []rune(cleaned)
	if limit <= 0 || len(runes) <= limit {
		return cleaned
	}
	trimmed := strings.TrimSpace(string(runes[:limit]))
	if trimmed == "" {
		return cleaned
	}
	return trimmed + "..."
}
