// File path: internal/index/documents.go
package index

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opsforge/bundleindex/internal/bundle"
)

// CollectionDoc is the searchable rendering of a source collection.
type CollectionDoc struct {
	Slug        string
	Name        string
	RepoURL     string
	Description string
	BundleCount int
	Platforms   []string
}

func (c CollectionDoc) DocumentID() string { return "collections/" + c.Slug }

func (c CollectionDoc) DocumentText() string {
	var sb strings.Builder
	sb.WriteString("Collection: ")
	if c.Name != "" {
		sb.WriteString(c.Name)
	} else {
		sb.WriteString(c.Slug)
	}
	sb.WriteString("\n")
	if c.Description != "" {
		sb.WriteString(c.Description)
		sb.WriteString("\n")
	}
	if len(c.Platforms) > 0 {
		sb.WriteString("Platforms: ")
		sb.WriteString(strings.Join(c.Platforms, ", "))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Contains %d codebundles.", c.BundleCount)
	return sb.String()
}

func (c CollectionDoc) DocumentMetadata() map[string]string {
	meta := map[string]string{
		"kind":         string(bundle.KindCollection),
		"slug":         c.Slug,
		"bundle_count": strconv.Itoa(c.BundleCount),
	}
	if c.RepoURL != "" {
		meta["repo_url"] = c.RepoURL
	}
	return meta
}

// LibraryDoc describes one imported keyword library and which bundles use it.
type LibraryDoc struct {
	Name   string
	UsedBy []string
}

func (l LibraryDoc) DocumentID() string { return "libraries/" + strings.ToLower(l.Name) }

func (l LibraryDoc) DocumentText() string {
	var sb strings.Builder
	sb.WriteString("Library: ")
	sb.WriteString(l.Name)
	sb.WriteString("\n")
	if len(l.UsedBy) > 0 {
		sb.WriteString("Used by: ")
		sb.WriteString(strings.Join(l.UsedBy, ", "))
	}
	return sb.String()
}

func (l LibraryDoc) DocumentMetadata() map[string]string {
	return map[string]string{
		"kind":        string(bundle.KindLibrary),
		"library":     l.Name,
		"usage_count": strconv.Itoa(len(l.UsedBy)),
	}
}

// DocPage is a markdown documentation file attached to a bundle or a
// collection root.
type DocPage struct {
	CollectionSlug string
	BundleSlug     string
	Path           string
	Content        string
}

func (d DocPage) DocumentID() string {
	if d.BundleSlug != "" {
		return "documentation/" + d.CollectionSlug + "/" + d.BundleSlug
	}
	return "documentation/" + d.CollectionSlug + "/" + strings.ToLower(strings.ReplaceAll(d.Path, "/", "-"))
}

func (d DocPage) DocumentText() string {
	return bundle.TruncateText(d.Content, 6000)
}

func (d DocPage) DocumentMetadata() map[string]string {
	meta := map[string]string{
		"kind":       string(bundle.KindDocumentation),
		"collection": d.CollectionSlug,
		"path":       d.Path,
	}
	if d.BundleSlug != "" {
		meta["bundle"] = d.BundleSlug
	}
	return meta
}

// LibraryDocs aggregates the Library imports across bundles into one
// document per library, recording which bundles use it.
func LibraryDocs(bundles []bundle.Bundle) []LibraryDoc {
	usage := make(map[string][]string)
	var order []string
	for _, b := range bundles {
		for _, imp := range b.Imports {
			imp = strings.TrimSpace(imp)
			if imp == "" {
				continue
			}
			key := strings.ToLower(imp)
			if _, seen := usage[key]; !seen {
				order = append(order, imp)
			}
			usage[key] = append(usage[key], b.DocumentID())
		}
	}
	docs := make([]LibraryDoc, 0, len(order))
	for _, name := range order {
		docs = append(docs, LibraryDoc{Name: name, UsedBy: usage[strings.ToLower(name)]})
	}
	return docs
}

// dedupeIDs rewrites colliding document ids with deterministic numeric
// suffixes so every record stays addressable. The first occurrence keeps the
// bare id; later ones get "-2", "-3" and so on in input order.
func dedupeIDs(docs []bundle.Document) []string {
	counts := make(map[string]int, len(docs))
	assigned := make(map[string]struct{}, len(docs))
	ids := make([]string, len(docs))
	for i, doc := range docs {
		base := doc.DocumentID()
		id := base
		// A suffixed id can itself collide with a natural id later in the
		// input, so the suffix advances until the id is genuinely unused.
		for {
			counts[base]++
			if counts[base] > 1 {
				id = fmt.Sprintf("%s-%d", base, counts[base])
			}
			if _, taken := assigned[id]; !taken {
				break
			}
		}
		assigned[id] = struct{}{}
		ids[i] = id
	}
	return ids
}
