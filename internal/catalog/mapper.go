// File path: internal/catalog/mapper.go
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opsforge/bundleindex/internal/bundle"
)

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "[]", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func rowFromBundle(b bundle.Bundle) (bundleRow, error) {
	tags, err := encodeJSON(b.Tags)
	if err != nil {
		return bundleRow{}, err
	}
	supportTags, err := encodeJSON(b.SupportTags)
	if err != nil {
		return bundleRow{}, err
	}
	tasks, err := encodeJSON(b.Tasks)
	if err != nil {
		return bundleRow{}, err
	}
	imports, err := encodeJSON(b.Imports)
	if err != nil {
		return bundleRow{}, err
	}
	userVars, err := encodeJSON(b.UserVariables)
	if err != nil {
		return bundleRow{}, err
	}
	row := bundleRow{
		CollectionID:  b.CollectionID,
		Slug:          b.Slug,
		DisplayName:   b.DisplayName,
		Description:   b.Description,
		DocText:       b.DocText,
		ReadmeText:    b.ReadmeText,
		Author:        b.Author,
		Tags:          tags,
		SupportTags:   supportTags,
		Tasks:         tasks,
		Imports:       imports,
		UserVariables: userVars,
		IsActive:      b.IsActive,
	}
	if b.Discovery != nil {
		data, err := json.Marshal(b.Discovery)
		if err != nil {
			return bundleRow{}, fmt.Errorf("encode discovery: %w", err)
		}
		row.Discovery = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

func bundleFromRow(row bundleRow, collectionSlug string) bundle.Bundle {
	b := bundle.Bundle{
		ID:             row.ID,
		CollectionID:   row.CollectionID,
		CollectionSlug: collectionSlug,
		Slug:           row.Slug,
		DisplayName:    row.DisplayName,
		Description:    row.Description,
		DocText:        row.DocText,
		ReadmeText:     row.ReadmeText,
		Author:         row.Author,
		Tags:           decodeStrings(row.Tags),
		SupportTags:    decodeStrings(row.SupportTags),
		Imports:        decodeStrings(row.Imports),
		Status:         bundle.EnhancementStatus(row.EnhancementStatus),
		IsActive:       row.IsActive,
	}
	if row.Tasks != "" && row.Tasks != "[]" {
		var tasks []bundle.TaskRef
		if err := json.Unmarshal([]byte(row.Tasks), &tasks); err == nil {
			b.Tasks = tasks
		}
	}
	if row.UserVariables != "" && row.UserVariables != "[]" {
		var vars []bundle.VariableSpec
		if err := json.Unmarshal([]byte(row.UserVariables), &vars); err == nil {
			b.UserVariables = vars
		}
	}
	if row.Discovery.Valid && row.Discovery.String != "" {
		var info bundle.DiscoveryInfo
		if err := json.Unmarshal([]byte(row.Discovery.String), &info); err == nil {
			b.Discovery = &info
		}
	}
	if row.EnhancedDescription != "" || row.AccessLevel != "" {
		b.Enhancement = &bundle.Enhancement{
			EnhancedDescription: row.EnhancedDescription,
			AccessLevel:         row.AccessLevel,
			IAMRequirements:     decodeStrings(row.IAMRequirements),
		}
	}
	return b
}
