// File path: internal/parser/discovery.go
package parser

import (
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opsforge/bundleindex/internal/bundle"
	"github.com/opsforge/bundleindex/internal/common"
)

type generationRuleFile struct {
	Spec struct {
		Platform        string           `yaml:"platform"`
		GenerationRules []generationRule `yaml:"generationRules"`
	} `yaml:"spec"`
}

type generationRule struct {
	ResourceTypes []string    `yaml:"resourceTypes"`
	MatchRules    []matchRule `yaml:"matchRules"`
	SLXs          []slxEntry  `yaml:"slxs"`
}

type matchRule struct {
	Type       string   `yaml:"type"`
	Pattern    string   `yaml:"pattern"`
	Mode       string   `yaml:"mode"`
	Properties []string `yaml:"properties"`
}

type slxEntry struct {
	BaseName      string       `yaml:"baseName"`
	LevelOfDetail string       `yaml:"levelOfDetail"`
	OutputItems   []outputItem `yaml:"outputItems"`
}

type outputItem struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

var detailRank = map[string]int{"": 0, "none": 0, "basic": 1, "detailed": 2}

// ParseDiscovery aggregates generation-rule sidecar files into a single
// discovery summary. Files that fail to parse are skipped with a warning so
// one malformed rule file cannot hide the rest of a bundle's discovery
// metadata. With no rule files at all the bundle is simply not discoverable.
func ParseDiscovery(files map[string]string) bundle.DiscoveryInfo {
	info := bundle.DiscoveryInfo{}
	if len(files) == 0 {
		return info
	}
	logger := common.Logger()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	resourceSeen := make(map[string]struct{})
	outputSeen := make(map[string]struct{})
	bestDetail := 0
	var explicitPlatform string

	for _, name := range names {
		var parsed generationRuleFile
		if err := yaml.Unmarshal([]byte(files[name]), &parsed); err != nil {
			logger.Warn("parser: skipping malformed generation rule file", "file", name, "error", err)
			continue
		}
		if len(parsed.Spec.GenerationRules) == 0 {
			continue
		}
		info.Discoverable = true
		if platform := strings.TrimSpace(parsed.Spec.Platform); platform != "" && explicitPlatform == "" {
			explicitPlatform = platform
		}
		for _, rule := range parsed.Spec.GenerationRules {
			for _, rt := range rule.ResourceTypes {
				rt = strings.TrimSpace(rt)
				if rt == "" {
					continue
				}
				if _, dup := resourceSeen[rt]; dup {
					continue
				}
				resourceSeen[rt] = struct{}{}
				info.ResourceTypes = append(info.ResourceTypes, rt)
			}
			for _, mr := range rule.MatchRules {
				info.MatchPatterns = append(info.MatchPatterns, bundle.MatchPattern{
					Type:       mr.Type,
					Pattern:    mr.Pattern,
					Mode:       mr.Mode,
					Properties: mr.Properties,
				})
			}
			for _, slx := range rule.SLXs {
				if rank := detailRank[strings.ToLower(strings.TrimSpace(slx.LevelOfDetail))]; rank > bestDetail {
					bestDetail = rank
					info.LevelOfDetail = strings.ToLower(strings.TrimSpace(slx.LevelOfDetail))
				}
				for _, item := range slx.OutputItems {
					kind := strings.TrimSpace(item.Type)
					if kind == "" {
						continue
					}
					if _, dup := outputSeen[kind]; dup {
						continue
					}
					outputSeen[kind] = struct{}{}
					info.OutputItems = append(info.OutputItems, kind)
				}
			}
		}
	}

	if !info.Discoverable {
		return info
	}
	if explicitPlatform != "" {
		info.Platform = explicitPlatform
	} else {
		info.Platform = InferPlatform(info.ResourceTypes)
	}
	return info
}
