// File path: internal/enhance/prompt.go
package enhance

import (
	"fmt"
	"strings"

	"github.com/opsforge/bundleindex/internal/bundle"
	"github.com/opsforge/bundleindex/internal/llm/providers"
)

const systemPrompt = `You are a technical writer for an operations automation catalog. ` +
	`Given a codebundle's metadata you produce a JSON object with exactly these keys: ` +
	`"enhanced_description" (two or three sentences describing what the bundle investigates ` +
	`and when an operator would run it), "access_level" (one of "read-only", "write", ` +
	`"admin" based on the commands the tasks run), and "iam_requirements" (a list of ` +
	`permission strings the tasks need, empty if none can be determined). ` +
	`Respond with the JSON object only, no prose and no code fences.`

// buildMessages renders the enhancement conversation for one bundle.
func buildMessages(b bundle.Bundle) []providers.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Codebundle: %s\n", b.DisplayName)
	if b.Platform() != "" {
		fmt.Fprintf(&sb, "Platform: %s\n", b.Platform())
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	if len(b.SupportTags) > 0 {
		fmt.Fprintf(&sb, "Supports: %s\n", strings.Join(b.SupportTags, ", "))
	}
	if names := b.TaskNames(); len(names) > 0 {
		sb.WriteString("Tasks:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "- %s\n", name)
		}
	}
	for _, task := range b.Tasks {
		for _, step := range task.Steps {
			fmt.Fprintf(&sb, "Step: %s\n", bundle.TruncateText(step, 300))
		}
	}
	if b.ReadmeText != "" {
		fmt.Fprintf(&sb, "Readme:\n%s\n", bundle.TruncateText(b.ReadmeText, 3000))
	}
	return []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// renderPrompt flattens the conversation for the audit trail.
func renderPrompt(messages []providers.Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Role+": "+msg.Content)
	}
	return strings.Join(parts, "\n---\n")
}
