package spawner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cliorchestrator/kernel/internal/agenttype"
)

// manifestDir is the per-work-dir subdirectory task manifests are written
// to before a spawn, and removed from after exit.
const manifestDir = ".ai-tasks"

// sopReminders is the fixed reminder block appended to every manifest,
// regardless of type.
const sopReminders = "## SOP Reminders\n" +
	"- Work only within the assigned project path.\n" +
	"- Report blockers rather than guessing at missing context.\n" +
	"- Prefer the smallest correct change over a larger rewrite.\n\n"

// buildManifest renders the agent's entire stdin input: header, prompt,
// a JSON context block, SOP reminders, and a type-specialised appendix.
func buildManifest(agentID string, req Request, cfg agenttype.Config) (string, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Agent Task: %s\n\n", agentID)
	fmt.Fprintf(&sb, "Type: %s\n", cfg.Type)
	fmt.Fprintf(&sb, "Task ID: %s\n", req.TaskID)
	fmt.Fprintf(&sb, "Description: %s\n\n", req.Prompt)

	sb.WriteString("## Prompt\n")
	sb.WriteString(req.Prompt)
	sb.WriteString("\n\n")

	if req.Context != nil {
		ctxJSON, err := json.MarshalIndent(req.Context, "", "  ")
		if err != nil {
			return "", fmt.Errorf("spawner: marshal context: %w", err)
		}
		sb.WriteString("## Context\n```json\n")
		sb.Write(ctxJSON)
		sb.WriteString("\n```\n\n")
	}

	sb.WriteString(sopReminders)

	if appendix := agenttype.Appendix(cfg.Type); appendix != "" {
		sb.WriteString("## Role Notes\n")
		sb.WriteString(appendix)
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

// writeManifest writes the manifest to <workDir>/.ai-tasks/task-<agentID>.md.
func writeManifest(workDir, agentID, content string) (string, error) {
	dir := filepath.Join(workDir, manifestDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("spawner: create manifest dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("task-%s.md", agentID))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("spawner: write manifest: %w", err)
	}
	return path, nil
}
