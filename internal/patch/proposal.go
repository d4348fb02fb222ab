package patch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ProposalKind tags what an agent response turned out to be.
type ProposalKind string

const (
	// ProposalPatch is a well-formed patch proposal.
	ProposalPatch ProposalKind = "patch"
	// ProposalMessage is anything that did not parse as one; the raw text
	// is preserved as a plain message.
	ProposalMessage ProposalKind = "message"
)

// Proposal is the validated form of a raw agent response.
type Proposal struct {
	Kind     ProposalKind
	Message  string
	Summary  string
	Files    []FilePatch
	Commands []string
}

var jsonFenceRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// ParseProposal parses raw agent output defensively. The agent's text is
// untrusted: every field is validated, string fields are coerced, and any
// malformed payload falls back to a plain message rather than an error.
func ParseProposal(raw string) *Proposal {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return &Proposal{Kind: ProposalMessage, Message: raw}
	}

	candidate := trimmed
	if !strings.HasPrefix(candidate, "{") {
		// Agents frequently wrap JSON in a fenced code block.
		match := jsonFenceRegex.FindStringSubmatch(candidate)
		if match == nil {
			return &Proposal{Kind: ProposalMessage, Message: raw}
		}
		candidate = match[1]
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return &Proposal{Kind: ProposalMessage, Message: raw}
	}

	rawFiles, ok := payload["files"].([]any)
	if !ok || len(rawFiles) == 0 {
		return &Proposal{Kind: ProposalMessage, Message: raw}
	}

	var files []FilePatch
	for _, rf := range rawFiles {
		entry, ok := rf.(map[string]any)
		if !ok {
			return &Proposal{Kind: ProposalMessage, Message: raw}
		}
		path := coerceString(entry["path"])
		newContent, hasNew := entry["new_content"]
		if path == "" || !hasNew {
			return &Proposal{Kind: ProposalMessage, Message: raw}
		}
		files = append(files, FilePatch{
			Path:            path,
			OriginalContent: coerceString(entry["original_content"]),
			NewContent:      coerceString(newContent),
			ExpectedSHA256:  coerceString(entry["expected_sha256"]),
		})
	}

	var commands []string
	if rawCommands, ok := payload["commands"].([]any); ok {
		for _, rc := range rawCommands {
			if cmd := coerceString(rc); cmd != "" {
				commands = append(commands, cmd)
			}
		}
	}

	return &Proposal{
		Kind:     ProposalPatch,
		Summary:  coerceString(payload["summary"]),
		Files:    files,
		Commands: commands,
	}
}

// coerceString turns scalar JSON values into strings; anything else
// becomes "".
func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", val), ".0")
	case bool:
		return fmt.Sprintf("%v", val)
	default:
		return ""
	}
}
