package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/ashureev/contract-forge/internal/repair"
)

var errNoCodeBlock = errors.New("model reply contains no code block")

const chatSystemPrompt = `You are an AI assistant specialized in smart contract development.
You help users write, edit, and debug contracts and the code around them.

Guidelines:
- Use Solidity ^0.8.20 for new Solidity contracts and include the SPDX-License-Identifier and pragma lines.
- Wrap code in fenced blocks tagged with the language, for example ` + "```solidity" + `.
- Only create or edit files when explicitly asked to.
- Preserve existing contract structure and functionality when editing.
- Follow security best practices and point out risky patterns.`

// patchSystemPrompt returns the system prompt for a fix request.
func patchSystemPrompt(language string) string {
	return fmt.Sprintf("You are a %s expert. Fix the compilation errors in the code. "+
		"Reply with the complete corrected file in a single ```%s block and nothing else.",
		displayLanguage(language), fenceTag(language))
}

// patchPrompt lists the error diagnostics followed by the current code.
func patchPrompt(req repair.PatchRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix the following %s compilation errors in %s:\n", displayLanguage(req.Language), req.Path)
	for _, d := range req.Diagnostics {
		if d.Severity != domain.SeverityError {
			continue
		}
		b.WriteString(d.String())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nCurrent code:\n```%s\n%s\n```", fenceTag(req.Language), strings.TrimRight(req.Source, "\n"))
	if ctx := contextBlock(req.Context); ctx != "" {
		b.WriteString("\n\n")
		b.WriteString(ctx)
	}
	return b.String()
}

// contextBlock renders client context as JSON for the model. Empty context
// renders nothing.
func contextBlock(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return ""
	}
	return "Project context:\n" + string(data)
}

// ExtractCode returns the body of the first fenced block tagged with
// language, falling back to the first fenced block of any kind. It returns
// "" when the text has no complete fence.
func ExtractCode(text, language string) string {
	if tag := fenceTag(language); tag != "" {
		if body, ok := fencedBody(text, "```"+tag); ok {
			return body
		}
	}
	body, _ := fencedBody(text, "```")
	return body
}

func fencedBody(text, open string) (string, bool) {
	lower := strings.ToLower(text)
	start := strings.Index(lower, strings.ToLower(open))
	for start != -1 {
		rest := text[start+len(open):]
		nl := strings.IndexByte(rest, '\n')
		// A language fence must end at the line break, so "```sol" does
		// not match "```solidity".
		if open == "```" || nl == -1 || strings.TrimSpace(rest[:nl]) == "" {
			break
		}
		next := strings.Index(lower[start+len(open):], strings.ToLower(open))
		if next == -1 {
			return "", false
		}
		start += len(open) + next
	}
	if start == -1 {
		return "", false
	}

	body := text[start+len(open):]
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		// Drop the info string of a bare fence, e.g. "```js".
		if info := strings.TrimSpace(body[:nl]); info == "" || !strings.ContainsAny(info, " \t;{}()") {
			body = body[nl+1:]
		}
	}
	end := strings.Index(body, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(body[:end]), true
}

func fenceTag(language string) string {
	switch l := strings.ToLower(strings.TrimSpace(language)); l {
	case "sol":
		return "solidity"
	case "golang":
		return "go"
	default:
		return l
	}
}

func displayLanguage(language string) string {
	switch tag := fenceTag(language); tag {
	case "solidity":
		return "Solidity"
	case "go":
		return "Go"
	case "":
		return "source"
	default:
		return tag
	}
}
