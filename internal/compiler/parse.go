package compiler

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/contract-forge/internal/domain"
)

type solcInput struct {
	Language string                     `json:"language"`
	Sources  map[string]solcInputSource `json:"sources"`
	Settings solcSettings               `json:"settings"`
}

type solcInputSource struct {
	Content string `json:"content"`
}

type solcSettings struct {
	OutputSelection map[string]map[string][]string `json:"outputSelection"`
}

type solcOutput struct {
	Errors []solcError `json:"errors"`
}

type solcError struct {
	Severity       string `json:"severity"`
	Type           string `json:"type"`
	Message        string `json:"message"`
	SourceLocation *struct {
		File  string `json:"file"`
		Start int    `json:"start"`
		End   int    `json:"end"`
	} `json:"sourceLocation"`
}

// solcRequest builds a standard-json request that asks for the AST only,
// which is enough to run parsing and type checking.
func solcRequest(fileName, source string) ([]byte, error) {
	in := solcInput{
		Language: "Solidity",
		Sources:  map[string]solcInputSource{fileName: {Content: source}},
		Settings: solcSettings{
			OutputSelection: map[string]map[string][]string{
				"*": {"": {"ast"}},
			},
		},
	}
	return json.Marshal(in)
}

// parseSolcJSON turns a standard-json response into diagnostics. Byte
// offsets are mapped back to 1-based line and column in source.
func parseSolcJSON(out []byte, source string) ([]domain.Diagnostic, error) {
	var resp solcOutput
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		return nil, fmt.Errorf("decode solc output: %w", err)
	}

	diags := make([]domain.Diagnostic, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		d := domain.Diagnostic{
			Severity: solcSeverity(e.Severity),
			Message:  e.Message,
			Source:   "solc",
		}
		if e.Type != "" && !strings.HasPrefix(e.Message, e.Type) {
			d.Message = e.Type + ": " + e.Message
		}
		if e.SourceLocation != nil && e.SourceLocation.Start >= 0 {
			d.Line, d.Column = lineCol(source, e.SourceLocation.Start)
		}
		diags = append(diags, d)
	}
	return diags, nil
}

func solcSeverity(s string) domain.Severity {
	switch strings.ToLower(s) {
	case "error":
		return domain.SeverityError
	case "warning":
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}

// lineCol converts a byte offset to 1-based line and column.
func lineCol(source string, offset int) (int, int) {
	if offset > len(source) {
		offset = len(source)
	}
	prefix := source[:offset]
	line := strings.Count(prefix, "\n") + 1
	col := offset - strings.LastIndex(prefix, "\n")
	return line, col
}

// file:line[:col]: message
var lineDiagRE = regexp.MustCompile(`^(?:[^:\s][^:]*):(\d+)(?::(\d+))?:\s*(.+)$`)

// parseLines reads compiler output in the common "file:line:col: message"
// shape. Lines that do not match are folded into the previous diagnostic.
func parseLines(out []byte, tool string) []domain.Diagnostic {
	var diags []domain.Diagnostic
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		m := lineDiagRE.FindStringSubmatch(text)
		if m == nil {
			if n := len(diags); n > 0 {
				diags[n-1].Message += "\n" + strings.TrimSpace(text)
			}
			continue
		}
		line, _ := strconv.Atoi(m[1])
		col, _ := strconv.Atoi(m[2])
		msg := m[3]
		sev := domain.SeverityError
		if rest, ok := strings.CutPrefix(msg, "warning: "); ok {
			sev, msg = domain.SeverityWarning, rest
		} else if rest, ok := strings.CutPrefix(msg, "error: "); ok {
			msg = rest
		}
		diags = append(diags, domain.Diagnostic{
			Severity: sev,
			Message:  msg,
			Line:     line,
			Column:   col,
			Source:   tool,
		})
	}
	return diags
}
