package validate

import (
	"encoding/json"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"path"
	"strings"

	"appforge/internal/types"
)

const maxLineLength = 160

// checkFile dispatches by extension. Every rule has a stable id; the
// orchestrator's repeat-failure escalation compares (path, rule id) pairs,
// so ids must not embed volatile details.
func checkFile(f types.GeneratedFile) []types.Diagnostic {
	var diags []types.Diagnostic
	if strings.TrimSpace(f.Content) == "" {
		return []types.Diagnostic{{
			Path:     f.Path,
			Rule:     "file/empty",
			Severity: types.SeverityError,
			Message:  "file has no content",
		}}
	}

	switch strings.ToLower(path.Ext(f.Path)) {
	case ".json":
		diags = append(diags, checkJSON(f)...)
	case ".py":
		diags = append(diags, checkBalance(f, "py")...)
		diags = append(diags, checkIndent(f)...)
		diags = append(diags, checkStyle(f)...)
	case ".js", ".jsx", ".ts", ".tsx":
		diags = append(diags, checkBalance(f, "js")...)
		diags = append(diags, checkStyle(f)...)
	case ".go":
		diags = append(diags, checkGo(f)...)
	case ".yml", ".yaml":
		diags = append(diags, checkYAMLTabs(f)...)
	case ".md", ".txt", ".html", ".css":
		// prose and markup: no structural rules
	default:
		diags = append(diags, checkStyle(f)...)
	}
	return diags
}

func checkJSON(f types.GeneratedFile) []types.Diagnostic {
	if json.Valid([]byte(f.Content)) {
		return nil
	}
	return []types.Diagnostic{{
		Path:     f.Path,
		Rule:     "json/parse",
		Severity: types.SeverityError,
		Message:  "content is not valid JSON",
	}}
}

func checkGo(f types.GeneratedFile) []types.Diagnostic {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, f.Path, f.Content, parser.AllErrors)
	if err == nil {
		return nil
	}
	var diags []types.Diagnostic
	if list, ok := err.(scanner.ErrorList); ok {
		for _, e := range list {
			diags = append(diags, types.Diagnostic{
				Path:     f.Path,
				Rule:     "go/parse",
				Severity: types.SeverityError,
				Message:  e.Msg,
				Line:     e.Pos.Line,
			})
		}
		return diags
	}
	return []types.Diagnostic{{
		Path:     f.Path,
		Rule:     "go/parse",
		Severity: types.SeverityError,
		Message:  err.Error(),
	}}
}

// checkBalance verifies (), [], {} nesting outside of strings and line
// comments. It is deliberately tolerant: anything it cannot classify is
// treated as code.
func checkBalance(f types.GeneratedFile, lang string) []types.Diagnostic {
	type open struct {
		ch   byte
		line int
	}
	var stack []open
	line := 1
	var inString byte // 0 when outside a string
	escaped := false
	inComment := false

	commentStart := func(content string, i int) bool {
		switch lang {
		case "py":
			return content[i] == '#'
		default:
			return content[i] == '/' && i+1 < len(content) && content[i+1] == '/'
		}
	}

	content := f.Content
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '\n' {
			line++
			inComment = false
			if inString != 0 && inString != '`' && lang != "py" {
				inString = 0 // unterminated single-line string; balance check stays best-effort
			}
			escaped = false
			continue
		}
		if inComment {
			continue
		}
		if inString != 0 {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			inString = c
		case '(', '[', '{':
			stack = append(stack, open{ch: c, line: line})
		case ')', ']', '}':
			if len(stack) == 0 || !matches(stack[len(stack)-1].ch, c) {
				return []types.Diagnostic{{
					Path:     f.Path,
					Rule:     lang + "/balance",
					Severity: types.SeverityError,
					Message:  fmt.Sprintf("unexpected %q", c),
					Line:     line,
				}}
			}
			stack = stack[:len(stack)-1]
		default:
			if commentStart(content, i) {
				inComment = true
			}
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return []types.Diagnostic{{
			Path:     f.Path,
			Rule:     lang + "/balance",
			Severity: types.SeverityError,
			Message:  fmt.Sprintf("unclosed %q", top.ch),
			Line:     top.line,
		}}
	}
	return nil
}

func matches(opener, closer byte) bool {
	switch opener {
	case '(':
		return closer == ')'
	case '[':
		return closer == ']'
	case '{':
		return closer == '}'
	}
	return false
}

// checkIndent flags python files that mix tab and space indentation.
func checkIndent(f types.GeneratedFile) []types.Diagnostic {
	sawTabs, sawSpaces := false, false
	firstMixLine := 0
	for i, ln := range strings.Split(f.Content, "\n") {
		trimmed := strings.TrimLeft(ln, " \t")
		indent := ln[:len(ln)-len(trimmed)]
		if indent == "" {
			continue
		}
		hasTab := strings.Contains(indent, "\t")
		hasSpace := strings.Contains(indent, " ")
		if hasTab {
			sawTabs = true
		}
		if hasSpace {
			sawSpaces = true
		}
		if sawTabs && sawSpaces && firstMixLine == 0 {
			firstMixLine = i + 1
		}
	}
	if firstMixLine == 0 {
		return nil
	}
	return []types.Diagnostic{{
		Path:     f.Path,
		Rule:     "py/indent",
		Severity: types.SeverityError,
		Message:  "mixed tab and space indentation",
		Line:     firstMixLine,
	}}
}

func checkYAMLTabs(f types.GeneratedFile) []types.Diagnostic {
	for i, ln := range strings.Split(f.Content, "\n") {
		if strings.HasPrefix(ln, "\t") {
			return []types.Diagnostic{{
				Path:     f.Path,
				Rule:     "yaml/tabs",
				Severity: types.SeverityError,
				Message:  "yaml indentation must not use tabs",
				Line:     i + 1,
			}}
		}
	}
	return nil
}

// checkStyle emits warning-level findings only; they lower the quality score
// without failing the file.
func checkStyle(f types.GeneratedFile) []types.Diagnostic {
	var diags []types.Diagnostic
	for i, ln := range strings.Split(f.Content, "\n") {
		if strings.HasSuffix(ln, " ") || strings.HasSuffix(ln, "\t") {
			diags = append(diags, types.Diagnostic{
				Path:     f.Path,
				Rule:     "style/trailing-space",
				Severity: types.SeverityWarning,
				Message:  "trailing whitespace",
				Line:     i + 1,
			})
		}
		if len(ln) > maxLineLength {
			diags = append(diags, types.Diagnostic{
				Path:     f.Path,
				Rule:     "style/line-length",
				Severity: types.SeverityWarning,
				Message:  fmt.Sprintf("line exceeds %d characters", maxLineLength),
				Line:     i + 1,
			})
		}
	}
	return diags
}
