package mcp

import (
	"fmt"
	"strings"

	"sshconsole/internal/proto"
)

// splitShellWords tokenizes a command line the way a POSIX shell would
// for the purpose of pipeline splitting: single and double quotes group
// words, backslash escapes the next character outside single quotes,
// and unquoted whitespace separates tokens. It does not perform glob
// expansion, variable substitution, or redirection parsing — this is a
// tokenizer for splitting on literal "|" stages, not a shell.
func splitShellWords(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	hasCur := false
	runes := []rune(s)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == ' ' || r == '\t' || r == '\n':
			if hasCur {
				tokens = append(tokens, cur.String())
				cur.Reset()
				hasCur = false
			}
			i++
		case r == '\'':
			hasCur = true
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '\'' {
					closed = true
					i++
					break
				}
				cur.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated single quote")
			}
		case r == '"':
			hasCur = true
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '"' {
					closed = true
					i++
					break
				}
				if runes[i] == '\\' && i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\\') {
					cur.WriteRune(runes[i+1])
					i += 2
					continue
				}
				cur.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated double quote")
			}
		case r == '\\' && i+1 < len(runes):
			hasCur = true
			cur.WriteRune(runes[i+1])
			i += 2
		default:
			hasCur = true
			cur.WriteRune(r)
			i++
		}
	}
	if hasCur {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// parsePipeline splits command into pipeline stages on literal "|"
// tokens. An empty stage (leading/doubled pipe) or a trailing pipe is
// rejected.
func parsePipeline(command string) ([]proto.Stage, error) {
	tokens, err := splitShellWords(command)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	var stages []proto.Stage
	var current []string
	for _, tok := range tokens {
		if tok == "|" {
			if len(current) == 0 {
				return nil, fmt.Errorf("empty pipeline segment")
			}
			stages = append(stages, proto.Stage{Argv: current})
			current = nil
			continue
		}
		current = append(current, tok)
	}
	if len(current) == 0 {
		return nil, fmt.Errorf("trailing pipe")
	}
	stages = append(stages, proto.Stage{Argv: current})
	return stages, nil
}
