package schema

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ParseStepOutputs parses a step output file in the GITHUB_OUTPUT format
// into a step outputs mapping.
//
// Two line forms are recognised:
//
//	key=value
//	key<<DELIMITER
//	line one
//	line two
//	DELIMITER
//
// Heredoc bodies are taken literally and joined with "\n". Blank lines
// between entries are ignored. Later keys overwrite earlier ones. Any other
// line, or a heredoc without its closing delimiter, is an InvalidField error
// located at the 1-based line number.
func ParseStepOutputs(data []byte) (map[string]any, error) {
	outputs := map[string]any{}

	var (
		key       string
		delimiter string
		body      []string
		startLine int
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSuffix(sc.Text(), "\r")

		if delimiter != "" {
			if line == delimiter {
				outputs[key] = strings.Join(body, "\n")
				key, delimiter, body = "", "", nil
				continue
			}
			body = append(body, line)
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		eq := strings.Index(line, "=")
		heredoc := strings.Index(line, "<<")
		switch {
		case heredoc >= 0 && (eq < 0 || heredoc < eq):
			key = line[:heredoc]
			delimiter = line[heredoc+2:]
			if key == "" || delimiter == "" {
				return nil, NewInvalidField("heredoc needs a key and a delimiter", "line", strconv.Itoa(lineNo)).WithInput(line)
			}
			startLine = lineNo
		case eq > 0:
			outputs[line[:eq]] = line[eq+1:]
		default:
			return nil, NewInvalidField("expected key=value or key<<DELIMITER", "line", strconv.Itoa(lineNo)).WithInput(line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read step outputs: %w", err)
	}
	if delimiter != "" {
		return nil, NewInvalidField(fmt.Sprintf("heredoc %q is not terminated", delimiter), "line", strconv.Itoa(startLine))
	}
	return outputs, nil
}
