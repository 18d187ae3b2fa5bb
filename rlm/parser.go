package rlm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	finalTripleDouble = regexp.MustCompile(`(?s)FINAL\s*\(\s*"""(.*)"""`)
	finalTripleSingle = regexp.MustCompile(`(?s)FINAL\s*\(\s*'''(.*)'''`)
	finalDouble       = regexp.MustCompile(`(?s)FINAL\s*\(\s*"([^"]*)"`)
	finalSingle       = regexp.MustCompile(`(?s)FINAL\s*\(\s*'([^']*)'`)
	finalVar          = regexp.MustCompile(`FINAL_VAR\s*\(\s*["']?([A-Za-z_$][\w$]*)["']?\s*\)`)
	finalAny          = regexp.MustCompile(`FINAL\s*\(|FINAL_VAR\s*\(`)
)

// codeTags are the fence info strings treated as executable code.
var codeTags = map[string]bool{
	"":           true,
	"js":         true,
	"javascript": true,
	"repl":       true,
	"python":     true,
}

// ActionKind is the classification of a model response.
type ActionKind int

const (
	ActionPlain ActionKind = iota
	ActionExecuteCode
	ActionFinal
)

func (k ActionKind) String() string {
	switch k {
	case ActionExecuteCode:
		return "execute_code"
	case ActionFinal:
		return "final"
	default:
		return "plain"
	}
}

// Action is what the loop does with one model response.
type Action struct {
	Kind ActionKind
	// Blocks holds the code blocks to run in order (ActionExecuteCode).
	Blocks []string
	// Answer is a literal final answer; Var names a bound variable whose value
	// is the answer (ActionFinal, exactly one is set).
	Answer string
	Var    string
	Text   string
}

// Classify maps a model response to exactly one action. Code blocks win over
// final-answer markers, so a response that both computes and answers runs the
// code first.
func Classify(response string) Action {
	if blocks := codeBlocks(response); len(blocks) > 0 {
		return Action{Kind: ActionExecuteCode, Blocks: blocks, Text: response}
	}
	if !isFinal(response) {
		return Action{Kind: ActionPlain, Text: response}
	}
	if answer, ok := extractFinal(response); ok {
		return Action{Kind: ActionFinal, Answer: answer, Text: response}
	}
	if name, ok := extractFinalVar(response); ok {
		return Action{Kind: ActionFinal, Var: name, Text: response}
	}
	return Action{Kind: ActionPlain, Text: response}
}

// isFinal reports whether response carries any final-answer marker.
func isFinal(response string) bool {
	return finalAny.MatchString(response)
}

// codeBlocks returns the bodies of closed fenced blocks with an executable
// tag. Unclosed fences are ignored.
func codeBlocks(response string) []string {
	var (
		blocks []string
		body   []string
		inside bool
		keep   bool
	)

	scanner := bufio.NewScanner(strings.NewReader(response))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if !inside {
			if strings.HasPrefix(trimmed, "```") {
				inside = true
				keep = codeTags[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))]
				body = body[:0]
			}
			continue
		}
		if trimmed == "```" {
			inside = false
			code := strings.TrimSpace(strings.Join(body, "\n"))
			if keep && code != "" {
				blocks = append(blocks, code)
			}
			continue
		}
		body = append(body, line)
	}
	return blocks
}

func extractFinal(response string) (string, bool) {
	matchers := []*regexp.Regexp{finalTripleDouble, finalTripleSingle, finalDouble, finalSingle}
	for _, matcher := range matchers {
		match := matcher.FindStringSubmatch(response)
		if len(match) > 1 {
			return strings.TrimSpace(match[1]), true
		}
	}
	return "", false
}

func extractFinalVar(response string) (string, bool) {
	match := finalVar.FindStringSubmatch(response)
	if len(match) < 2 {
		return "", false
	}
	return match[1], true
}

// formatValue renders a looked-up binding as answer text.
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int, int64, int32, bool:
		return fmt.Sprint(v)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(data)
}
