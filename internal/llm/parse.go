package llm

import (
	"regexp"
	"strings"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripReasoning removes <think> blocks that reasoning models prepend to
// their answers. An unterminated block drops everything from the opening
// tag onward.
func StripReasoning(reply string) string {
	reply = thinkBlock.ReplaceAllString(reply, "")
	if at := strings.Index(reply, "<think>"); at >= 0 {
		reply = reply[:at]
	}
	return strings.TrimSpace(reply)
}

// ExtractJSON pulls the JSON document out of a model reply: reasoning
// blocks are stripped, markdown code fences removed, and when loose prose
// surrounds the document the outermost braces or brackets win.
func ExtractJSON(reply string) string {
	reply = StripReasoning(reply)

	if strings.HasPrefix(reply, "```") {
		reply = strings.TrimPrefix(reply, "```json")
		reply = strings.TrimPrefix(reply, "```")
		reply = strings.TrimSuffix(reply, "```")
		reply = strings.TrimSpace(reply)
	}

	if strings.HasPrefix(reply, "{") || strings.HasPrefix(reply, "[") {
		return reply
	}

	objStart, objEnd := strings.Index(reply, "{"), strings.LastIndex(reply, "}")
	arrStart, arrEnd := strings.Index(reply, "["), strings.LastIndex(reply, "]")
	if objStart >= 0 && objEnd > objStart && (arrStart < 0 || objStart < arrStart) {
		return reply[objStart : objEnd+1]
	}
	if arrStart >= 0 && arrEnd > arrStart {
		return reply[arrStart : arrEnd+1]
	}
	return reply
}
