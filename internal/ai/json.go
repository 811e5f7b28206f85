package ai

import "strings"

// CleanJSON strips markdown fences and surrounding prose from a model
// response and closes any brackets left open by truncation.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return strings.TrimSpace(text)
	}
	text = text[start:]

	closer := byte('}')
	if text[0] == '[' {
		closer = ']'
	}
	if end := strings.LastIndexByte(text, closer); end > 0 && balanced(text[:end+1]) {
		text = text[:end+1]
	}

	return closeTruncated(strings.TrimSpace(text))
}

func balanced(text string) bool {
	return len(openDelims(text)) == 0
}

// openDelims returns the closers still owed at the end of text.
func openDelims(text string) []byte {
	var stack []byte
	inString := false
	escape := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escape {
			escape = false
			continue
		}
		if c == '\\' && inString {
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		stack = append(stack, '"')
	}
	return stack
}

func closeTruncated(text string) string {
	stack := openDelims(text)
	if len(stack) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(text, ", \n\t"))
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}
