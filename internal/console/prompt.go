package console

import "strings"

// extractPrompt inspects the trailing line of accumulated output and, when it
// ends with one of the configured terminators, returns the prompt and the
// output with the prompt line removed. Metasploit prints the prompt as the
// final unterminated line after a command completes.
func extractPrompt(output string, terminators []string) (prompt, remainder string, found bool) {
	if output == "" {
		return "", output, false
	}

	idx := strings.LastIndex(output, "\n")
	lastLine := output
	head := ""
	if idx >= 0 {
		head = output[:idx+1]
		lastLine = output[idx+1:]
	}

	for _, term := range terminators {
		if term != "" && strings.HasSuffix(lastLine, term) {
			return lastLine, head, true
		}
	}
	return "", output, false
}

// splitCompleteLines separates output into the prefix ending at the final
// newline and the trailing incomplete line. The incomplete tail is held back
// from emission because it may turn out to be the prompt.
func splitCompleteLines(output string) (complete, tail string) {
	idx := strings.LastIndex(output, "\n")
	if idx < 0 {
		return "", output
	}
	return output[:idx+1], output[idx+1:]
}
