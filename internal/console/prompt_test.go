package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractPrompt(t *testing.T) {
	terms := []string{"> "}

	prompt, rest, found := extractPrompt("[+] Done\nmsf6 exploit(smb) > ", terms)
	assert.True(t, found)
	assert.Equal(t, "msf6 exploit(smb) > ", prompt)
	assert.Equal(t, "[+] Done\n", rest)

	prompt, rest, found = extractPrompt("msf6 > ", terms)
	assert.True(t, found)
	assert.Equal(t, "msf6 > ", prompt)
	assert.Empty(t, rest)

	_, rest, found = extractPrompt("still running\n", terms)
	assert.False(t, found)
	assert.Equal(t, "still running\n", rest)

	_, _, found = extractPrompt("", terms)
	assert.False(t, found)
}

func TestExtractPromptMultipleTerminators(t *testing.T) {
	terms := []string{"> ", "$ "}

	prompt, _, found := extractPrompt("output\nuser@host $ ", terms)
	assert.True(t, found)
	assert.Equal(t, "user@host $ ", prompt)
}

func TestSplitCompleteLines(t *testing.T) {
	complete, tail := splitCompleteLines("a\nb\npartial")
	assert.Equal(t, "a\nb\n", complete)
	assert.Equal(t, "partial", tail)

	complete, tail = splitCompleteLines("no newline")
	assert.Empty(t, complete)
	assert.Equal(t, "no newline", tail)

	complete, tail = splitCompleteLines("done\n")
	assert.Equal(t, "done\n", complete)
	assert.Empty(t, tail)
}
