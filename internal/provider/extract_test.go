package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCodeFirstPermittedFence(t *testing.T) {
	text := "Here is the solution:\n```python\nprint(\"hi\")\n```\nAnd a variant:\n```python\nprint(\"bye\")\n```"
	assert.Equal(t, `print("hi")`, ExtractCode(text, "python"))
}

func TestExtractCodeSkipsOtherLanguages(t *testing.T) {
	text := "```javascript\nconsole.log(1)\n```\n```python\nprint(2)\n```"
	assert.Equal(t, "print(2)", ExtractCode(text, "python"))
	assert.Equal(t, "console.log(1)", ExtractCode(text, "javascript"))
}

func TestExtractCodeBareFence(t *testing.T) {
	text := "```\nprint(3)\n```"
	assert.Equal(t, "print(3)", ExtractCode(text, "python"))
}

func TestExtractCodeAliases(t *testing.T) {
	assert.Equal(t, "print(4)", ExtractCode("```py\nprint(4)\n```", "python"))
	assert.Equal(t, "console.log(5)", ExtractCode("```js\nconsole.log(5)\n```", "javascript"))
}

func TestExtractCodeNoFenceUsesTrimmedText(t *testing.T) {
	assert.Equal(t, `print("plain")`, ExtractCode("  \nprint(\"plain\")\n  ", "python"))
}

func TestExtractCodeUnterminatedFence(t *testing.T) {
	assert.Equal(t, "print(6)", ExtractCode("```python\nprint(6)\n", "python"))
}
