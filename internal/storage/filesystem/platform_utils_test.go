package filesystem

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlatformUtils_SanitizeFilename(t *testing.T) {
	p := NewPlatformUtils()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "normal filename", input: "invoice.pdf", expected: "invoice.pdf"},
		{name: "unix path", input: "/tmp/../invoice.pdf", expected: "invoice.pdf"},
		{name: "windows path", input: `C:\Users\bob\invoice.pdf`, expected: "invoice.pdf"},
		{name: "control chars", input: "in\x00vo\nice.pdf", expected: "invoice.pdf"},
		{name: "trailing dots and spaces", input: "  notes.txt.. ", expected: "notes.txt"},
		{name: "empty", input: "", expected: "unnamed"},
		{name: "only dots", input: "...", expected: "unnamed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, p.SanitizeFilename(tc.input))
		})
	}

	t.Run("long filename keeps extension", func(t *testing.T) {
		got := p.SanitizeFilename(strings.Repeat("a", 300) + ".png")
		assert.Len(t, got, maxFilenameLength)
		assert.True(t, strings.HasSuffix(got, ".png"))
	})
}

func TestPlatformUtils_ValidatePath(t *testing.T) {
	p := NewPlatformUtils()

	assert.NoError(t, p.ValidatePath("env1/ticket/att"))
	assert.NoError(t, p.ValidatePath("env1/my..file"))
	assert.Error(t, p.ValidatePath("env1/../etc"))
	assert.Error(t, p.ValidatePath(`env1\..\etc`))
	assert.Error(t, p.ValidatePath(strings.Repeat("a", 2001)))
}

func TestPlatformUtils_Within(t *testing.T) {
	p := NewPlatformUtils()
	base := filepath.Join(string(filepath.Separator), "data", "drive")

	assert.True(t, p.Within(base, filepath.Join(base, "env1", "x")))
	assert.True(t, p.Within(base, filepath.Join(base, "..drive", "x")))
	assert.False(t, p.Within(base, filepath.Join(base, "..", "other")))
}
