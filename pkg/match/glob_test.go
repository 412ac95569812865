package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		match   bool
	}{
		// ** crosses directory boundaries
		{"src/frontend/**", "src/frontend/Button.tsx", true},
		{"src/frontend/**", "src/frontend/components/Modal.tsx", true},
		{"src/frontend/**", "src/backend/api.go", false},
		{"**/*.go", "pkg/match/glob.go", true},
		{"**/*.go", "main.go", true},

		// * stays within one segment
		{"src/*.ts", "src/index.ts", true},
		{"src/*.ts", "src/components/index.ts", false},
		{"*.md", "README.md", true},
		{"*.md", "docs/README.md", false},

		// ? matches one non-slash character
		{"file?.txt", "file1.txt", true},
		{"file?.txt", "file12.txt", false},
		{"file?.txt", "file/.txt", false},

		// literal characters are quoted
		{"a+b.txt", "a+b.txt", true},
		{"a+b.txt", "aab.txt", false},

		// patterns are anchored
		{"src/*.ts", "prefix/src/index.ts", false},
		{"src", "src/file", false},

		// case sensitivity
		{"README.md", "readme.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.path, func(t *testing.T) {
			re, err := CompileGlob(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.match, re.MatchString(tt.path))
		})
	}
}
