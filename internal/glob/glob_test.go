package glob

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "cmd/main.go", false},
		{"cmd/*.go", "cmd/main.go", true},
		{"cmd/*.go", "cmd/sub/main.go", false},
		{"**/*.go", "main.go", true},
		{"**/*.go", "cmd/sub/main.go", true},
		{"docs/**", "docs/guide/intro.md", true},
		{"docs/**", "docs", true}, // ** matches zero segments
		{"docs/**", "src/docs/x", false},
		{"src/**/testdata/*", "src/a/b/testdata/f.txt", true},
		{"src/**/testdata/*", "src/testdata/f.txt", true},
		{"src/**/testdata/*", "src/a/f.txt", false},
		{"dist/app-?.tar", "dist/app-1.tar", true},
		{"dist/app-?.tar", "dist/app-12.tar", false},
		{"exact/path.txt", "exact/path.txt", true},
		{"exact/path.txt", "exact/other.txt", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.name); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"*.md", "docs/**"}
	if !MatchAny(patterns, "README.md") {
		t.Error("expected README.md to match")
	}
	if !MatchAny(patterns, "docs/a/b.txt") {
		t.Error("expected docs/a/b.txt to match")
	}
	if MatchAny(patterns, "src/main.go") {
		t.Error("did not expect src/main.go to match")
	}
	if MatchAny(nil, "anything") {
		t.Error("empty pattern list must match nothing")
	}
}

func TestValidate(t *testing.T) {
	for _, p := range []string{"*.go", "**/*.go", "docs/**", "a/b/c"} {
		if err := Validate(p); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", p, err)
		}
	}
	if err := Validate("src/[bad"); err == nil {
		t.Error("expected error for unterminated character class")
	}
}
