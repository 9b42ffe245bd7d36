package utils

import (
	"testing"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{
			name:      "empty path",
			input:     "",
			wantError: true,
		},
		{
			name:      "relative path",
			input:     "./test",
			wantError: false,
		},
		{
			name:      "absolute path",
			input:     "/tmp/test",
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if (err != nil) != tt.wantError {
				t.Errorf("ResolvePath(%q) error = %v, wantError %v", tt.input, err, tt.wantError)
			}
			if !tt.wantError && result == "" {
				t.Errorf("ResolvePath(%q) returned empty string", tt.input)
			}
		})
	}
}

func TestNormPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/A/B", "/A/B"},
		{"A/B", "/A/B"},
		{"/A/B/", "/A/B"},
		{"/", "/"},
	}
	for _, tt := range tests {
		if got := NormPath(tt.input); got != tt.want {
			t.Errorf("NormPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParentAndBase(t *testing.T) {
	if got := ParentPath("/A/B/c.txt"); got != "/A/B" {
		t.Errorf("ParentPath = %q", got)
	}
	if got := ParentPath("/A"); got != "/" {
		t.Errorf("ParentPath(/A) = %q", got)
	}
	if got := ParentPath("/"); got != "/" {
		t.Errorf("ParentPath(/) = %q", got)
	}
	if got := BaseName("/A/B/c.txt"); got != "c.txt" {
		t.Errorf("BaseName = %q", got)
	}
}

func TestIsAncestorPath(t *testing.T) {
	tests := []struct {
		ancestor string
		path     string
		want     bool
	}{
		{"/A", "/A", true},
		{"/A", "/A/B", true},
		{"/A", "/AB", false},
		{"/A/B", "/A", false},
		{"/", "/A", true},
	}
	for _, tt := range tests {
		if got := IsAncestorPath(tt.ancestor, tt.path); got != tt.want {
			t.Errorf("IsAncestorPath(%q, %q) = %v, want %v", tt.ancestor, tt.path, got, tt.want)
		}
	}
}
