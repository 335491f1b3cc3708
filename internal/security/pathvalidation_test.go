package security

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "data", "datasets")

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{"direct child", filepath.Join(root, "after"), false},
		{"nested path", filepath.Join(root, "after", "img_1", "labels", "img_1.txt"), false},
		{"root itself", root, false},
		{"dot dot escape", filepath.Join(root, "..", "secrets"), true},
		{"sibling with shared prefix", root + "-other", true},
		{"unrelated absolute", filepath.Join(string(filepath.Separator), "etc", "passwd"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, root)
			if (err != nil) != tt.wantError {
				t.Fatalf("ValidatePathWithinDirectory(%q) error = %v, wantError %v", tt.filePath, err, tt.wantError)
			}
			if err != nil && !errors.Is(err, ErrPathEscape) {
				t.Errorf("expected ErrPathEscape, got %v", err)
			}
		})
	}
}

func TestJoinWithin(t *testing.T) {
	root := t.TempDir()

	got, err := JoinWithin(root, "before", "frame_0001.csv")
	if err != nil {
		t.Fatalf("JoinWithin: %v", err)
	}
	if want := filepath.Join(root, "before", "frame_0001.csv"); got != want {
		t.Errorf("JoinWithin = %q, want %q", got, want)
	}

	if _, err := JoinWithin(root, "..", "..", "etc", "passwd"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("expected ErrPathEscape, got %v", err)
	}
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"frame_0001", false},
		{"IMG 42.v2", false},
		{"", true},
		{".", true},
		{"..", true},
		{"a/b", true},
		{`a\b`, true},
		{"nul\x00byte", true},
	}

	for _, tt := range tests {
		err := ValidateIdentifier(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrUnsafeIdentifier) {
			t.Errorf("ValidateIdentifier(%q) = %v, want ErrUnsafeIdentifier", tt.id, err)
		}
	}
}
