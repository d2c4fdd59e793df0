package utils

import (
	"strings"
	"testing"
)

func TestResolveWithin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		base        string
		path        string
		want        string
		errContains string
	}{
		{
			name: "relative path joined to base",
			base: "/srv/images",
			path: "albums/cover.jpg",
			want: "/srv/images/albums/cover.jpg",
		},
		{
			name: "absolute path inside base",
			base: "/srv/images",
			path: "/srv/images/albums/cover.jpg",
			want: "/srv/images/albums/cover.jpg",
		},
		{
			name: "base itself",
			base: "/srv/images/",
			path: "/srv/images",
			want: "/srv/images",
		},
		{
			name: "inner dot-dot stays inside",
			base: "/srv/images",
			path: "albums/../cover.jpg",
			want: "/srv/images/cover.jpg",
		},
		{
			name:        "relative escape",
			base:        "/srv/images",
			path:        "../../etc/passwd",
			errContains: "escapes base directory",
		},
		{
			name:        "absolute path outside base",
			base:        "/srv/images",
			path:        "/etc/passwd",
			errContains: "escapes base directory",
		},
		{
			name:        "sibling with shared prefix",
			base:        "/srv/images",
			path:        "/srv/images-old/cover.jpg",
			errContains: "escapes base directory",
		},
		{
			name:        "empty base",
			path:        "cover.jpg",
			errContains: "base path cannot be empty",
		},
		{
			name:        "empty path",
			base:        "/srv/images",
			errContains: "path cannot be empty",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ResolveWithin(tt.base, tt.path)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("ResolveWithin() error = %v, want %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveWithin() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveWithin() = %q, want %q", got, tt.want)
			}
		})
	}
}
