package runtime

import (
	"slices"
	"testing"
)

func TestMergeEnv(t *testing.T) {
	tests := []struct {
		name      string
		base      []string
		overrides []string
		want      []string
	}{
		{
			name:      "toolchain env overrides image env",
			base:      []string{"PATH=/usr/local/cargo/bin:/usr/bin", "CARGO_HOME=/usr/local/cargo"},
			overrides: []string{"CARGO_HOME=/app/.cargo"},
			want:      []string{"CARGO_HOME=/app/.cargo", "PATH=/usr/local/cargo/bin:/usr/bin"},
		},
		{
			name:      "adds new variables",
			base:      []string{"PATH=/usr/bin"},
			overrides: []string{"CARGO_NET_OFFLINE=true"},
			want:      []string{"CARGO_NET_OFFLINE=true", "PATH=/usr/bin"},
		},
		{
			name:      "no base",
			overrides: []string{"RUSTFLAGS=-C target-cpu=native"},
			want:      []string{"RUSTFLAGS=-C target-cpu=native"},
		},
		{
			name: "nothing to merge",
			want: []string{},
		},
		{
			name:      "entries without separator are dropped",
			base:      []string{"BROKEN", "PATH=/usr/bin"},
			overrides: []string{"ALSO_BROKEN", "A=1"},
			want:      []string{"A=1", "PATH=/usr/bin"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeEnv(tt.base, tt.overrides)
			slices.Sort(got)

			if !slices.Equal(got, tt.want) {
				t.Fatalf("mergeEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextExecID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := nextExecID()
		if id == "" {
			t.Fatal("nextExecID returned empty string")
		}
		if seen[id] {
			t.Fatalf("nextExecID returned duplicate: %q", id)
		}
		seen[id] = true
	}
}
