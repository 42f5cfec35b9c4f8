package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gitveil/internal/veil"
)

func TestParseArg(t *testing.T) {
	t.Parallel()

	tests := []struct {
		arg      string
		wantOld  string
		wantRepl veil.EmailReplacement
		wantErr  bool
	}{
		{
			arg:     "jane@corp.example",
			wantOld: "jane@corp.example",
		},
		{
			arg:      "jane@corp.example:jane@home.example",
			wantOld:  "jane@corp.example",
			wantRepl: veil.EmailReplacement{Email: "jane@home.example"},
		},
		{
			arg:      "jane@corp.example:jane@home.example:Jane Doe",
			wantOld:  "jane@corp.example",
			wantRepl: veil.EmailReplacement{Email: "jane@home.example", Name: "Jane Doe"},
		},
		{
			arg:     ":new@example.org",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.arg, func(t *testing.T) {
			t.Parallel()
			old, repl, err := ParseArg(tt.arg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseArg(%q) succeeded, want error", tt.arg)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseArg(%q) error = %v", tt.arg, err)
			}
			if old != tt.wantOld {
				t.Errorf("old = %q, want %q", old, tt.wantOld)
			}
			if repl != tt.wantRepl {
				t.Errorf("repl = %+v, want %+v", repl, tt.wantRepl)
			}
		})
	}
}

func TestGitHubNoreply(t *testing.T) {
	t.Parallel()

	got := GitHubNoreply("jane")
	want := "jane@users.noreply.github.com"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	t.Run("parses hujson with comments and trailing commas", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "map.hujson")
		content := `{
    // corp addresses must not leak
    "jane@corp.example": "jane@users.noreply.github.com",
    "bob@corp.example": "bob@home.example:Bob",
    "old@corp.example": "",
}`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("writing map file: %v", err)
		}

		got, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		want := map[string]veil.EmailReplacement{
			"jane@corp.example": {Email: "jane@users.noreply.github.com"},
			"bob@corp.example":  {Email: "bob@home.example", Name: "Bob"},
			"old@corp.example":  {Email: DefaultReplacement},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("LoadFile() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("rejects malformed files", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "map.hujson")
		if err := os.WriteFile(path, []byte(`{"unterminated`), 0o600); err != nil {
			t.Fatalf("writing map file: %v", err)
		}
		if _, err := LoadFile(path); err == nil {
			t.Fatal("LoadFile() accepted a malformed file")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.hujson")); err == nil {
			t.Fatal("LoadFile() accepted a missing file")
		}
	})
}
