package providers

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRenderPrompt(t *testing.T) {
	t.Parallel()

	req := ExtractRequest{
		Template: "Extract fields from the chat below.\nChat: {{chat}}\nKeys: {{keys}}",
		Vars: map[string]string{
			"chat": "WO-001 on line L1, all passed",
			"keys": "wo_no, line, result",
		},
	}

	want := "Extract fields from the chat below.\nChat: WO-001 on line L1, all passed\nKeys: wo_no, line, result"

	if got := RenderPrompt(req); got != want {
		t.Errorf("RenderPrompt() = %q, want %q", got, want)
	}
}

func TestParseFieldsJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		want    map[string]string
		wantErr bool
	}{
		{
			name: "bare object",
			text: `{"wo_no": "WO-001", "line": "L1"}`,
			want: map[string]string{"wo_no": "WO-001", "line": "L1"},
		},
		{
			name: "fenced response",
			text: "Here are the fields:\n```json\n{\"wo_no\": \"WO-001\"}\n```\nDone.",
			want: map[string]string{"wo_no": "WO-001"},
		},
		{
			name: "numbers stringified",
			text: `{"qty": 12, "weight": 3.5}`,
			want: map[string]string{"qty": "12", "weight": "3.5"},
		},
		{
			name: "nulls dropped",
			text: `{"wo_no": "WO-001", "lot": null}`,
			want: map[string]string{"wo_no": "WO-001"},
		},
		{
			name:    "no object",
			text:    "I could not find any fields.",
			wantErr: true,
		},
		{
			name:    "malformed object",
			text:    `{"wo_no": }`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseFieldsJSON(tt.text)

			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseFieldsJSON() = %v, want error", got)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseFieldsJSON() error = %v", err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMimeType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{path: "a.jpg", want: "image/jpeg"},
		{path: "a.JPEG", want: "image/jpeg"},
		{path: "a.png", want: "image/png"},
		{path: "a.webp", want: "image/webp"},
		{path: "a.bin", want: "application/octet-stream"},
	}

	for _, tt := range tests {
		if got := MimeType(tt.path); got != tt.want {
			t.Errorf("MimeType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
