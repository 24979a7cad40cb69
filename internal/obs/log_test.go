package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogWritesJSON(t *testing.T) {
	l := Logger()
	original := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(original)

	Warn("audit.sync.failed", map[string]any{"pending": 3, "msg": "ignored"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "warn" {
		t.Fatalf("unexpected level: %v", entry["level"])
	}
	if entry["msg"] != "audit.sync.failed" {
		t.Fatalf("fields must not override msg: %v", entry["msg"])
	}
	if entry["pending"] != float64(3) {
		t.Fatalf("unexpected pending: %v", entry["pending"])
	}
}

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"alice@example.com": "a***@example.com",
		"nodomain":          "***",
		"@example.com":      "***",
	}
	for input, want := range cases {
		if got := MaskEmail(input); got != want {
			t.Fatalf("MaskEmail(%q)=%q, want %q", input, got, want)
		}
	}
}
