package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestMaskFieldRedactsSecretKeys(t *testing.T) {
	got := MaskField("signature", "0xdeadbeef").Value.String()
	if !strings.HasPrefix(got, Redacted+":") || strings.Contains(got, "deadbeef") {
		t.Fatalf("expected signature to be redacted, got %q", got)
	}
	if again := MaskField("Signature", "0xdeadbeef").Value.String(); again != got {
		t.Fatalf("fingerprint not stable: %q vs %q", again, got)
	}
	if got := MaskField("reason", "replay_detected"); got.Value.String() != "replay_detected" {
		t.Fatalf("ordinary key was redacted: %q", got.Value.String())
	}
	if got := MaskField("token", "  "); got.Value.String() != "  " {
		t.Fatalf("empty value should pass through")
	}
	if got := MaskBytes("viewing-key", []byte{1, 2, 3}).Value.String(); !strings.HasPrefix(got, Redacted) {
		t.Fatalf("expected bytes to be redacted, got %q", got)
	}
	if !IsSecret("Payment-Token") || IsSecret("stealth_address") {
		t.Fatalf("unexpected secret classification")
	}
}

func TestHandlerMasksSecretAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, slog.LevelInfo))
	logger.Info("admin token rejected",
		slog.String("token", "eyJhbGciOiJIUzI1NiJ9.secret"),
		MaskField("signature", "0xabcdef"),
		slog.String("route", "/v1/admin/fees"))

	line := buf.String()
	if strings.Contains(line, "eyJhbGciOiJIUzI1NiJ9") || strings.Contains(line, "abcdef") {
		t.Fatalf("secret leaked into log line: %s", line)
	}
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["severity"] != "INFO" || record["message"] != "admin token rejected" || record["route"] != "/v1/admin/fees" {
		t.Fatalf("unexpected record %v", record)
	}
	if token, _ := record["token"].(string); !strings.HasPrefix(token, Redacted+":") {
		t.Fatalf("token not masked: %v", record["token"])
	}
	if sig, _ := record["signature"].(string); strings.Count(sig, Redacted) != 1 {
		t.Fatalf("pre-masked value masked twice: %v", record["signature"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
