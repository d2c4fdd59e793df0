package utils

import (
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{name: "trace level", input: "trace", expected: TRACE},
		{name: "debug level", input: "DEBUG", expected: DEBUG},
		{name: "info level", input: "INFO", expected: INFO},
		{name: "empty defaults to info", input: "", expected: INFO},
		{name: "warning alias", input: "WARNING", expected: WARN},
		{name: "error level", input: "error", expected: ERROR},
		{name: "fatal level", input: "FATAL", expected: FATAL},
		{name: "invalid level", input: "LOUD", expected: INFO, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if level != tt.expected {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	if f, err := ParseLogFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseLogFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseLogFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseLogFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Error("expected error for xml format")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{12 * 1024 * 1024, "12 MiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := FormatMB(300); got != "300 MiB" {
		t.Errorf("FormatMB(300) = %q", got)
	}
}

func TestParseBytes(t *testing.T) {
	n, err := ParseBytes("256MiB")
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if n != 256*1024*1024 {
		t.Errorf("ParseBytes(256MiB) = %d", n)
	}
	if _, err := ParseBytes(""); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := ParseBytes("lots"); err == nil {
		t.Error("expected error for invalid input")
	}
}
