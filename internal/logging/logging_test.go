package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevelFallback(t *testing.T) {
	logger := NewLogger(Config{Level: "noisy"})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("未知级别应回落到 info, 实际 %s", logger.GetLevel())
	}

	logger = NewLogger(Config{Level: "DEBUG"})
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("级别解析应忽略大小写, 实际 %s", logger.GetLevel())
	}
}

func TestConsoleOutputSelection(t *testing.T) {
	if (Config{Format: "json"}).consoleOutput() {
		t.Fatal("json 格式不应走 console writer")
	}
	if !(Config{Format: "Console"}).consoleOutput() {
		t.Fatal("console 格式判断应忽略大小写")
	}
	if !(Config{PrettyPrint: true}).consoleOutput() {
		t.Fatal("pretty 开关应启用 console writer")
	}
}
