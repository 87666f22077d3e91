package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestWithExchange(t *testing.T) {
	entry := Logger().WithExchange("subscriber", "ibkr")
	if entry.Entry.Data["component"] != "subscriber" || entry.Entry.Data["exchange"] != "ibkr" {
		t.Fatalf("unexpected fields: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "subflow.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"hello"`)) {
		t.Fatalf("log line missing: %s", data)
	}
}

func TestJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.WithComponent("subscriber").WithField("exchange", "okx").Info("subscribed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "exchange"} {
		if _, ok := line[key]; !ok {
			t.Errorf("missing key %q in %v", key, line)
		}
	}
}

func TestRecordChannelMessage(t *testing.T) {
	RecordChannelMessage("test_channel", 10)
	RecordChannelMessage("test_channel", 5)

	stats := channelSnapshot()["test_channel"]
	if stats["messages"] != 2 || stats["bytes"] != 15 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestToFloat64(t *testing.T) {
	if v, ok := toFloat64(int64(3)); !ok || v != 3 {
		t.Fatalf("int64: %v %v", v, ok)
	}
	if _, ok := toFloat64("x"); ok {
		t.Fatalf("string should not convert")
	}
}
