package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSetupEmitsCollectorKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := setup(&buf, "staged", "test", false)
	logger.Info("sale opened", "stage", 0)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "severity", "message", "service"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing %q in %s", key, buf.String())
		}
	}
	if line["severity"] != "INFO" {
		t.Fatalf("severity = %v, want INFO", line["severity"])
	}
	if line["message"] != "sale opened" {
		t.Fatalf("message = %v", line["message"])
	}
	if line["service"] != "staged" || line["env"] != "test" {
		t.Fatalf("service/env attrs wrong: %s", buf.String())
	}
}

func TestBlankEnvironmentOmitted(t *testing.T) {
	var buf bytes.Buffer
	logger := setup(&buf, "staged", "  ", false)
	logger.Info("boot")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if _, ok := line["env"]; ok {
		t.Fatalf("blank env should be omitted: %s", buf.String())
	}
}
