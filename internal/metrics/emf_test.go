package metrics

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestNew_AutoDimension(t *testing.T) {
	// Set Lambda function name env var
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "TestFunction")
	initOnce.Do(func() {}) // Reset once
	functionName = "TestFunction"

	r := New(Namespace)
	if r.namespace != Namespace {
		t.Errorf("expected namespace %s, got %s", Namespace, r.namespace)
	}
	if r.dimensions["FunctionName"] != "TestFunction" {
		t.Errorf("expected FunctionName dimension TestFunction, got %s", r.dimensions["FunctionName"])
	}
}

func TestRecorder_FlushOutput(t *testing.T) {
	// Capture stdout
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	functionName = "" // Clear for test isolation

	rec := New(Namespace)
	rec.Dimension("Pipeline", "classification")
	rec.Metric("BatchLatencyMs", 1234.5, UnitMilliseconds)
	rec.Metric("RecordsTotal", 5, UnitCount)
	rec.Property("batchId", "batch-1")
	rec.Flush()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	// Parse the JSON output
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, output)
	}

	// Check _aws directive exists
	awsDir, ok := doc["_aws"]
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	awsMap, ok := awsDir.(map[string]interface{})
	if !ok {
		t.Fatal("_aws directive is not a map")
	}
	cwMetrics, ok := awsMap["CloudWatchMetrics"].([]interface{})
	if !ok || len(cwMetrics) != 1 {
		t.Fatal("expected one CloudWatchMetrics entry")
	}
	entry := cwMetrics[0].(map[string]interface{})
	if entry["Namespace"] != Namespace {
		t.Errorf("expected namespace %s, got %v", Namespace, entry["Namespace"])
	}

	// Metric values are top-level fields
	if doc["BatchLatencyMs"] != 1234.5 {
		t.Errorf("expected BatchLatencyMs 1234.5, got %v", doc["BatchLatencyMs"])
	}
	if doc["Pipeline"] != "classification" {
		t.Errorf("expected Pipeline dimension, got %v", doc["Pipeline"])
	}
	if doc["batchId"] != "batch-1" {
		t.Errorf("expected batchId property, got %v", doc["batchId"])
	}
}

func TestRecorder_NoMetricsNoOutput(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	rec := New(Namespace)
	rec.Property("batchId", "batch-1")
	rec.Flush()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	if buf.Len() != 0 {
		t.Errorf("expected no output without metrics, got %q", buf.String())
	}
}
