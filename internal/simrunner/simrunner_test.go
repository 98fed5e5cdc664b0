package simrunner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseBatchLine(t *testing.T) {
	progress, ok := parseBatchLine("batch 17/100 k_eff=1.18232 t=4.21")
	if !ok {
		t.Fatalf("expected batch line to parse")
	}
	if progress.Batch != 17 || progress.KEff != 1.18232 || progress.Elapsed != 4.21 {
		t.Fatalf("parsed %+v", progress)
	}

	if _, ok := parseBatchLine("reading cross sections"); ok {
		t.Fatalf("non-batch line parsed")
	}
	if _, ok := parseBatchLine("batch zero/100"); ok {
		t.Fatalf("garbage counter parsed")
	}
	if _, ok := parseBatchLine(""); ok {
		t.Fatalf("empty line parsed")
	}

	// Counter without total is still a batch line.
	progress, ok = parseBatchLine("batch 3")
	if !ok || progress.Batch != 3 {
		t.Fatalf("bare counter: ok=%v %+v", ok, progress)
	}
}

func TestBundleAndExtract(t *testing.T) {
	runner := &Runner{simBin: "sim", workDir: t.TempDir()}

	dir, err := runner.Bundle("run-1", []byte(`{"batches":100,"particles":10000}`))
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "spec.json")); err != nil {
		t.Fatalf("input deck missing: %v", err)
	}

	result := `{"k_eff_mean":1.18232,"k_eff_std":0.00121,"batches":100,"inactive":20,"particles":10000}`
	if err := os.WriteFile(filepath.Join(dir, "result.json"), []byte(result), 0o644); err != nil {
		t.Fatalf("write result: %v", err)
	}

	summary, err := runner.Extract(dir, "run-1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if summary.RunID != "run-1" || summary.KEffMean != 1.18232 || summary.Batches != 100 {
		t.Fatalf("summary %+v", summary)
	}

	if err := runner.Cleanup("run-1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("run dir survived cleanup")
	}
}

func TestExtractRejectsInvalidResult(t *testing.T) {
	runner := &Runner{simBin: "sim", workDir: t.TempDir()}
	dir, err := runner.Bundle("run-2", []byte(`{}`))
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}

	if _, err := runner.Extract(dir, "run-2"); err == nil {
		t.Fatalf("expected error for missing result file")
	}

	if err := os.WriteFile(filepath.Join(dir, "result.json"), []byte(`{"batches":0}`), 0o644); err != nil {
		t.Fatalf("write result: %v", err)
	}
	if _, err := runner.Extract(dir, "run-2"); err == nil {
		t.Fatalf("expected validation error for zero batches")
	}
}
