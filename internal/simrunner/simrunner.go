// Package simrunner drives the external transport-simulation binary
// for one claimed run: materialize the input deck, execute, watch batch
// progress on stdout, and parse the extracted result.
package simrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/neutra-labs/neutra-go/internal/domain"
)

// BatchProgress is one completed batch reported by the simulator.
type BatchProgress struct {
	Batch   int64
	KEff    float64
	Elapsed float64
	LogLine string
}

type ProgressFunc func(BatchProgress)

type Runner struct {
	simBin  string
	workDir string
}

func New(simBin, workDir string) (*Runner, error) {
	simBin = strings.TrimSpace(simBin)
	if simBin == "" {
		return nil, errors.New("simulator binary is required")
	}
	if _, err := exec.LookPath(simBin); err != nil {
		return nil, fmt.Errorf("simulator binary not found: %w", err)
	}
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Runner{simBin: simBin, workDir: workDir}, nil
}

// Bundle writes the canonical spec as the simulator's input deck and
// returns the run's working directory.
func (r *Runner) Bundle(runID string, canonicalSpec []byte) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", errors.New("run id is required")
	}
	dir := filepath.Join(r.workDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "spec.json"), canonicalSpec, 0o644); err != nil {
		return "", fmt.Errorf("write input deck: %w", err)
	}
	return dir, nil
}

// Execute runs the simulator and reports batch completions as they
// appear on stdout. Cancellation of ctx kills the process.
func (r *Runner) Execute(ctx context.Context, runDir string, onProgress ProgressFunc) error {
	cmd := exec.CommandContext(ctx, r.simBin, "--input", filepath.Join(runDir, "spec.json"), "--output", filepath.Join(runDir, "result.json"))
	cmd.Dir = runDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start simulator: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if progress, ok := parseBatchLine(line); ok && onProgress != nil {
			onProgress(progress)
		}
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("read simulator output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("simulator exited: %w", err)
	}
	return nil
}

// resultFile is the simulator's extracted-result schema.
type resultFile struct {
	KEffMean  float64 `json:"k_eff_mean"`
	KEffStd   float64 `json:"k_eff_std"`
	Batches   int64   `json:"batches"`
	Inactive  int64   `json:"inactive"`
	Particles int64   `json:"particles"`
}

// Extract parses the simulator's result file into a summary for the
// given run.
func (r *Runner) Extract(runDir, runID string) (domain.Summary, error) {
	raw, err := os.ReadFile(filepath.Join(runDir, "result.json"))
	if err != nil {
		return domain.Summary{}, fmt.Errorf("read result: %w", err)
	}
	var parsed resultFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Summary{}, fmt.Errorf("parse result: %w", err)
	}
	summary := domain.Summary{
		RunID:     runID,
		KEffMean:  parsed.KEffMean,
		KEffStd:   parsed.KEffStd,
		Batches:   parsed.Batches,
		Inactive:  parsed.Inactive,
		Particles: parsed.Particles,
	}
	if err := summary.Validate(); err != nil {
		return domain.Summary{}, fmt.Errorf("invalid result: %w", err)
	}
	return summary, nil
}

// Cleanup removes a run's working directory.
func (r *Runner) Cleanup(runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	return os.RemoveAll(filepath.Join(r.workDir, runID))
}

// parseBatchLine recognizes the simulator's progress lines, e.g.
// "batch 17/100 k_eff=1.18232 t=4.21". Anything else is ignored.
func parseBatchLine(line string) (BatchProgress, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 || fields[0] != "batch" {
		return BatchProgress{}, false
	}
	counter, _, _ := strings.Cut(fields[1], "/")
	batch, err := strconv.ParseInt(counter, 10, 64)
	if err != nil || batch <= 0 {
		return BatchProgress{}, false
	}

	progress := BatchProgress{Batch: batch, LogLine: strings.TrimSpace(line)}
	for _, field := range fields[2:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		switch key {
		case "k_eff":
			progress.KEff = parsed
		case "t":
			progress.Elapsed = parsed
		}
	}
	return progress, true
}
