package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/neutra-labs/neutra-go/internal/domain"
	"github.com/neutra-labs/neutra-go/internal/platform/env"
	"github.com/neutra-labs/neutra-go/internal/simrunner"
)

type worker struct {
	logger   *slog.Logger
	client   *Client
	runner   *simrunner.Runner
	poll     time.Duration
	scavenge bool
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinatorURL := env.String("NEUTRA_COORDINATOR_URL", "http://localhost:8080")
	workerSecret := env.String("NEUTRA_AUTH_WORKER_SECRET", "")
	workerID := strings.TrimSpace(env.String("NEUTRA_WORKER_ID", ""))
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	pollInterval, err := env.Duration("NEUTRA_WORKER_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	scavenge, err := env.Bool("NEUTRA_WORKER_SCAVENGE", true)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	simBin := env.String("NEUTRA_SIM_BIN", "neutra-sim")
	workDir := env.String("NEUTRA_WORKER_WORK_DIR", filepath.Join(os.TempDir(), "neutra-worker"))

	client, err := NewClient(coordinatorURL, workerSecret, workerID)
	if err != nil {
		logger.Error("invalid worker config", "error", err)
		os.Exit(2)
	}
	runner, err := simrunner.New(simBin, workDir)
	if err != nil {
		logger.Error("simulator unavailable", "error", err)
		os.Exit(2)
	}

	w := &worker{
		logger:   logger.With("worker_id", workerID),
		client:   client,
		runner:   runner,
		poll:     pollInterval,
		scavenge: scavenge,
	}
	w.logger.Info("worker starting", "coordinator", coordinatorURL, "sim_bin", simBin)
	w.run(ctx)
	w.logger.Info("worker stopped")
}

// run is the claim loop: fresh queued work first, then expired leases
// left behind by crashed workers.
func (w *worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		claim, err := w.client.ClaimNext(ctx, "", "")
		if err == nil && claim == nil && w.scavenge {
			claim, err = w.client.ClaimNext(ctx, string(domain.RunStatusRunning), "")
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "error", err)
		}
		if claim == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.poll):
			}
			continue
		}

		w.process(ctx, claim)
	}
}

// process executes one claimed run end to end, renewing the lease in
// the background for as long as the work is in flight.
func (w *worker) process(ctx context.Context, claim *ClaimedRun) {
	runID := claim.Run.RunID
	logger := w.logger.With("run_id", runID)
	logger.Info("run claimed", "spec_hash", claim.Run.SpecHash, "phase", claim.Run.Phase)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseLost := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renewLoop(runCtx, runID, claim.LeaseExpiresAt, func() {
			close(leaseLost)
			cancel()
		})
	}()

	err := w.pipeline(runCtx, claim, logger)
	cancel()
	<-renewDone

	select {
	case <-leaseLost:
		// Someone else owns the run now; anything we report would be
		// rejected anyway.
		logger.Warn("lease lost, abandoning run")
		_ = w.runner.Cleanup(runID)
		return
	default:
	}

	if ctx.Err() != nil {
		// Shutdown mid-run: leave the run leased, the lease will
		// expire and another worker will scavenge it.
		logger.Info("shutdown during run, leaving for scavenge")
		return
	}

	if err != nil {
		logger.Error("run failed", "error", err)
		runErr := &domain.RunError{Type: "execution_error", Message: err.Error()}
		if releaseErr := w.client.Release(ctx, runID, string(domain.RunStatusFailed), "", runErr); releaseErr != nil {
			logger.Error("release failed", "error", releaseErr)
		}
	} else {
		logger.Info("run succeeded")
		if releaseErr := w.client.Release(ctx, runID, string(domain.RunStatusSucceeded), string(domain.RunPhaseDone), nil); releaseErr != nil {
			logger.Error("release failed", "error", releaseErr)
		}
	}
	_ = w.runner.Cleanup(runID)
}

// renewLoop keeps the lease alive at a third of its window. onLost
// fires once if the coordinator reports the lease gone.
func (w *worker) renewLoop(ctx context.Context, runID string, leaseExpiresAt time.Time, onLost func()) {
	interval := time.Until(leaseExpiresAt) / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.client.Renew(ctx, runID); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, ErrLeaseLost) {
					onLost()
					return
				}
				// Transient coordinator trouble; the lease window
				// gives us slack to retry on the next tick.
				w.logger.Warn("lease renew failed", "run_id", runID, "error", err)
			}
		}
	}
}

// pipeline is the phase machine: bundle the input deck, execute the
// simulator with live batch progress, extract the summary, and ship
// the artifacts.
func (w *worker) pipeline(ctx context.Context, claim *ClaimedRun, logger *slog.Logger) error {
	runID := claim.Run.RunID

	runDir, err := w.runner.Bundle(runID, []byte(claim.CanonicalSpec))
	if err != nil {
		return fmt.Errorf("bundle: %w", err)
	}

	archivePath, err := createBundleArchive(runDir)
	if err != nil {
		return fmt.Errorf("bundle archive: %w", err)
	}
	defer func() { _ = os.Remove(archivePath) }()

	grants, err := w.client.RequestArtifacts(ctx, runID, []string{"bundle"})
	if err != nil {
		return fmt.Errorf("request bundle slot: %w", err)
	}
	if grant, ok := grants["bundle"]; ok {
		if err := w.client.UploadFile(ctx, grant.PutURL, archivePath, "application/gzip"); err != nil {
			return fmt.Errorf("upload bundle: %w", err)
		}
	}

	if err := w.advance(ctx, runID, domain.RunPhaseExecute); err != nil {
		return err
	}

	execErr := w.runner.Execute(ctx, runDir, func(progress simrunner.BatchProgress) {
		payload := map[string]any{
			"batch":    progress.Batch,
			"k_eff":    progress.KEff,
			"elapsed":  progress.Elapsed,
			"log_line": progress.LogLine,
		}
		if err := w.client.RecordProgress(ctx, runID, domain.EventTypeBatchCompleted, payload); err != nil && ctx.Err() == nil {
			logger.Warn("progress report failed", "batch", progress.Batch, "error", err)
		}
	})
	if execErr != nil {
		return fmt.Errorf("execute: %w", execErr)
	}

	if err := w.advance(ctx, runID, domain.RunPhaseExtract); err != nil {
		return err
	}

	summary, err := w.runner.Extract(runDir, runID)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if err := w.client.WriteSummary(ctx, summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	grants, err = w.client.RequestArtifacts(ctx, runID, []string{"result"})
	if err != nil {
		return fmt.Errorf("request result slot: %w", err)
	}
	if grant, ok := grants["result"]; ok {
		resultPath := filepath.Join(runDir, "result.json")
		if err := w.client.UploadFile(ctx, grant.PutURL, resultPath, "application/json"); err != nil {
			return fmt.Errorf("upload result: %w", err)
		}
	}

	return w.advance(ctx, runID, domain.RunPhaseDone)
}

// advance reports the phase transition, tolerating the coordinator
// already being at or past it after a scavenged restart.
func (w *worker) advance(ctx context.Context, runID string, phase domain.RunPhase) error {
	err := w.client.AdvancePhase(ctx, runID, string(phase))
	if err != nil && !errors.Is(err, ErrPhaseConflict) {
		return fmt.Errorf("advance to %s: %w", phase, err)
	}
	return nil
}
