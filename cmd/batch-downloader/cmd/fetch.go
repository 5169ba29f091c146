package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-batch-download/internal/helpers"
	"go-batch-download/internal/models"
	"go-batch-download/internal/service"
)

const localCaller = "local"

var (
	fetchFile     string
	fetchPriority string
	fetchNoIndex  bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [url...]",
	Short: "Download a batch of links from the command line",
	Long: `Submits the given links as one batch and shows live progress until every
job has finished. Links can also be read from a file, one per line.
Press Ctrl+C to stop; unfinished jobs resume on the next run.`,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVarP(&fetchFile, "file", "i", "", "Read links from a file (one per line, '-' for stdin)")
	fetchCmd.Flags().StringVar(&fetchPriority, "priority", "normal", "Job priority (low, normal, high)")
	fetchCmd.Flags().BoolVar(&fetchNoIndex, "no-index", false, "Do not record the batch in the search history index")
}

// readLocators reads one link per line, skipping blanks and # comments.
func readLocators(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

func runFetch(cmd *cobra.Command, args []string) error {
	locators := append([]string(nil), args...)
	if fetchFile != "" {
		var r io.Reader = os.Stdin
		if fetchFile != "-" {
			f, err := os.Open(fetchFile)
			if err != nil {
				return fmt.Errorf("error opening link file: %w", err)
			}
			defer f.Close()
			r = f
		}
		fromFile, err := readLocators(r)
		if err != nil {
			return fmt.Errorf("error reading link file: %w", err)
		}
		locators = append(locators, fromFile...)
	}
	if len(locators) == 0 {
		return fmt.Errorf("no links given; pass them as arguments or with --file")
	}
	priority, ok := models.ParsePriority(fetchPriority)
	if !ok {
		return fmt.Errorf("unknown priority %q", fetchPriority)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := startService(context.Background(), !fetchNoIndex)
	if err != nil {
		return err
	}
	defer cleanup()

	batch, err := svc.SubmitBatch(ctx, localCaller, locators, service.SubmitOptions{Priority: priority})
	if err != nil {
		return err
	}
	log.Infof("Submitted batch %s with %d jobs", batch.ID, len(batch.JobIDs))

	status, err := watchBatch(ctx, svc, batch)
	if err != nil {
		return err
	}
	printSummary(svc, batch, status)
	if status.Failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", status.Failed, status.Total)
	}
	return nil
}

// watchBatch renders live progress until the batch is done or ctx ends.
func watchBatch(ctx context.Context, svc *service.Service, batch models.Batch) (models.BatchStatus, error) {
	events, cancel, err := svc.Subscribe(batch.ID)
	if err != nil {
		return models.BatchStatus{}, err
	}
	defer cancel()

	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := svc.BatchStatus(batch.ID)
		if err != nil {
			return status, err
		}
		renderBatch(writer, svc, batch, status)
		if status.Done {
			return status, nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(writer.Bypass(), "Interrupted; unfinished downloads resume on the next run.")
			return status, nil
		case ev, ok := <-events:
			if !ok {
				return status, nil
			}
			if ev.Type == models.EventJobState && ev.State == models.StateFailed && ev.Job != nil {
				fmt.Fprintf(writer.Bypass(), "Failed: %s (%s)\n", ev.Job.Locator.Raw, ev.Job.LastErrorCode)
			}
		case <-ticker.C:
		}
	}
}

func renderBatch(w *uilive.Writer, svc *service.Service, batch models.Batch, status models.BatchStatus) {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s: %d/%d done, %s of %s, %s/s\n",
		batch.ID, status.Completed+status.Failed+status.Cancelled, status.Total,
		helpers.BytesToSize(uint64(status.BytesTransferred)),
		helpers.BytesToSize(uint64(status.BytesTotal)),
		helpers.BytesToSize(uint64(status.Speed)))
	for _, id := range batch.JobIDs {
		snap, err := svc.JobStatus(id)
		if err != nil {
			continue
		}
		name := snap.Locator.Raw
		if snap.Metadata != nil && snap.Metadata.Name != "" {
			name = snap.Metadata.Name
		}
		fmt.Fprintf(&b, "  %-40.40s %-12s %3d%%\n", name, snap.State, snap.Percent)
	}
	fmt.Fprint(w, b.String())
}

func printSummary(svc *service.Service, batch models.Batch, status models.BatchStatus) {
	fmt.Println("\n--- Fetch Summary ---")
	fmt.Printf("Completed: %d\n", status.Completed)
	fmt.Printf("Failed:    %d\n", status.Failed)
	fmt.Printf("Cancelled: %d\n", status.Cancelled)
	fmt.Printf("Pending:   %d\n", status.Queued+status.InProgress+status.Paused)
	fmt.Printf("Transferred: %s\n", helpers.BytesToSize(uint64(status.BytesTransferred)))
	for _, id := range batch.JobIDs {
		snap, err := svc.JobStatus(id)
		if err != nil {
			continue
		}
		switch snap.State {
		case models.StateCompleted:
			fmt.Printf("  OK    %s\n", snap.OutputPath)
		case models.StateFailed:
			fmt.Printf("  FAIL  %s: %s\n", snap.Locator.Raw, snap.LastError)
		}
	}
	fmt.Println("---------------------")
}
