package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"go-batch-download/internal/helpers"
	"go-batch-download/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// dbCmd represents the base command for database operations
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the job database",
	Long:  `Perform operations like viewing, verifying, or purging job and batch records.`,
}

var dbViewCmd = &cobra.Command{
	Use:   "view",
	Short: "List stored jobs",
	Long:  `Lists every job recorded in the database, oldest first.`,
	RunE:  runDbView,
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify completed downloads against the filesystem",
	Long: `Checks that the files of completed jobs exist at their recorded paths and,
when the provider supplied a checksum, that their content still matches.`,
	RunE: runDbVerify,
}

var dbPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished batches from the database",
	Long: `Deletes batches whose jobs have all reached a final state and finished
before the retention window. Downloaded files are left in place.`,
	RunE: runDbPurge,
}

var (
	dbVerifyCheckHash bool
	dbPurgeOlderThan  time.Duration
	dbPurgeAll        bool
)

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbViewCmd)
	dbCmd.AddCommand(dbVerifyCmd)
	dbCmd.AddCommand(dbPurgeCmd)

	dbVerifyCmd.Flags().BoolVar(&dbVerifyCheckHash, "check-hash", true, "Perform hash check for existing files")
	dbPurgeCmd.Flags().DurationVar(&dbPurgeOlderThan, "older-than", 0, "Only purge batches finished longer ago than this (default: configured RetentionHours)")
	dbPurgeCmd.Flags().BoolVar(&dbPurgeAll, "all", false, "Purge every finished batch regardless of age")
}

func runDbView(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	batches, jobs, err := db.LoadAll()
	if err != nil {
		return err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Job ID\tBatch\tCaller\tName\tState\tProgress\tRetries\tError\tCreated")
	fmt.Fprintln(tw, "------\t-----\t------\t----\t-----\t--------\t-------\t-----\t-------")
	for _, job := range jobs {
		name := job.Locator.Raw
		if job.Metadata != nil && job.Metadata.Name != "" {
			name = job.Metadata.Name
		}
		progress := helpers.BytesToSize(uint64(job.BytesTransferred))
		if job.TotalBytes > 0 {
			progress += " / " + helpers.BytesToSize(uint64(job.TotalBytes))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			job.ID,
			job.BatchID,
			job.CallerID,
			name,
			job.State,
			progress,
			job.RetryCount,
			job.LastErrorCode,
			job.CreatedAt.Local().Format(time.DateTime),
		)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for db view")
	}
	log.Infof("Displayed %d jobs in %d batches.", len(jobs), len(batches))
	return nil
}

func runDbVerify(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	_, jobs, err := db.LoadAll()
	if err != nil {
		return err
	}

	var checked, missing, mismatched int
	for _, job := range jobs {
		if job.State != models.StateCompleted || job.OutputPath == "" {
			continue
		}
		checked++
		logger := log.WithFields(log.Fields{"job": job.ID, "path": job.OutputPath})
		if _, err := os.Stat(job.OutputPath); err != nil {
			logger.Warn("File missing")
			missing++
			continue
		}
		if !dbVerifyCheckHash || job.Metadata == nil || job.Metadata.Checksum == nil {
			continue
		}
		ok, err := helpers.VerifyChecksum(job.OutputPath, *job.Metadata.Checksum)
		if err != nil {
			logger.WithError(err).Warn("Could not hash file")
			mismatched++
			continue
		}
		if !ok {
			logger.Warnf("%s checksum mismatch", job.Metadata.Checksum.Algorithm)
			mismatched++
		}
	}

	fmt.Println("\n--- Verify Summary ---")
	fmt.Printf("Completed jobs checked: %d\n", checked)
	fmt.Printf("Missing files:          %d\n", missing)
	fmt.Printf("Checksum mismatches:    %d\n", mismatched)
	fmt.Println("----------------------")
	if missing+mismatched > 0 {
		return fmt.Errorf("%d of %d files failed verification", missing+mismatched, checked)
	}
	return nil
}

func runDbPurge(cmd *cobra.Command, args []string) error {
	olderThan := dbPurgeOlderThan
	if olderThan == 0 {
		olderThan = time.Duration(globalConfig.RetentionHours) * time.Hour
	}
	if dbPurgeAll {
		olderThan = 0
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	batches, jobs, err := db.LoadAll()
	if err != nil {
		return err
	}
	byID := make(map[string]models.Job, len(jobs))
	for _, job := range jobs {
		byID[job.ID] = job
	}

	purged := 0
	for _, batch := range batches {
		finished, ok := batchFinishedAt(batch, byID)
		if !ok || finished.After(cutoff) {
			continue
		}
		if err := db.DeleteBatch(batch); err != nil {
			log.WithError(err).WithField("batch", batch.ID).Error("Failed to purge batch")
			continue
		}
		purged++
	}
	log.Infof("Purged %d of %d batches.", purged, len(batches))
	if purged > 0 {
		return db.Compact()
	}
	return nil
}

// batchFinishedAt returns when the last job of a batch finished, and false
// while any job is still pending.
func batchFinishedAt(batch models.Batch, jobs map[string]models.Job) (time.Time, bool) {
	var latest time.Time
	for _, id := range batch.JobIDs {
		job, ok := jobs[id]
		if !ok {
			continue
		}
		if !job.State.IsTerminal() {
			return time.Time{}, false
		}
		if job.FinishedAt.After(latest) {
			latest = job.FinishedAt
		}
	}
	return latest, true
}
