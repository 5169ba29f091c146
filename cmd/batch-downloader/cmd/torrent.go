package cmd

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-batch-download/index"
	"go-batch-download/internal/models"
	"go-batch-download/internal/torrent"
)

// torrentWorker generates torrents for completed jobs and records the
// result in the history index.
func torrentWorker(id int, jobs <-chan models.Job, opts torrent.Options, bleveIndex bleve.Index, wg *sync.WaitGroup, successCounter, failureCounter *atomic.Int64) {
	defer wg.Done()
	log.Debugf("Torrent Worker %d starting", id)
	for job := range jobs {
		logger := log.WithFields(log.Fields{"worker": id, "job": job.ID, "path": job.OutputPath})
		res, err := torrent.Generate(job.OutputPath, opts)
		if err != nil {
			logger.WithError(err).Error("Failed to generate torrent")
			failureCounter.Add(1)
			continue
		}
		successCounter.Add(1)

		if bleveIndex == nil {
			continue
		}
		item := index.ItemFromJob(job)
		item.TorrentPath = res.TorrentPath
		item.MagnetLink = res.MagnetURI
		if err := index.IndexItem(bleveIndex, item); err != nil {
			logger.WithError(err).Warn("Failed to record torrent in history index")
		}
	}
	log.Debugf("Torrent Worker %d finished", id)
}

var (
	announceURLs        []string
	torrentJobIDs       []string
	torrentOutputDir    string
	overwriteTorrents   bool
	generateMagnetLinks bool
	torrentConcurrency  int
)

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for completed downloads",
	Long: `Generates BitTorrent metainfo (.torrent) files for jobs that completed
successfully. Reads the job database and the downloaded files themselves.
You must specify tracker announce URLs.`,
	RunE: runTorrent,
}

func init() {
	rootCmd.AddCommand(torrentCmd)
	torrentCmd.Flags().StringSliceVar(&announceURLs, "announce", nil, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().StringSliceVar(&torrentJobIDs, "job-ids", nil, "Only generate torrents for these job IDs")
	torrentCmd.Flags().StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory to save generated .torrent files (default: next to each file)")
	torrentCmd.Flags().BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().BoolVar(&generateMagnetLinks, "magnet-links", false, "Also write a <name>-magnet.txt file next to each torrent")
	torrentCmd.Flags().IntVarP(&torrentConcurrency, "concurrency", "c", 4, "Number of concurrent torrent generation workers")
}

func runTorrent(cmd *cobra.Command, args []string) error {
	if len(announceURLs) == 0 {
		return errors.New("at least one --announce URL is required")
	}
	concurrency := torrentConcurrency
	if concurrency <= 0 {
		log.Warnf("Invalid concurrency value %d, defaulting to 4", concurrency)
		concurrency = 4
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	_, jobs, err := db.LoadAll()
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(torrentJobIDs))
	for _, id := range torrentJobIDs {
		wanted[id] = true
	}
	var selected []models.Job
	for _, job := range jobs {
		if job.State != models.StateCompleted || job.OutputPath == "" {
			continue
		}
		if len(wanted) > 0 && !wanted[job.ID] {
			continue
		}
		selected = append(selected, job)
	}
	if len(selected) == 0 {
		log.Info("No completed downloads to generate torrents for.")
		return nil
	}

	bleveIndex, err := index.OpenOrCreateIndex(globalConfig.IndexPath)
	if err != nil {
		log.WithError(err).Warn("Failed to open history index, torrents will not be recorded")
		bleveIndex = nil
	} else {
		defer bleveIndex.Close()
	}

	opts := torrent.Options{
		Trackers:    announceURLs,
		OutputDir:   torrentOutputDir,
		Overwrite:   overwriteTorrents,
		WriteMagnet: generateMagnetLinks,
	}

	var wg sync.WaitGroup
	var successCounter, failureCounter atomic.Int64
	queue := make(chan models.Job, concurrency)
	log.Infof("Starting %d torrent generation workers for %d files", concurrency, len(selected))
	for i := 1; i <= concurrency; i++ {
		wg.Add(1)
		go torrentWorker(i, queue, opts, bleveIndex, &wg, &successCounter, &failureCounter)
	}
	for _, job := range selected {
		queue <- job
	}
	close(queue)
	wg.Wait()

	fmt.Println("\n--- Torrent Summary ---")
	fmt.Printf("Generated: %d\n", successCounter.Load())
	fmt.Printf("Failed:    %d\n", failureCounter.Load())
	fmt.Println("-----------------------")
	if n := failureCounter.Load(); n > 0 {
		return fmt.Errorf("%d torrents failed", n)
	}
	return nil
}
