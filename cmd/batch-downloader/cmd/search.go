package cmd

import (
	"errors"
	"fmt"
	"strings"

	"go-batch-download/index"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	searchLimit   int
	searchRebuild bool
)

var searchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search the download history index",
	Long: `Runs a query-string search against the history index. Fields can be
targeted by name, for example '+state:failed', '+callerId:alice' or
'+name:report'.

With --rebuild the index is first recreated from the job database, keeping
torrent paths and magnet links recorded by the torrent command.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if searchRebuild {
			return nil
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of hits to print")
	searchCmd.Flags().BoolVar(&searchRebuild, "rebuild", false, "Recreate the index from the job database before searching")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	indexPath := globalConfig.IndexPath

	if searchRebuild {
		if err := rebuildIndex(indexPath); err != nil {
			return err
		}
		if query == "" {
			return nil
		}
	}

	log.Infof("Opening Bleve index at: %s", indexPath)
	// Open rather than create; searching must not leave an empty index behind.
	bleveIndex, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return fmt.Errorf("history index not found at %s; run 'serve' or 'fetch' first", indexPath)
	} else if err != nil {
		return fmt.Errorf("failed to open history index at %s: %w", indexPath, err)
	}
	defer func() {
		if err := bleveIndex.Close(); err != nil {
			log.Errorf("Error closing Bleve index: %v", err)
		}
	}()

	searchResults, err := index.SearchIndex(bleveIndex, query, searchLimit)
	if err != nil {
		return fmt.Errorf("error performing search: %w", err)
	}

	log.Infof("Search finished. Hits: %d, Total: %d, Took: %s",
		len(searchResults.Hits),
		searchResults.Total,
		searchResults.Took)

	if searchResults.Total == 0 {
		fmt.Println("No results found matching your query.")
		return nil
	}
	fmt.Println("--- Search Results ---")
	for i, hit := range searchResults.Hits {
		fmt.Printf("[%d] %s (Score: %.2f)\n", i+1, hit.ID, hit.Score)
		for _, field := range []string{"name", "state", "callerId", "batchId", "filePath", "errorCode", "magnetLink"} {
			if value, ok := hit.Fields[field]; ok && value != "" {
				fmt.Printf("  %s: %v\n", field, value)
			}
		}
		fmt.Println("---")
	}
	return nil
}

// rebuildIndex recreates the history index from the job database.
func rebuildIndex(indexPath string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	_, jobs, err := db.LoadAll()
	if err != nil {
		return err
	}

	published := make(map[string]index.Item)
	if old, err := bleve.Open(indexPath); err == nil {
		published = publishedTorrents(old)
		if err := old.Close(); err != nil {
			log.WithError(err).Warn("Error closing old history index")
		}
	}
	if err := index.DeleteIndex(indexPath); err != nil {
		return fmt.Errorf("failed to remove history index at %s: %w", indexPath, err)
	}

	bleveIndex, err := index.OpenOrCreateIndex(indexPath)
	if err != nil {
		return fmt.Errorf("failed to create history index at %s: %w", indexPath, err)
	}
	defer func() {
		if err := bleveIndex.Close(); err != nil {
			log.Errorf("Error closing Bleve index: %v", err)
		}
	}()

	batch := bleveIndex.NewBatch()
	for _, job := range jobs {
		item := index.ItemFromJob(job)
		if prev, ok := published[job.ID]; ok {
			item.TorrentPath, item.MagnetLink = prev.TorrentPath, prev.MagnetLink
		}
		if err := batch.Index(item.ID, item); err != nil {
			return fmt.Errorf("failed to index job %s: %w", job.ID, err)
		}
	}
	if err := bleveIndex.Batch(batch); err != nil {
		return fmt.Errorf("failed to write history index: %w", err)
	}
	log.Infof("Rebuilt history index with %d jobs (%d with torrents)", len(jobs), len(published))
	return nil
}

// publishedTorrents returns the torrent fields of every indexed job that has them.
func publishedTorrents(idx bleve.Index) map[string]index.Item {
	out := make(map[string]index.Item)
	count, err := idx.DocCount()
	if err != nil || count == 0 {
		return out
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(count), 0, false)
	req.Fields = []string{"torrentPath", "magnetLink"}
	res, err := idx.Search(req)
	if err != nil {
		log.WithError(err).Warn("Could not read torrent fields from the old index")
		return out
	}
	for _, hit := range res.Hits {
		torrentPath, _ := hit.Fields["torrentPath"].(string)
		magnet, _ := hit.Fields["magnetLink"].(string)
		if torrentPath != "" || magnet != "" {
			out[hit.ID] = index.Item{TorrentPath: torrentPath, MagnetLink: magnet}
		}
	}
	return out
}
