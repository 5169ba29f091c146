package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-batch-download/internal/downloader"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files")
	cleanCmd.Flags().Bool("dry-run", false, "Only report what would be removed")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove orphaned partial files from the download directory",
	Long: `Removes partial (.part) files that no longer belong to a pending job, for
example after a batch was purged. Partial files of queued, paused or
interrupted jobs are kept so they can resume.
Optionally removes *.torrent and *-magnet.txt files under SavePath as well.`,
	RunE: runClean,
}

// pendingJobIDs returns the jobs whose partial files must be kept.
func pendingJobIDs() (map[string]bool, error) {
	db, err := openDatabase()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	_, jobs, err := db.LoadAll()
	if err != nil {
		return nil, err
	}
	pending := make(map[string]bool)
	for _, job := range jobs {
		if !job.State.IsTerminal() {
			pending[job.ID] = true
		}
	}
	return pending, nil
}

func runClean(cmd *cobra.Command, args []string) error {
	savePath := globalConfig.SavePath
	cleanTorrents, _ := cmd.Flags().GetBool("torrents")
	cleanMagnets, _ := cmd.Flags().GetBool("magnets")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	info, err := os.Stat(savePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("SavePath directory does not exist: %s", savePath)
	} else if err != nil {
		return fmt.Errorf("error accessing SavePath %q: %w", savePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("SavePath is not a directory: %s", savePath)
	}

	pending, err := pendingJobIDs()
	if err != nil {
		return err
	}
	partialDir := filepath.Join(savePath, downloader.PartialDirName)
	log.Infof("Scanning %s (%d pending jobs keep their partial files)...", savePath, len(pending))

	removed := map[string]int{}
	var filesFailed int
	remove := func(path, fileType string) {
		if dryRun {
			log.Infof("Would remove %s file: %s", fileType, path)
			removed[fileType]++
			return
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				log.Warnf("Attempted to remove %s file %q, but it was already gone.", fileType, path)
			} else {
				log.Errorf("Failed to remove %s file %q: %v", fileType, path, err)
				filesFailed++
			}
			return
		}
		log.Infof("Removed %s file: %s", fileType, path)
		removed[fileType]++
	}

	walkErr := filepath.Walk(savePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if info.IsDir() {
			// The history index and job database are never touched.
			if path == globalConfig.IndexPath || path == globalConfig.DatabasePath {
				return filepath.SkipDir
			}
			return nil
		}

		lowerName := strings.ToLower(info.Name())
		switch {
		case filepath.Dir(path) == partialDir && strings.HasSuffix(lowerName, ".part"):
			if !pending[strings.TrimSuffix(info.Name(), ".part")] {
				remove(path, ".part")
			}
		case cleanTorrents && strings.HasSuffix(lowerName, ".torrent"):
			remove(path, ".torrent")
		case cleanMagnets && strings.HasSuffix(lowerName, "-magnet.txt"):
			remove(path, "-magnet.txt")
		}
		return nil
	})
	if walkErr != nil {
		log.Errorf("Error during directory walk of %q: %v", savePath, walkErr)
	}

	var summaryParts []string
	for _, fileType := range []string{".part", ".torrent", "-magnet.txt"} {
		if n := removed[fileType]; n > 0 {
			summaryParts = append(summaryParts, fmt.Sprintf("%d %s file(s)", n, fileType))
		}
	}
	summary := "Clean complete. Removed: "
	if dryRun {
		summary = "Dry run complete. Would remove: "
	}
	if len(summaryParts) > 0 {
		summary += strings.Join(summaryParts, ", ")
	} else {
		summary += "0 files"
	}
	if filesFailed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d file(s).", filesFailed)
	}
	log.Info(summary)

	if filesFailed > 0 {
		return fmt.Errorf("failed to remove %d file(s)", filesFailed)
	}
	return walkErr
}
