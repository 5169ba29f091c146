// Package torrent publishes completed downloads as BitTorrent metainfo.
package torrent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
)

const pieceLength = 512 * 1024

var ErrSourceMissing = errors.New("torrent source does not exist")

// Options control torrent generation.
type Options struct {
	Trackers  []string
	OutputDir string // default: next to the source
	Overwrite bool
	// WriteMagnet also writes a <name>-magnet.txt file.
	WriteMagnet bool
}

// Result describes a generated torrent.
type Result struct {
	TorrentPath string
	MagnetURI   string
	Skipped     bool // an existing .torrent was kept
}

// Generate creates a .torrent file for sourcePath, which may be a single
// downloaded file or a directory.
func Generate(sourcePath string, opts Options) (Result, error) {
	stat, err := os.Stat(sourcePath)
	if os.IsNotExist(err) {
		return Result{}, fmt.Errorf("%w: %s", ErrSourceMissing, sourcePath)
	} else if err != nil {
		return Result{}, fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	}

	torrentFileName := stat.Name() + ".torrent"
	outDir := filepath.Dir(sourcePath)
	if stat.IsDir() {
		outDir = sourcePath
	}
	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			return Result{}, fmt.Errorf("error creating output directory %s: %w", opts.OutputDir, err)
		}
		outDir = opts.OutputDir
	}
	outPath := filepath.Join(outDir, torrentFileName)

	if _, err := os.Stat(outPath); err == nil {
		if !opts.Overwrite {
			log.WithField("path", outPath).Info("Skipping existing torrent file (use --overwrite to replace)")
			mi, err := metainfo.LoadFromFile(outPath)
			if err != nil {
				return Result{}, fmt.Errorf("error reading existing torrent %s: %w", outPath, err)
			}
			return Result{TorrentPath: outPath, MagnetURI: magnetURI(mi, stat.Name(), opts.Trackers), Skipped: true}, nil
		}
		log.WithField("path", outPath).Warn("Overwriting existing torrent file")
	}

	mi := &metainfo.MetaInfo{
		AnnounceList: make([][]string, len(opts.Trackers)),
		CreatedBy:    "go-batch-download",
	}
	for i, tracker := range opts.Trackers {
		mi.AnnounceList[i] = []string{tracker}
	}
	if len(opts.Trackers) > 0 {
		mi.Announce = opts.Trackers[0]
	}

	info := metainfo.Info{PieceLength: pieceLength}
	log.WithField("source", sourcePath).Debug("Building torrent info...")
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return Result{}, fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return Result{}, fmt.Errorf("error marshaling torrent info: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return Result{}, fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	defer f.Close()
	if err := mi.Write(f); err != nil {
		return Result{}, fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	log.WithField("path", outPath).Info("Successfully generated torrent file")

	res := Result{TorrentPath: outPath, MagnetURI: magnetURI(mi, stat.Name(), opts.Trackers)}
	if opts.WriteMagnet {
		magnetPath := filepath.Join(outDir, strings.TrimSuffix(torrentFileName, ".torrent")+"-magnet.txt")
		if err := os.WriteFile(magnetPath, []byte(res.MagnetURI), 0644); err != nil {
			// The torrent itself is fine; only the convenience file is missing.
			log.WithError(err).WithField("path", magnetPath).Error("Failed to write magnet link file")
		} else {
			log.WithField("path", magnetPath).Info("Successfully generated magnet link file")
		}
	}
	return res, nil
}

func magnetURI(mi *metainfo.MetaInfo, name string, trackers []string) string {
	parts := []string{
		"magnet:?xt=urn:btih:" + mi.HashInfoBytes().HexString(),
		"dn=" + url.QueryEscape(name),
	}
	for _, tracker := range trackers {
		parts = append(parts, "tr="+url.QueryEscape(tracker))
	}
	return strings.Join(parts, "&")
}
