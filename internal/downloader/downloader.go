package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go-batch-download/internal/helpers"
	"go-batch-download/internal/models"
	"go-batch-download/internal/upstream"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	// ErrIntegrity means the downloaded bytes are wrong and retrying the same
	// transfer will not help.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrShortTransfer means the stream ended before the expected size.
	ErrShortTransfer = errors.New("transfer ended early")
	ErrFileSystem    = errors.New("filesystem error") // Covers create, remove, rename
)

// PartialDirName is the directory under the save path holding in-progress files.
const PartialDirName = ".partial"

// Opener starts a (possibly ranged) download stream.
type Opener interface {
	Open(ctx context.Context, rawURL string, offset int64) (*upstream.Body, error)
}

// Downloader writes job data to partial files under SaveDir and moves them
// into place once verified.
type Downloader struct {
	opener    Opener
	saveDir   string
	chunkSize int64
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(opener Opener, saveDir string, chunkSize int64) *Downloader {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	return &Downloader{opener: opener, saveDir: saveDir, chunkSize: chunkSize}
}

// PartialDir is where in-progress files live.
func (d *Downloader) PartialDir() string {
	return filepath.Join(d.saveDir, PartialDirName)
}

// PartialPath returns the partial file for a job.
func (d *Downloader) PartialPath(jobID string) string {
	return filepath.Join(d.PartialDir(), jobID+".part")
}

// Request describes one transfer attempt.
type Request struct {
	JobID string
	URL   string
	// Expected is the full file size, -1 when unknown.
	Expected int64
	// OnStart is called once the stream is open with the offset the attempt
	// starts from and whether earlier bytes were thrown away.
	OnStart func(offset int64, restarted bool)
	// OnProgress receives the total bytes on disk after every chunk.
	OnProgress func(total int64)
}

// Result is the outcome of a successful attempt.
type Result struct {
	Bytes     int64
	Total     int64
	Restarted bool
}

// Acknowledged returns the number of bytes already on disk for a job.
func (d *Downloader) Acknowledged(jobID string) int64 {
	info, err := os.Stat(d.PartialPath(jobID))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Transfer downloads into the job's partial file, resuming from the bytes
// already on disk when the upstream honours range requests.
func (d *Downloader) Transfer(ctx context.Context, req Request) (Result, error) {
	if !helpers.CheckAndMakeDir(d.PartialDir()) {
		return Result{}, fmt.Errorf("%w: failed to create directory %s", ErrFileSystem, d.PartialDir())
	}

	partial := d.PartialPath(req.JobID)
	offset := d.Acknowledged(req.JobID)
	if req.Expected >= 0 && offset > req.Expected {
		log.Warnf("Partial file %s is larger than expected (%d > %d), restarting", partial, offset, req.Expected)
		offset = 0
	}
	if req.Expected >= 0 && offset == req.Expected && offset > 0 {
		// Everything is already on disk from an earlier attempt.
		if req.OnStart != nil {
			req.OnStart(offset, false)
		}
		return Result{Bytes: offset, Total: req.Expected}, nil
	}

	body, err := d.opener.Open(ctx, req.URL, offset)
	if errors.Is(err, upstream.ErrRangeNotSupported) && offset > 0 {
		log.Debugf("Range request refused for %s, restarting from zero", req.URL)
		body, err = d.opener.Open(ctx, req.URL, 0)
	}
	if err != nil {
		return Result{}, err
	}
	defer body.Close()

	restarted := offset > 0 && body.Offset == 0
	offset = body.Offset
	total := req.Expected
	if total < 0 {
		total = body.Total
	}

	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return Result{}, fmt.Errorf("%w: opening %s: %v", ErrFileSystem, partial, err)
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return Result{}, fmt.Errorf("%w: truncating %s: %v", ErrFileSystem, partial, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("%w: seeking %s: %v", ErrFileSystem, partial, err)
	}

	if req.OnStart != nil {
		req.OnStart(offset, restarted)
	}

	counter := &helpers.CounterWriter{
		Ctx:    ctx,
		Total:  offset,
		Writer: f,
	}
	if req.OnProgress != nil {
		counter.OnWrite = func(int64) { req.OnProgress(counter.Total) }
	}

	// Read one byte past the expected size so an oversized body is noticed.
	var src io.Reader = body
	if total >= 0 {
		src = io.LimitReader(body, total-offset+1)
	}

	log.Debugf("Downloading %s to %s from offset %d (Size: %s)", req.URL, partial, offset, sizeString(total))
	_, copyErr := io.CopyBuffer(counter, src, make([]byte, d.chunkSize))
	if cause := context.Cause(ctx); cause != nil {
		return Result{}, cause
	}
	if copyErr != nil {
		return Result{}, fmt.Errorf("writing %s: %w", partial, copyErr)
	}
	if err := f.Sync(); err != nil {
		return Result{}, fmt.Errorf("%w: syncing %s: %v", ErrFileSystem, partial, err)
	}

	switch {
	case total >= 0 && counter.Total > total:
		return Result{}, fmt.Errorf("%w: received more than %d bytes", ErrIntegrity, total)
	case total >= 0 && counter.Total < total:
		return Result{}, fmt.Errorf("%w: %d of %d bytes", ErrShortTransfer, counter.Total, total)
	}
	if total < 0 {
		total = counter.Total
	}
	return Result{Bytes: counter.Total, Total: total, Restarted: restarted}, nil
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return helpers.BytesToSize(uint64(n))
}

// Finalize verifies a job's partial file and moves it to its final name in
// SaveDir. An existing file with the same name and matching checksum is
// reused; any other collision gets a numeric suffix.
func (d *Downloader) Finalize(jobID string, meta models.FileMetadata) (string, error) {
	partial := d.PartialPath(jobID)
	info, err := os.Stat(partial)
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %v", ErrFileSystem, partial, err)
	}
	if meta.Size >= 0 && info.Size() != meta.Size {
		return "", fmt.Errorf("%w: size %d, expected %d", ErrIntegrity, info.Size(), meta.Size)
	}

	if meta.Checksum != nil {
		ok, err := helpers.VerifyChecksum(partial, *meta.Checksum)
		switch {
		case errors.Is(err, helpers.ErrUnsupportedChecksum):
			log.Warnf("Skipping verification of %s: %v", partial, err)
		case err != nil:
			return "", fmt.Errorf("%w: %v", ErrFileSystem, err)
		case !ok:
			return "", fmt.Errorf("%w: %s checksum mismatch", ErrIntegrity, meta.Checksum.Algorithm)
		default:
			log.Debugf("Hash verified for %s.", partial)
		}
	}

	if !helpers.CheckAndMakeDir(d.saveDir) {
		return "", fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, d.saveDir)
	}
	target, reuse := d.targetPath(meta)
	if reuse {
		log.Infof("Found valid existing file %s, discarding duplicate download", target)
		d.Discard(jobID)
		return target, nil
	}
	if err := os.Rename(partial, target); err != nil {
		return "", fmt.Errorf("%w: renaming %s to %s: %v", ErrFileSystem, partial, target, err)
	}
	log.Infof("Successfully downloaded and verified %s", target)
	return target, nil
}

// targetPath picks the final path for meta. The boolean is true when an
// identical file is already there.
func (d *Downloader) targetPath(meta models.FileMetadata) (string, bool) {
	name := meta.Name
	if name == "" {
		name = "download"
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		full := filepath.Join(d.saveDir, candidate)
		if _, err := os.Stat(full); os.IsNotExist(err) {
			return full, false
		}
		if meta.Checksum != nil {
			if ok, err := helpers.VerifyChecksum(full, *meta.Checksum); err == nil && ok {
				return full, true
			}
		}
	}
}

// Discard removes a job's partial file. Missing files are not an error.
func (d *Downloader) Discard(jobID string) {
	partial := d.PartialPath(jobID)
	if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to remove partial file %s", partial)
	}
}
