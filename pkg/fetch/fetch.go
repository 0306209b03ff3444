package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/shelfhand/shelfhand/pkg/faults"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/metrics"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// Config tunes the HTTP downloader
type Config struct {
	Timeout   time.Duration
	UserAgent string
	// RateLimit caps transfer speed in bytes per second; zero disables it
	RateLimit int
}

// HTTPDownloader fetches candidate files over HTTP into a destination
// directory. It implements types.Downloader.
type HTTPDownloader struct {
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// burst window for the byte-rate limiter
const limiterBurst = 64 * 1024

// NewHTTPDownloader creates a downloader
func NewHTTPDownloader(cfg Config) *HTTPDownloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "shelfhand/1.0"
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), limiterBurst)
	}
	return &HTTPDownloader{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		limiter:   limiter,
		logger:    log.WithComponent("fetch"),
	}
}

// Download transfers the candidate file into destDir. The file lands under
// a temporary name and is renamed only after the body is fully written, so
// a crashed transfer never leaves a plausible-looking partial file.
func (d *HTTPDownloader) Download(ctx context.Context, c types.Candidate, destDir string) (string, int64, error) {
	if c.DownloadURL == "" {
		return "", 0, &faults.ProcessingError{Kind: faults.KindDataMissing, Message: "candidate has no download URL"}
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", 0, classifyFileErr(fmt.Errorf("failed to create download dir: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DownloadURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return "", 0, &faults.NetworkError{Op: "download", Cause: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", 0, err
	}

	name := filenameFor(resp, c)
	dest := filepath.Join(destDir, name)

	tmp, err := os.CreateTemp(destDir, ".shelfhand-*")
	if err != nil {
		return "", 0, classifyFileErr(fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpName := tmp.Name()

	var body io.Reader = resp.Body
	if d.limiter != nil {
		body = &limitedReader{r: resp.Body, limiter: d.limiter, ctx: ctx}
	}

	written, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, classifyFileErr(fmt.Errorf("failed to write %s: %w", name, err))
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		_ = os.Remove(tmpName)
		return "", 0, &faults.NetworkError{
			Op:    "download",
			Cause: fmt.Errorf("truncated body: got %d of %d bytes", written, resp.ContentLength),
		}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", 0, classifyFileErr(fmt.Errorf("failed to move %s into place: %w", name, err))
	}

	metrics.DownloadBytes.Add(float64(written))
	elapsed := time.Since(start)
	d.logger.Info().
		Str("file", name).
		Str("size", humanize.Bytes(uint64(written))).
		Str("rate", humanize.Bytes(uint64(float64(written)/elapsed.Seconds()))+"/s").
		Dur("elapsed", elapsed).
		Msg("download complete")
	return dest, written, nil
}

// checkStatus maps HTTP failures onto the engine's error types
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &faults.LimitExhaustedError{ResetAt: parseRetryAfter(resp)}
	case resp.StatusCode == http.StatusForbidden:
		return &faults.AuthError{Message: "download rejected with 403 forbidden", Forbidden: true}
	case resp.StatusCode == http.StatusUnauthorized:
		return &faults.AuthError{Message: "download rejected with 401 unauthorized"}
	case resp.StatusCode == http.StatusNotFound:
		return &faults.NotFoundError{Resource: resp.Request.URL.String()}
	case resp.StatusCode >= 500:
		return &faults.NetworkError{
			Op:    "download",
			Cause: fmt.Errorf("server returned %s", resp.Status),
		}
	default:
		return fmt.Errorf("download failed with status %s", resp.Status)
	}
}

// parseRetryAfter reads the Retry-After header as either seconds or an
// HTTP date; nil when absent or unparseable
func parseRetryAfter(resp *http.Response) *time.Time {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		t := time.Now().Add(time.Duration(secs) * time.Second)
		return &t
	}
	if t, err := http.ParseTime(v); err == nil {
		return &t
	}
	return nil
}

// filenameFor picks the destination filename: the content-disposition name
// when the server sends one, otherwise title + extension from the candidate
func filenameFor(resp *http.Response, c types.Candidate) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := SanitizeFilename(params["filename"]); name != "" {
				return name
			}
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(c.Extension, "."))
	if ext == "" {
		ext = "bin"
	}
	base := SanitizeFilename(c.Title)
	if base == "" {
		base = c.ExternalID
	}
	if base == "" {
		base = "download"
	}
	return base + "." + ext
}

// SanitizeFilename strips path separators and control characters so a
// server-supplied name cannot escape the download directory
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7f:
			// drop control characters
		case r == '/', r == '\\', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	const maxName = 200
	if len(out) > maxName {
		out = out[:maxName]
	}
	return out
}

// classifyFileErr promotes filesystem errors the classifier cares about
func classifyFileErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return &faults.ProcessingError{Kind: faults.KindDiskSpace, Message: err.Error()}
	}
	if errors.Is(err, os.ErrPermission) {
		return &faults.ProcessingError{Kind: faults.KindPermission, Message: err.Error()}
	}
	return err
}

// limitedReader throttles reads through the shared byte-rate limiter
type limitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if len(p) > limiterBurst {
		p = p[:limiterBurst]
	}
	n, err := lr.r.Read(p)
	if n > 0 {
		if werr := lr.limiter.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
