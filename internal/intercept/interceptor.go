// Package intercept takes over downloads started in the host browser.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dman/internal/download"
	"dman/internal/logging"
)

// ErrNoPath indicates a change event without a final file path.
var ErrNoPath = errors.New("no_final_path")

// Item is what the browser knows about one of its downloads.
type Item struct {
	ID       int64  `json:"id"`
	URL      string `json:"url"`
	FinalURL string `json:"finalUrl"`
	Filename string `json:"filename"`
}

// Browser is the subset of the host browser used while intercepting.
type Browser interface {
	Pause(ctx context.Context, native int64) error
	Resume(ctx context.Context, native int64) error
	Search(ctx context.Context, native int64) (Item, error)
	FileIcon(ctx context.Context, native int64) ([]byte, error)
}

// Sessions is the part of download.Manager the interceptor drives.
type Sessions interface {
	Adopt(native int64, url string) (int64, bool, error)
	Begin(req download.BeginRequest) (int64, error)
}

var _ Sessions = (*download.Manager)(nil)

// Change is a browser download change carrying the resolved file path.
type Change struct {
	Native   int64  `json:"id"`
	Filename string `json:"filename"`
}

type Interceptor struct {
	browser  Browser
	sessions Sessions
	log      *slog.Logger
}

func New(browser Browser, sessions Sessions, log *slog.Logger) *Interceptor {
	if log == nil {
		log = logging.With(context.Background())
	}
	return &Interceptor{
		browser:  browser,
		sessions: sessions,
		log:      log.With("component", "intercept"),
	}
}

// Handle pauses the browser download and hands it to the engine, either as
// the new URL of a session waiting for one or as a new session. When that
// fails the browser download is resumed.
func (i *Interceptor) Handle(ctx context.Context, ch Change) (int64, error) {
	if strings.TrimSpace(ch.Filename) == "" {
		return 0, ErrNoPath
	}
	if err := i.browser.Pause(ctx, ch.Native); err != nil {
		return 0, fmt.Errorf("pause native %d: %w", ch.Native, err)
	}

	item, err := i.browser.Search(ctx, ch.Native)
	if err != nil {
		return 0, i.giveBack(ctx, ch.Native, fmt.Errorf("search native %d: %w", ch.Native, err))
	}
	url := item.FinalURL
	if url == "" {
		url = item.URL
	}

	id, adopted, err := i.sessions.Adopt(ch.Native, url)
	if err != nil {
		return 0, i.giveBack(ctx, ch.Native, fmt.Errorf("adopt url: %w", err))
	}
	if adopted {
		i.log.Info("url_adopted", "session_id", id, "native_id", ch.Native, "url", logging.RedactURL(url))
		return id, nil
	}

	icon, err := i.browser.FileIcon(ctx, ch.Native)
	if err != nil {
		return 0, i.giveBack(ctx, ch.Native, fmt.Errorf("file icon: %w", err))
	}

	id, err = i.sessions.Begin(download.BeginRequest{
		Native: ch.Native,
		URL:    url,
		Path:   ch.Filename,
		Icon:   icon,
	})
	if err != nil {
		return 0, i.giveBack(ctx, ch.Native, fmt.Errorf("begin: %w", err))
	}
	return id, nil
}

// giveBack resumes the browser download and returns cause.
func (i *Interceptor) giveBack(ctx context.Context, native int64, cause error) error {
	i.log.Warn("intercept_failed", "native_id", native, "error", cause)
	if err := i.browser.Resume(ctx, native); err != nil {
		return errors.Join(cause, fmt.Errorf("resume native %d: %w", native, err))
	}
	return cause
}
