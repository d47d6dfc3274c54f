package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/dataset-extractor/pkg/logging"
)

// ErrCursorStalled is returned when a page announces a successor but hands
// back the cursor it was requested with.
var ErrCursorStalled = errors.New("next page cursor did not advance")

var pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "extract_pages_fetched_total",
	Help: "Total list pages fetched by list name",
}, []string{"list"})

// Config holds list fetcher configuration
type Config struct {
	// PageSize is the number of items requested per page
	PageSize int
	// PageSleep is the pause between two consecutive page requests
	PageSleep time.Duration
	// MaxPages stops runaway pagination; 0 means unlimited
	MaxPages int
}

// DefaultConfig returns the settings used against public repository APIs
func DefaultConfig() Config {
	return Config{
		PageSize:  100,
		PageSleep: time.Second,
	}
}

// Page identifies the page being requested.
type Page struct {
	// Number is 1-based.
	Number int
	Size   int
	// Cursor is whatever the previous page returned, empty on page 1.
	Cursor string
}

// PageResult is one fetched page.
type PageResult[T any] struct {
	Items   []T
	HasNext bool
	// Cursor is handed to the next PageFunc call.
	Cursor string
}

// PageFunc fetches a single page.
type PageFunc[T any] func(ctx context.Context, page Page) (PageResult[T], error)

// ListFetcher walks paginated list endpoints sequentially.
type ListFetcher struct {
	config Config

	// Sleep pauses between pages; replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger zerolog.Logger
}

// NewListFetcher creates a new list fetcher
func NewListFetcher(config Config) *ListFetcher {
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	if config.PageSleep < 0 {
		config.PageSleep = 0
	}

	return &ListFetcher{
		config: config,
		Sleep:  sleepContext,
		Logger: logging.NewLogger("pagination"),
	}
}

// Config returns the fetcher configuration.
func (lf *ListFetcher) Config() Config {
	return lf.config
}

// Collect fetches pages until fn reports no further page and returns all
// items in page order. On any error the partial list is discarded and the
// error is returned with the page number.
func Collect[T any](ctx context.Context, lf *ListFetcher, name string, fn PageFunc[T]) ([]T, error) {
	start := time.Now()
	var items []T

	page := Page{Number: 1, Size: lf.config.PageSize}
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s page %d: %w", name, page.Number, err)
		}

		result, err := fn(ctx, page)
		if err != nil {
			lf.Logger.Warn().
				Err(err).
				Str("list", name).
				Int("page", page.Number).
				Msg("Page fetch failed")
			return nil, fmt.Errorf("%s page %d: %w", name, page.Number, err)
		}
		pagesFetchedTotal.WithLabelValues(name).Inc()
		items = append(items, result.Items...)

		lf.Logger.Debug().
			Str("list", name).
			Int("page", page.Number).
			Int("items", len(result.Items)).
			Bool("has_next", result.HasNext).
			Msg("Fetched page")

		if !result.HasNext {
			break
		}
		if result.Cursor != "" && result.Cursor == page.Cursor {
			return nil, fmt.Errorf("%s page %d: %w", name, page.Number, ErrCursorStalled)
		}
		if lf.config.MaxPages > 0 && page.Number >= lf.config.MaxPages {
			lf.Logger.Warn().
				Str("list", name).
				Int("max_pages", lf.config.MaxPages).
				Msg("Stopping at page limit")
			break
		}

		if lf.config.PageSleep > 0 {
			if err := lf.Sleep(ctx, lf.config.PageSleep); err != nil {
				return nil, fmt.Errorf("%s page %d: %w", name, page.Number+1, err)
			}
		}

		page = Page{Number: page.Number + 1, Size: lf.config.PageSize, Cursor: result.Cursor}
	}

	lf.Logger.Info().
		Str("list", name).
		Int("pages", page.Number).
		Int("items", len(items)).
		Dur("duration", time.Since(start)).
		Msg("List fetch complete")

	return items, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
