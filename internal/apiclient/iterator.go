package apiclient

import (
	"context"
	"log/slog"
)

// sameCountStreakLimit is how many consecutive pages with an identical
// item count (and no next-link) are tolerated before pagination is
// assumed to be stuck ignoring $skip, and halted.
const sameCountStreakLimit = 3

// PageIterator yields a lazy, finite sequence of pages for one fetch.
// Next is not safe for concurrent use by multiple goroutines.
type PageIterator struct {
	client *Client
	path   string
	params QueryParams
	dryRun bool

	nextURL         string
	skip            int
	index           int
	done            bool
	recordsSeen     int64
	lastCount       int
	sameCountStreak int
}

// Next fetches the next page. It returns (page, hasMore, err). When
// err is non-nil, page is nil. When hasMore is false, the caller has
// just consumed the final page (or none exists) and must not call
// Next again.
func (it *PageIterator) Next(ctx context.Context) (*Page, bool, error) {
	if it.done {
		return nil, false, nil
	}

	if it.dryRun {
		it.done = true

		return &Page{Index: it.index}, false, nil
	}

	if it.client.maxPages > 0 && it.index >= it.client.maxPages {
		it.done = true

		return nil, false, &Error{
			Kind:    KindPaginationLimitExceeded,
			Message: "maximum page count exceeded",
		}
	}

	var (
		page *Page
		err  *Error
	)

	if it.nextURL != "" {
		page, err = it.client.fetchAbsolute(ctx, it.nextURL)
	} else {
		page, err = it.client.fetchRelative(ctx, it.path, it.params, it.skip)
	}

	if err != nil {
		it.done = true

		return nil, false, err
	}

	page.Index = it.index
	it.index++

	if it.client.maxRecords > 0 {
		it.recordsSeen += int64(len(page.Items))
		if it.recordsSeen > it.client.maxRecords {
			it.done = true

			return nil, false, &Error{
				Kind:    KindPaginationLimitExceeded,
				Message: "maximum record count exceeded",
			}
		}
	}

	it.advance(page)

	return page, !it.done, nil
}

// advance applies the pagination-advancement priority order: explicit
// next-link, then $skip += $top on a full page, then stop. It also
// runs the same-count-ignoring-skip detector when no next-link is
// present.
func (it *PageIterator) advance(page *Page) {
	switch {
	case page.NextLink != "":
		it.nextURL = page.NextLink

		it.sameCountStreak = 0

		return
	case it.params.Top > 0 && len(page.Items) == it.params.Top:
		it.skip += it.params.Top
		it.nextURL = ""
	default:
		it.done = true
	}

	count := len(page.Items)
	if count > 0 && count == it.lastCount {
		it.sameCountStreak++
		if it.sameCountStreak >= sameCountStreakLimit {
			it.client.logger.Warn(
				"apiclient: halting pagination, server appears to be ignoring $skip",
				slog.Int("identical_page_count", count),
				slog.Int("streak", it.sameCountStreak),
			)

			it.done = true
		}
	} else {
		it.sameCountStreak = 0
	}

	it.lastCount = count
}

// Checkpoint reports the iterator's current $skip offset and next page
// index, for callers persisting a resumable checkpoint mid-extraction.
func (it *PageIterator) Checkpoint() (skip, index int) {
	return it.skip, it.index
}

// Collect drains the iterator into a single materialized slice of
// pages — the aggregate mode. Streaming callers should use Next
// directly instead, per the executor's memory bound.
func (it *PageIterator) Collect(ctx context.Context) ([]*Page, error) {
	var pages []*Page

	for {
		page, hasMore, err := it.Next(ctx)
		if err != nil {
			return pages, err
		}

		if page != nil {
			pages = append(pages, page)
		}

		if !hasMore {
			break
		}
	}

	return pages, nil
}
