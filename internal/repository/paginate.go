package repository

import (
	"sort"
	"time"
)

// sortByCreatedAt sorts items ascending by creation time, oldest first,
// matching the queue's logical FIFO ordering.
func sortByCreatedAt[T any](items []T, at func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return at(items[i]).Before(at(items[j]))
	})
}

// sortByCreatedAtThenID sorts items ascending by creation time, tying by id
// ascending: two jobs can share a timestamp (coarse clock resolution, or
// batch-created at the same instant), and dispatch selection needs a
// deterministic pick rather than map-iteration order.
func sortByCreatedAtThenID[T any](items []T, at func(T) time.Time, id func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := at(items[i]), at(items[j])
		if ti.Equal(tj) {
			return id(items[i]) < id(items[j])
		}
		return ti.Before(tj)
	})
}

// paginate slices items per 1-indexed page/perPage, clamping out-of-range
// requests to an empty slice rather than panicking.
func paginate[T any](items []T, page, perPage int) []T {
	if perPage <= 0 {
		return items
	}
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= len(items) {
		return []T{}
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
