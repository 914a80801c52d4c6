package plan

import (
	"errors"
	"fmt"
	"slices"

	"github.com/JakeFAU/mdscrape/internal/mangadex"
)

var (
	// ErrNoSuchChapter means a start or end bound names a chapter the title
	// does not have.
	ErrNoSuchChapter = errors.New("chapter not found")
	// ErrWrongLanguage means a bound names a chapter that was filtered out
	// by language or group.
	ErrWrongLanguage = errors.New("chapter has wrong lang code")
)

// Options selects which chapters of a title are downloaded.
type Options struct {
	Lang          string
	IgnoredGroups []int
	// Start and End are chapter ids; zero means unbounded. End is exclusive.
	Start int
	End   int
}

// ChapterOrder returns the chapter ids to download, ascending. Chapters in
// another language or from an ignored group are dropped, the [Start, End)
// bounds are applied, and of several uploads of the same volume and chapter
// number only the lowest id is kept.
func ChapterOrder(title mangadex.Title, opts Options) ([]int, error) {
	ids := make([]int, 0, len(title.Chapters))
	for id, ref := range title.Chapters {
		if ref.LangCode != opts.Lang || slices.Contains(opts.IgnoredGroups, ref.GroupID) {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	bound := func(id, fallback int) (int, error) {
		if id == 0 {
			return fallback, nil
		}
		pos, found := slices.BinarySearch(ids, id)
		if found {
			return pos, nil
		}
		if _, ok := title.Chapters[id]; ok {
			return 0, fmt.Errorf("%w: %d", ErrWrongLanguage, id)
		}
		return 0, fmt.Errorf("%w: %d", ErrNoSuchChapter, id)
	}
	start, err := bound(opts.Start, 0)
	if err != nil {
		return nil, fmt.Errorf("start chapter: %w", err)
	}
	end, err := bound(opts.End, len(ids))
	if err != nil {
		return nil, fmt.Errorf("end chapter: %w", err)
	}
	if start > end {
		return nil, fmt.Errorf("start chapter %d is after end chapter %d", opts.Start, opts.End)
	}

	type key struct{ volume, chapter string }
	seen := make(map[key]struct{}, end-start)
	out := make([]int, 0, end-start)
	for _, id := range ids[start:end] {
		ref := title.Chapters[id]
		k := key{ref.Volume, ref.Chapter}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
