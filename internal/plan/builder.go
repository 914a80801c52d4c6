// Package plan turns chapter and title metadata into the ordered list of
// page targets a run downloads.
package plan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/mangadex"
)

// Mode selects what a resource id refers to.
type Mode string

const (
	ModeChapter Mode = "chapter"
	ModeTitle   Mode = "title"
)

// MetadataSource is the part of the API client the builder needs.
// *mangadex.Client satisfies it.
type MetadataSource interface {
	Chapter(ctx context.Context, id int) (mangadex.Chapter, error)
	Title(ctx context.Context, id int) (mangadex.Title, error)
	BaseURL() *url.URL
}

// Chapter describes one chapter of a plan.
type Chapter struct {
	ID      int    `json:"id"`
	Dir     string `json:"dir"`
	Volume  string `json:"volume"`
	Chapter string `json:"chapter"`
	Title   string `json:"title"`
	Lang    string `json:"lang"`
	Pages   int    `json:"pages"`
	// Reused is set when Dir was found from an earlier run.
	Reused bool `json:"reused,omitempty"`
}

// Plan is the resolved work for one resource.
type Plan struct {
	Mode       Mode              `json:"mode"`
	ResourceID int               `json:"resource_id"`
	Chapters   []Chapter         `json:"chapters"`
	Targets    []download.Target `json:"targets"`
}

// Builder resolves resources into plans.
type Builder struct {
	source MetadataSource
	output fs.FS
	logger *zap.Logger
}

// NewBuilder constructs a Builder. output is the destination root as seen
// by earlier runs; nil disables chapter directory reuse.
func NewBuilder(source MetadataSource, output fs.FS, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{source: source, output: output, logger: logger}
}

// Build dispatches on mode.
func (b *Builder) Build(ctx context.Context, mode Mode, id int, opts Options) (Plan, error) {
	switch mode {
	case ModeChapter:
		return b.BuildChapter(ctx, id)
	case ModeTitle:
		return b.BuildTitle(ctx, id, opts)
	default:
		return Plan{}, fmt.Errorf("unknown mode %q", mode)
	}
}

// BuildChapter plans a single chapter whose pages go to the destination
// root.
func (b *Builder) BuildChapter(ctx context.Context, id int) (Plan, error) {
	ch, err := b.source.Chapter(ctx, id)
	if err != nil {
		return Plan{}, fmt.Errorf("fetch chapter %d: %w", id, err)
	}
	info := Chapter{
		ID:      id,
		Volume:  ch.Volume,
		Chapter: ch.Chapter,
		Title:   ch.Title,
		Lang:    ch.LangCode,
		Pages:   len(ch.PageArray),
	}
	targets, err := b.pageTargets(ch, "", 0)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Mode: ModeChapter, ResourceID: id, Chapters: []Chapter{info}, Targets: targets}, nil
}

// BuildTitle plans every selected chapter of a title, each in its own
// directory. Chapter metadata is fetched concurrently; target indices run
// across chapters in chapter order.
func (b *Builder) BuildTitle(ctx context.Context, id int, opts Options) (Plan, error) {
	title, err := b.source.Title(ctx, id)
	if err != nil {
		return Plan{}, fmt.Errorf("fetch title %d: %w", id, err)
	}
	ids, err := ChapterOrder(title, opts)
	if err != nil {
		return Plan{}, err
	}
	existing, err := ExistingChapterDirs(b.output, ids)
	if err != nil {
		return Plan{}, err
	}
	b.logger.Info("title resolved",
		zap.Int("title", id),
		zap.Int("chapters_total", len(title.Chapters)),
		zap.Int("chapters_selected", len(ids)),
		zap.Int("dirs_reused", len(existing)))

	chapters := make([]mangadex.Chapter, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, chID := range ids {
		g.Go(func() error {
			ch, err := b.source.Chapter(gctx, chID)
			if err != nil {
				return fmt.Errorf("fetch chapter %d: %w", chID, err)
			}
			chapters[i] = ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Plan{}, err
	}

	p := Plan{Mode: ModeTitle, ResourceID: id, Chapters: make([]Chapter, 0, len(ids))}
	for i, chID := range ids {
		ref := title.Chapters[chID]
		dir, reused := existing[chID]
		if !reused {
			dir = ChapterDirName(chID, ref)
		}
		targets, err := b.pageTargets(chapters[i], dir, len(p.Targets))
		if err != nil {
			return Plan{}, err
		}
		p.Targets = append(p.Targets, targets...)
		p.Chapters = append(p.Chapters, Chapter{
			ID:      chID,
			Dir:     dir,
			Volume:  ref.Volume,
			Chapter: ref.Chapter,
			Title:   ref.Title,
			Lang:    ref.LangCode,
			Pages:   len(chapters[i].PageArray),
			Reused:  reused,
		})
	}
	return p, nil
}

func (b *Builder) pageTargets(ch mangadex.Chapter, dir string, firstIndex int) ([]download.Target, error) {
	base := b.source.BaseURL()
	targets := make([]download.Target, 0, len(ch.PageArray))
	for i, file := range ch.PageArray {
		locator, err := ch.PageLocator(base, file)
		if err != nil {
			return nil, err
		}
		origin, err := download.OriginOf(locator)
		if err != nil {
			return nil, fmt.Errorf("chapter %d page %d: %w", ch.ID, i+1, err)
		}
		targets = append(targets, download.Target{
			Origin:      origin,
			Locator:     locator,
			Index:       firstIndex + i,
			Destination: path.Join(dir, PageFileName(i+1, file)),
			Label:       fmt.Sprintf("ch %s p %d", ch.Chapter, i+1),
		})
	}
	if len(targets) == 0 {
		b.logger.Warn("chapter has no pages", zap.Int("chapter", ch.ID))
	}
	return targets, nil
}

// IsSelectionError reports whether err comes from an invalid chapter bound.
func IsSelectionError(err error) bool {
	return errors.Is(err, ErrNoSuchChapter) || errors.Is(err, ErrWrongLanguage)
}
