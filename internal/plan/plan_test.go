package plan

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/mangadex"
)

func sampleTitle() mangadex.Title {
	return mangadex.Title{Chapters: map[int]mangadex.ChapterRef{
		10: {LangCode: "gb", Volume: "1", Chapter: "1", Title: "Start", GroupID: 1},
		11: {LangCode: "gb", Volume: "1", Chapter: "1", Title: "Start (re-upload)", GroupID: 2},
		12: {LangCode: "gb", Volume: "1", Chapter: "2", Title: "Next", GroupID: 1},
		13: {LangCode: "it", Volume: "1", Chapter: "2", Title: "Dopo", GroupID: 3},
		14: {LangCode: "gb", Volume: "1", Chapter: "3", Title: "Scans", GroupID: 5},
		15: {LangCode: "gb", Volume: "2", Chapter: "4", Title: "A/B: test?", GroupID: 1},
	}}
}

func TestChapterOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		opts Options
		want []int
		err  error
	}{
		{name: "all english", opts: Options{Lang: "gb"}, want: []int{10, 12, 14, 15}},
		{name: "ignored group", opts: Options{Lang: "gb", IgnoredGroups: []int{5}}, want: []int{10, 12, 15}},
		{name: "italian", opts: Options{Lang: "it"}, want: []int{13}},
		{name: "start bound", opts: Options{Lang: "gb", Start: 12}, want: []int{12, 14, 15}},
		{name: "end exclusive", opts: Options{Lang: "gb", End: 14}, want: []int{10, 12}},
		{name: "both bounds", opts: Options{Lang: "gb", Start: 11, End: 15}, want: []int{11, 12, 14}},
		{name: "unknown chapter", opts: Options{Lang: "gb", Start: 99}, err: ErrNoSuchChapter},
		{name: "wrong language", opts: Options{Lang: "gb", End: 13}, err: ErrWrongLanguage},
		{name: "ignored bound", opts: Options{Lang: "gb", IgnoredGroups: []int{5}, Start: 14}, err: ErrWrongLanguage},
		{name: "no match", opts: Options{Lang: "fr"}, want: []int{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ChapterOrder(sampleTitle(), tc.opts)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				assert.True(t, IsSelectionError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestChapterOrderRejectsInvertedBounds(t *testing.T) {
	t.Parallel()

	_, err := ChapterOrder(sampleTitle(), Options{Lang: "gb", Start: 15, End: 10})
	require.Error(t, err)
	assert.False(t, IsSelectionError(err))
}

func TestChapterDirName(t *testing.T) {
	t.Parallel()

	ref := sampleTitle().Chapters[15]
	assert.Equal(t, "00000015 - Vol 2 - Chapter 4 - gb - A_B_ test_", ChapterDirName(15, ref))
	assert.Equal(t, "00000010 - Vol 1 - Chapter 1 - gb - Start", ChapterDirName(10, sampleTitle().Chapters[10]))
}

func TestPageFileName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0001.png", PageFileName(1, "x1.png"))
	assert.Equal(t, "0012.jpg", PageFileName(12, "abc.jpg"))
	assert.Equal(t, "0003.png", PageFileName(3, "noext"))
}

func TestExistingChapterDirs(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"00000010 - Vol 1 - Chapter 1 - gb - Old Name/0001.png": {Data: []byte("x")},
		"0012 - Vol 1 - Chapter 2 - gb - Short/0001.png":        {Data: []byte("x")},
		"00000099 - Vol 9 - Chapter 9 - gb - Other/0001.png":    {Data: []byte("x")},
		"00000014 - Vol 1 - notes.txt":                          {Data: []byte("file, not dir")},
		"random/0001.png":                                       {Data: []byte("x")},
	}
	got, err := ExistingChapterDirs(fsys, []int{10, 12, 14, 15})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{
		10: "00000010 - Vol 1 - Chapter 1 - gb - Old Name",
		12: "0012 - Vol 1 - Chapter 2 - gb - Short",
	}, got)

	empty, err := ExistingChapterDirs(nil, []int{10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

type fakeSource struct {
	title    mangadex.Title
	chapters map[int]mangadex.Chapter
	fail     map[int]error
	calls    atomic.Int32
}

func (f *fakeSource) Chapter(_ context.Context, id int) (mangadex.Chapter, error) {
	f.calls.Add(1)
	if err := f.fail[id]; err != nil {
		return mangadex.Chapter{}, err
	}
	ch, ok := f.chapters[id]
	if !ok {
		return mangadex.Chapter{}, &download.StatusError{Code: 404}
	}
	return ch, nil
}

func (f *fakeSource) Title(context.Context, int) (mangadex.Title, error) {
	return f.title, nil
}

func (f *fakeSource) BaseURL() *url.URL {
	u, _ := url.Parse("https://mangadex.org/api/")
	return u
}

func newFakeSource() *fakeSource {
	chapters := map[int]mangadex.Chapter{}
	for id, ref := range sampleTitle().Chapters {
		pages := make([]string, id%3+1)
		for i := range pages {
			pages[i] = fmt.Sprintf("p%d.jpg", i+1)
		}
		chapters[id] = mangadex.Chapter{
			ID: id, LangCode: ref.LangCode, Hash: fmt.Sprintf("h%d", id),
			Server: "https://s2.mangadex.org/data/", PageArray: pages,
			Volume: ref.Volume, Chapter: ref.Chapter, Title: ref.Title,
		}
	}
	chapters[12] = mangadex.Chapter{ID: 12, Hash: "h12", Server: "/data/", PageArray: []string{"a.png", "b.png"}, Chapter: "2"}
	return &fakeSource{title: sampleTitle(), chapters: chapters, fail: map[int]error{}}
}

func TestBuildChapter(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	p, err := NewBuilder(src, nil, nil).Build(context.Background(), ModeChapter, 12, Options{})
	require.NoError(t, err)

	assert.Equal(t, ModeChapter, p.Mode)
	require.Len(t, p.Targets, 2)
	assert.Equal(t, download.Target{
		Origin:      "https://mangadex.org",
		Locator:     "https://mangadex.org/data/h12/a.png",
		Index:       0,
		Destination: "0001.png",
		Label:       "ch 2 p 1",
	}, p.Targets[0])
	assert.Equal(t, "0002.png", p.Targets[1].Destination)
	assert.Equal(t, 1, p.Targets[1].Index)
}

func TestBuildTitle(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	fsys := fstest.MapFS{
		"00000014 - Vol 1 - Chapter 3 - gb - Renamed/0001.jpg": {Data: []byte("x")},
	}
	p, err := NewBuilder(src, fsys, nil).BuildTitle(context.Background(), 77, Options{Lang: "gb"})
	require.NoError(t, err)

	require.Len(t, p.Chapters, 4)
	ids := []int{p.Chapters[0].ID, p.Chapters[1].ID, p.Chapters[2].ID, p.Chapters[3].ID}
	assert.Equal(t, []int{10, 12, 14, 15}, ids)
	assert.True(t, p.Chapters[2].Reused)
	assert.Equal(t, "00000014 - Vol 1 - Chapter 3 - gb - Renamed", p.Chapters[2].Dir)

	total := 0
	for _, ch := range p.Chapters {
		total += ch.Pages
	}
	require.Len(t, p.Targets, total)
	for i, target := range p.Targets {
		assert.Equal(t, i, target.Index, "indices are global and dense")
	}
	assert.Equal(t, "00000010 - Vol 1 - Chapter 1 - gb - Start/0001.jpg", p.Targets[0].Destination)
	assert.Equal(t, "https://s2.mangadex.org/data/h10/p1.jpg", p.Targets[0].Locator)
	assert.Equal(t, download.Origin("https://s2.mangadex.org"), p.Targets[0].Origin)
}

func TestBuildTitleFailsOnChapterError(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.fail[12] = errors.New("api down")
	_, err := NewBuilder(src, nil, nil).BuildTitle(context.Background(), 77, Options{Lang: "gb"})
	require.ErrorContains(t, err, "chapter 12")
}

func TestBuildUnknownMode(t *testing.T) {
	t.Parallel()

	_, err := NewBuilder(newFakeSource(), nil, nil).Build(context.Background(), Mode("volume"), 1, Options{})
	require.Error(t, err)
}
