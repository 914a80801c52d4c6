package mangadex

import (
	"fmt"
	"net/url"
	"strings"
)

// Chapter is the payload of a type=chapter lookup.
type Chapter struct {
	ID        int      `json:"id"`
	LangCode  string   `json:"lang_code"`
	Hash      string   `json:"hash"`
	Server    string   `json:"server"`
	PageArray []string `json:"page_array"`
	MangaID   int      `json:"manga_id"`
	GroupID   int      `json:"group_id"`
	Volume    string   `json:"volume"`
	Chapter   string   `json:"chapter"`
	Title     string   `json:"title"`
}

// PageLocator returns the absolute URL of one page file. A relative server
// (the API returns "/data/" for the main host) is resolved against base.
func (c Chapter) PageLocator(base *url.URL, file string) (string, error) {
	if strings.TrimSpace(file) == "" {
		return "", fmt.Errorf("chapter %d: empty page file name", c.ID)
	}
	server := c.Server
	if !strings.HasSuffix(server, "/") {
		server += "/"
	}
	ref, err := url.Parse(server + c.Hash + "/" + url.PathEscape(file))
	if err != nil {
		return "", fmt.Errorf("chapter %d: parse page url: %w", c.ID, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if base == nil {
		return "", fmt.Errorf("chapter %d: relative server %q without a base url", c.ID, c.Server)
	}
	return base.ResolveReference(ref).String(), nil
}

// ChapterRef is a title's summary entry for one chapter.
type ChapterRef struct {
	Timestamp int64  `json:"timestamp"`
	LangCode  string `json:"lang_code"`
	Volume    string `json:"volume"`
	Chapter   string `json:"chapter"`
	Title     string `json:"title"`
	GroupID   int    `json:"group_id"`
}

// Title is the payload of a type=manga lookup, keyed by chapter id.
type Title struct {
	Chapters map[int]ChapterRef `json:"chapter"`
}
