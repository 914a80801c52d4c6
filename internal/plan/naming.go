package plan

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/mdscrape/internal/mangadex"
)

const defaultPageExt = "png"

var chapterDirPattern = regexp.MustCompile(`^([0-9]{4,}) - Vol`)

var pathReplacer = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_", "\x00", "",
)

// ChapterDirName names the directory a title download puts a chapter in.
func ChapterDirName(id int, ref mangadex.ChapterRef) string {
	name := fmt.Sprintf("%08d - Vol %s - Chapter %s - %s - %s", id, ref.Volume, ref.Chapter, ref.LangCode, ref.Title)
	return escapePath(name)
}

func escapePath(name string) string {
	name = strings.TrimRight(pathReplacer.Replace(name), " .")
	if name == "" {
		return "_"
	}
	return name
}

// PageFileName names the n-th (1-based) page, keeping the upstream file's
// extension.
func PageFileName(n int, upstream string) string {
	ext := strings.TrimPrefix(path.Ext(upstream), ".")
	if ext == "" {
		ext = defaultPageExt
	}
	return fmt.Sprintf("%04d.%s", n, escapePath(ext))
}

// ExistingChapterDirs finds directories in the root of fsys left by earlier
// runs and returns the ones that belong to ids, keyed by chapter id. A nil
// fsys or a missing root yields an empty map.
func ExistingChapterDirs(fsys fs.FS, ids []int) (map[int]string, error) {
	found := make(map[int]string)
	if fsys == nil {
		return found, nil
	}
	wanted := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return found, nil
		}
		return nil, fmt.Errorf("list output directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m := chapterDirPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(strings.TrimLeft(m[1], "0"))
		if err != nil {
			continue
		}
		if _, ok := wanted[id]; !ok {
			continue
		}
		if _, taken := found[id]; !taken {
			found[id] = entry.Name()
		}
	}
	return found, nil
}
