package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// PageCount returns ceil(total/size) for the category.
func (c CategoryPageInfo) PageCount() (int, error) {
	if c.PageSize <= 0 {
		return 0, fmt.Errorf("category %q: %w", c.Name, ErrZeroPageSize)
	}
	if c.TotalItemCount <= 0 {
		return 0, nil
	}
	return (c.TotalItemCount + c.PageSize - 1) / c.PageSize, nil
}

// ListingTasks enumerates the listing pages of a category. Page 0 is the
// category URL itself; page n is URL + prefix + (n-1) + ext.
func ListingTasks(info CategoryPageInfo) ([]ListingTask, error) {
	count, err := info.PageCount()
	if err != nil {
		return nil, err
	}
	tasks := make([]ListingTask, 0, count)
	for i := 0; i < count; i++ {
		u := info.SourceURL
		if i > 0 {
			u = info.SourceURL + info.PageURLPrefix + strconv.Itoa(i-1) + info.PageURLExt
		}
		tasks = append(tasks, ListingTask{
			CategoryIndex: info.Index,
			CategoryName:  info.Name,
			PageIndex:     i,
			URL:           u,
		})
	}
	return tasks, nil
}

// DetailURL expands the {id} placeholder of tmpl and resolves it against base.
func DetailURL(base *url.URL, tmpl, externalID string) (string, error) {
	if !strings.Contains(tmpl, "{id}") {
		return "", fmt.Errorf("detail url template %q lacks {id}: %w", tmpl, ErrConfiguration)
	}
	ref, err := url.Parse(strings.ReplaceAll(tmpl, "{id}", url.QueryEscape(externalID)))
	if err != nil {
		return "", fmt.Errorf("parse detail url: %w", err)
	}
	if base == nil {
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}

// ExternalIDFromHref returns the basename of href's path with its extension stripped.
func ExternalIDFromHref(href string) string {
	p := href
	if u, err := url.Parse(href); err == nil {
		p = u.Path
	}
	base := path.Base(strings.TrimSpace(p))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// MediaRelativePath builds {mediaType}/{displayName}-{externalId}{ext} for a record.
func MediaRelativePath(rec DownloadRecord) string {
	ext := ""
	if u, err := url.Parse(rec.ResourceURL); err == nil {
		ext = path.Ext(u.Path)
	} else {
		ext = path.Ext(rec.ResourceURL)
	}
	name := fmt.Sprintf("%s-%s%s", safeSegment(rec.Name), safeSegment(rec.ExternalID), ext)
	return path.Join(safeSegment(rec.CategoryName), name)
}

var segmentReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

func safeSegment(s string) string {
	s = strings.TrimSpace(segmentReplacer.Replace(s))
	if s == "" {
		return "_"
	}
	return s
}

// DuplicateExternalIDs returns externalIds that appear more than once, in first-seen order.
func DuplicateExternalIDs(items []MusicItem) []string {
	seen := make(map[string]int, len(items))
	var dups []string
	for _, it := range items {
		seen[it.ExternalID]++
		if seen[it.ExternalID] == 2 {
			dups = append(dups, it.ExternalID)
		}
	}
	return dups
}
