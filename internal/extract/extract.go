// Package extract turns parsed listing-site pages into crawl values.
//
// Every function is pure: it reads a *goquery.Document and returns values or an
// error wrapping crawler.ErrExtractionMismatch. Nothing here touches the network.
package extract

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/guqu-crawler/internal/crawler"
)

// Selectors of the directory site's markup.
const (
	homeCategorySelector   = ".im_c3 dl"
	homeAnchorSelector     = ".im_tm1 a"
	paginationSelector     = ".showpage b"
	listingRowSelector     = ".pub .c628 ul"
	listingHeaderClass     = ".c628title"
	listingLinkSelector    = "div a"
	listingAuthorSelector  = "span"
	detailResourceSelector = `#MediaPlayer1 param[name="URL"]`
)

// ListingContext identifies the listing page an extraction belongs to.
type ListingContext struct {
	CategoryIndex int
	CategoryName  string
	PageIndex     int
}

// Parse builds a queryable document from decoded page text.
func Parse(text string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	return doc, nil
}

// Home returns the categories listed on the home page in document order.
// Index holds the document position; callers re-index after filtering.
func Home(doc *goquery.Document, base *url.URL) []crawler.Category {
	var categories []crawler.Category
	doc.Find(homeCategorySelector).Each(func(_ int, dl *goquery.Selection) {
		a := dl.Find(homeAnchorSelector).First()
		href, ok := a.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		categories = append(categories, crawler.Category{
			Index:     len(categories),
			Name:      normalize(a.Text()),
			SourceURL: ref.String(),
		})
	})
	return categories
}

// Pagination reads the total item count and page size labels of a listing page.
func Pagination(doc *goquery.Document) (total, size int, err error) {
	labels := doc.Find(paginationSelector)
	if labels.Length() < 2 {
		return 0, 0, fmt.Errorf("%w: pagination labels: found %d of 2",
			crawler.ErrExtractionMismatch, labels.Length())
	}
	total, err = number(labels.Eq(0).Text())
	if err != nil {
		return 0, 0, fmt.Errorf("%w: total item count: %w", crawler.ErrExtractionMismatch, err)
	}
	size, err = number(labels.Eq(1).Text())
	if err != nil {
		return 0, 0, fmt.Errorf("%w: page size: %w", crawler.ErrExtractionMismatch, err)
	}
	return total, size, nil
}

// Listing returns the item rows of a listing page, skipping the header row
// and rows without a detail link.
func Listing(doc *goquery.Document, lc ListingContext) []crawler.MusicItem {
	var items []crawler.MusicItem
	doc.Find(listingRowSelector).Not(listingHeaderClass).Each(func(_ int, row *goquery.Selection) {
		a := row.Find(listingLinkSelector).First()
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		id := crawler.ExternalIDFromHref(href)
		if id == "" {
			return
		}
		title := normalize(a.Text())
		name := title
		if fields := strings.Fields(title); len(fields) > 0 {
			name = fields[0]
		}
		items = append(items, crawler.MusicItem{
			LocalIndex:    len(items),
			ExternalID:    id,
			Name:          name,
			Title:         title,
			Author:        normalize(row.Find(listingAuthorSelector).First().Text()),
			CategoryIndex: lc.CategoryIndex,
			CategoryName:  lc.CategoryName,
			PageIndex:     lc.PageIndex,
		})
	})
	return items
}

// Detail returns the media resource URL of a detail page.
func Detail(doc *goquery.Document) (string, error) {
	param := doc.Find(detailResourceSelector).First()
	value, ok := param.Attr("value")
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", crawler.ErrMissingResource
	}
	return value, nil
}

func number(label string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(label))
	if err != nil {
		return 0, fmt.Errorf("label %q is not a number", strings.TrimSpace(label))
	}
	return n, nil
}

// normalize collapses runs of whitespace (including full-width spaces) to one space.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
