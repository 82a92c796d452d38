package pageagent

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/filter"
)

// Row selectors tried in order; the first one matching more than a header
// row wins.
var rowSelectors = []string{
	"table#listing tr",
	"table.base1 tr",
	".base1 tr",
	"table.base2 tr",
	"#listing tr",
}

const (
	nameLinkSelector = `a.namelinks, td.field_domain a, a[href*="expireddomains.net/domain/"]`
	backlinkSelector = "td.field_bl, td.field_dp, td.field_bl_dns"
	birthSelector    = "td.field_abirth, td.field_wby, td.field_aby"
	logoutSelector   = `a[href*="logout"]`
	minBirthYear     = 1980
)

var (
	bareLabel = regexp.MustCompile(`^[a-z0-9-]+$`)
	digits    = regexp.MustCompile(`^\d+$`)
	year      = regexp.MustCompile(`^\d{4}$`)
)

// ParseListing extracts candidates from a listing page. Names failing the
// stop-word filter and domains younger than minAge years are dropped; a
// domain with no known age is kept.
func ParseListing(doc *goquery.Document, currentYear, minAge int) []agent.Candidate {
	rows := listingRows(doc)

	var out []agent.Candidate
	rows.Each(func(_ int, row *goquery.Selection) {
		name, ok := rowName(row)
		if !ok {
			return
		}

		bl := 0
		if cell := row.Find(backlinkSelector).First(); cell.Length() > 0 {
			text := strings.NewReplacer(",", "", ".", "").Replace(strings.TrimSpace(cell.Text()))
			if digits.MatchString(text) {
				bl, _ = strconv.Atoi(text)
			}
		}

		age := 0
		if cell := row.Find(birthSelector).First(); cell.Length() > 0 {
			text := strings.TrimSpace(cell.Text())
			if year.MatchString(text) {
				born, _ := strconv.Atoi(text)
				if born >= minBirthYear && born <= currentYear {
					age = currentYear - born
				}
			}
		}

		if !filter.IsClean(name) {
			return
		}
		if age > 0 && age < minAge {
			return
		}

		out = append(out, agent.Candidate{Name: name, BacklinkScore: bl, AgeYears: age})
	})
	return out
}

func listingRows(doc *goquery.Document) *goquery.Selection {
	for _, sel := range rowSelectors {
		if rows := doc.Find(sel); rows.Length() > 1 {
			return rows
		}
	}
	// Fallback: any table row holding a domain link.
	return doc.Find("table tr").FilterFunction(func(_ int, row *goquery.Selection) bool {
		return row.Find(nameLinkSelector).Length() > 0
	})
}

func rowName(row *goquery.Selection) (string, bool) {
	var cell *goquery.Selection
	for _, sel := range []string{"a.namelinks", "td.field_domain a", `a[href*="/domain/"]`} {
		if c := row.Find(sel).First(); c.Length() > 0 {
			cell = c
			break
		}
	}
	if cell == nil {
		return "", false
	}

	name := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(cell.Text())), ".")
	if name == "" {
		return "", false
	}
	if !strings.Contains(name, ".") {
		if !bareLabel.MatchString(name) {
			return "", false
		}
		name += ".com"
	}
	return name, true
}

func hasLogout(doc *goquery.Document) bool {
	return doc.Find(logoutSelector).Length() > 0
}

// sectionLink finds the link into the listing section, by href first and
// by link text second.
func sectionLink(doc *goquery.Document, marker string) (string, bool) {
	if marker != "" {
		for _, sel := range []string{`a[href*="/domains/` + marker + `"]`, `a[href*="` + marker + `"]`} {
			if href, ok := doc.Find(sel).First().Attr("href"); ok && href != "" {
				return href, true
			}
		}
	}

	var found string
	doc.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(a.Text()))
		if text == "deleted .com" || text == "deleted.com" || strings.Contains(text, "deleted .com") {
			found, _ = a.Attr("href")
			return false
		}
		return true
	})
	return found, found != ""
}

// Diagnose summarises the structure of doc for troubleshooting empty pages.
func Diagnose(doc *goquery.Document, pageURL string) *agent.Diagnostics {
	d := &agent.Diagnostics{
		URL:           pageURL,
		Title:         strings.TrimSpace(doc.Find("title").First().Text()),
		NameLinkCount: doc.Find("a.namelinks").Length(),
		HasLogout:     hasLogout(doc),
	}

	tables := doc.Find("table")
	d.HasTable = tables.Length() > 0
	tables.EachWithBreak(func(i int, t *goquery.Selection) bool {
		if i >= 5 {
			return false
		}
		id, _ := t.Attr("id")
		if id == "" {
			id = "(no id)"
		}
		class, _ := t.Attr("class")
		if class == "" {
			class = "(no class)"
		}
		d.TableIDs = append(d.TableIDs, id)
		d.TableClasses = append(d.TableClasses, class)
		return true
	})

	body := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if len(body) > 300 {
		body = body[:300]
	}
	d.BodySnippet = body
	return d
}

// LoadCookieFile reads cookies in the Netscape cookies.txt format exported
// by browser extensions and curl.
func LoadCookieFile(path string) ([]*http.Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cookie file: %w", err)
	}
	defer f.Close()

	var cookies []*http.Cookie
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		httpOnly := false
		if strings.HasPrefix(line, "#HttpOnly_") {
			line = strings.TrimPrefix(line, "#HttpOnly_")
			httpOnly = true
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("cookie file %s line %d: expected 7 tab-separated fields, got %d", path, lineNo, len(fields))
		}

		c := &http.Cookie{
			Domain:   strings.TrimPrefix(fields[0], "."),
			Path:     fields[2],
			Secure:   strings.EqualFold(fields[3], "TRUE"),
			Name:     fields[5],
			Value:    fields[6],
			HttpOnly: httpOnly,
		}
		if exp, err := strconv.ParseInt(fields[4], 10, 64); err == nil && exp > 0 {
			c.Expires = time.Unix(exp, 0)
		}
		cookies = append(cookies, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	return cookies, nil
}
