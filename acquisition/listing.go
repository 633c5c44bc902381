package acquisition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Entry is one line of a remote directory listing.
type Entry struct {
	Name      string
	Size      int64
	Time      time.Time
	Symlink   bool
	LinkTo    string
	Directory bool
}

// The date is either "Jan  2 15:04", "Jan  2  2006" or the long-iso
// "2006-01-02 15:04" written by the S3 proxy and GNU ls.
var listingPattern = regexp.MustCompile(
	`^([-dlbcps][-rwxsStT]{9}\S*)\s+\d+\s+\S+\s+\S+\s+(\d+)\s+` +
		`([A-Z][a-z]{2}\s+\d{1,2}\s+(?:\d{1,2}:\d{2}|\d{4})|\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2})\s+(.+)$`)

var spaces = regexp.MustCompile(`\s+`)

// ParseListLine parses one "ls -l" line. now resolves the year of
// recent entries, which ls prints without one.
func ParseListLine(line string, now time.Time) (*Entry, error) {
	match := listingPattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if match == nil {
		return nil, fmt.Errorf("Not a listing line: %q", line)
	}
	size, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("Invalid size in %q", line)
	}
	modified, err := parseListingTime(spaces.ReplaceAllString(match[3], " "), now)
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		Name:      match[4],
		Size:      size,
		Time:      modified,
		Symlink:   match[1][0] == 'l',
		Directory: match[1][0] == 'd',
	}
	if entry.Symlink {
		if arrow := strings.Index(entry.Name, " -> "); arrow >= 0 {
			entry.LinkTo = entry.Name[arrow+4:]
			entry.Name = entry.Name[:arrow]
		}
	}
	return entry, nil
}

func parseListingTime(value string, now time.Time) (time.Time, error) {
	now = now.UTC()
	if t, err := time.Parse("2006-01-02 15:04", value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("Jan 2 2006", value); err == nil {
		return t, nil
	}
	t, err := time.Parse("Jan 2 15:04", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("Invalid listing date %q", value)
	}
	// Without a year, ls means the last six months.
	t = t.AddDate(now.Year(), 0, 0)
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, nil
}

// ParseListing parses the lines of a listing, skipping the ones that
// are not entries ("total 12", blank lines, errors).
func ParseListing(lines []string, now time.Time) []*Entry {
	entries := make([]*Entry, 0, len(lines))
	for _, line := range lines {
		entry, err := ParseListLine(line, now)
		if err == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}
