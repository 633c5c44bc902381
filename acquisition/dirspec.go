// Package acquisition discovers new files on acquisition hosts. A
// host carries a directory spec, one line per directory to watch:
//
//	[dateformat=yyyyMMdd;datedelta=-24h;size>=1024] /data/$date/out {.*\.grib}
//
// The options in brackets are optional, as is the file name pattern
// in braces. Each line is listed through a mover and the entries that
// pass its filters are registered as new requests.
package acquisition

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const DefaultDateFormat = "yyyyMMdd"

// Filter operators.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpGreater      = ">>"
	OpLess         = "<<"
)

var optionPattern = regexp.MustCompile(`^\s*([A-Za-z][\w.]*)\s*(==|!=|>=|<=|>>|<<|=)\s*(.*?)\s*$`)

// Option is one bracketed option. Op is "=" for plain settings.
type Option struct {
	Name  string
	Op    string
	Value string
}

// Line is one parsed directory spec line.
type Line struct {
	Raw     string
	Options []Option
	Path    string
	Pattern *regexp.Regexp
}

// ParseDirSpec parses a whole directory spec. Empty lines and lines
// starting with # are skipped.
func ParseDirSpec(spec string) ([]*Line, error) {
	lines := make([]*Line, 0)
	scanner := bufio.NewScanner(strings.NewReader(spec))
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		line, err := ParseLine(text)
		if err != nil {
			return nil, fmt.Errorf("Line %d: %v", lineNumber, err)
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// ParseLine parses "[options] path {pattern}".
func ParseLine(text string) (*Line, error) {
	line := &Line{Raw: text, Options: make([]Option, 0)}
	rest := strings.TrimSpace(text)
	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return nil, fmt.Errorf("Unterminated options in %q", text)
		}
		options, err := parseOptions(rest[1:end])
		if err != nil {
			return nil, err
		}
		line.Options = options
		rest = strings.TrimSpace(rest[end+1:])
	}
	pattern := ".*"
	if strings.HasSuffix(rest, "}") {
		start := strings.LastIndex(rest, "{")
		if start < 0 {
			return nil, fmt.Errorf("Unbalanced pattern in %q", text)
		}
		pattern = rest[start+1 : len(rest)-1]
		rest = strings.TrimSpace(rest[:start])
	}
	if rest == "" {
		return nil, fmt.Errorf("No directory in %q", text)
	}
	compiled, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("Invalid pattern %q: %v", pattern, err)
	}
	line.Path = rest
	line.Pattern = compiled
	return line, nil
}

func parseOptions(text string) ([]Option, error) {
	options := make([]Option, 0)
	for _, token := range strings.FieldsFunc(text, func(r rune) bool { return r == ';' || r == ',' }) {
		if strings.TrimSpace(token) == "" {
			continue
		}
		match := optionPattern.FindStringSubmatch(token)
		if match == nil {
			return nil, fmt.Errorf("Invalid option %q", token)
		}
		options = append(options, Option{
			Name:  strings.ToLower(match[1]),
			Op:    match[2],
			Value: strings.Trim(match[3], `"'`),
		})
	}
	return options, nil
}

// Get returns the value of a plain option, or defaultValue.
func (line *Line) Get(name, defaultValue string) string {
	for _, option := range line.Options {
		if option.Name == name {
			return option.Value
		}
	}
	return defaultValue
}

// GetInt returns the integer value of an option, or defaultValue.
func (line *Line) GetInt(name string, defaultValue int) int {
	value, err := strconv.Atoi(line.Get(name, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// ResolvePath substitutes $date in the path with now shifted by the
// datedelta option and formatted with dateformat.
func (line *Line) ResolvePath(now time.Time) (string, error) {
	if !strings.Contains(line.Path, "$date") {
		return line.Path, nil
	}
	delta, err := ParseDelta(line.Get("datedelta", ""))
	if err != nil {
		return "", err
	}
	layout := JavaLayout(line.Get("dateformat", DefaultDateFormat))
	return strings.Replace(line.Path, "$date", now.Add(delta).Format(layout), -1), nil
}

// ParseDelta parses a Go duration, also accepting a day suffix
// ("-1d").
func ParseDelta(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	if strings.HasSuffix(value, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
		if err != nil {
			return 0, fmt.Errorf("Invalid date delta %q", value)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	delta, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("Invalid date delta %q: %v", value, err)
	}
	return delta, nil
}

// Java date pattern letters and their Go layout, longest first.
var javaLayouts = []struct {
	java string
	gol  string
}{
	{"yyyy", "2006"},
	{"yy", "06"},
	{"MMMM", "January"},
	{"MMM", "Jan"},
	{"MM", "01"},
	{"dd", "02"},
	{"DDD", "002"},
	{"HH", "15"},
	{"hh", "03"},
	{"mm", "04"},
	{"ss", "05"},
	{"SSS", "000"},
	{"EEE", "Mon"},
	{"a", "PM"},
}

// JavaLayout translates a Java SimpleDateFormat pattern into a Go
// time layout. Text between single quotes is copied as is.
func JavaLayout(pattern string) string {
	var layout strings.Builder
	quoted := false
	for i := 0; i < len(pattern); {
		if pattern[i] == '\'' {
			quoted = !quoted
			i++
			continue
		}
		if !quoted {
			matched := false
			for _, translation := range javaLayouts {
				if strings.HasPrefix(pattern[i:], translation.java) {
					layout.WriteString(translation.gol)
					i += len(translation.java)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
		}
		layout.WriteByte(pattern[i])
		i++
	}
	return layout.String()
}
