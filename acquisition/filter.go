package acquisition

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ecpds/master/script"
)

const (
	SymlinkFollow = "follow"
	SymlinkIgnore = "ignore"
)

type comparison struct {
	op    string
	value int64
}

func (c comparison) match(actual int64) bool {
	switch c.op {
	case OpEqual, "=":
		return actual == c.value
	case OpNotEqual:
		return actual != c.value
	case OpGreaterEqual:
		return actual >= c.value
	case OpLessEqual:
		return actual <= c.value
	case OpGreater:
		return actual > c.value
	case OpLess:
		return actual < c.value
	}
	return false
}

// Selector applies the filters of one spec line to listing entries.
type Selector struct {
	line      *Line
	evaluator script.Evaluator
	symlink   string
	sizes     []comparison
	ages      []comparison
	requeueOn string
	lang      string
}

// NewSelector validates the filter options of line. evaluator runs
// the requeueon rule and may be nil when the line has none.
func NewSelector(line *Line, evaluator script.Evaluator) (*Selector, error) {
	selector := &Selector{
		line:      line,
		evaluator: evaluator,
		symlink:   line.Get("symlink", SymlinkFollow),
		requeueOn: line.Get("requeueon", ""),
		lang:      line.Get("lang", script.LangJavaScript),
	}
	if selector.symlink != SymlinkFollow && selector.symlink != SymlinkIgnore {
		return nil, fmt.Errorf("Invalid symlink option %q", selector.symlink)
	}
	for _, option := range line.Options {
		switch option.Name {
		case "size":
			size, err := humanize.ParseBytes(option.Value)
			if err != nil {
				return nil, fmt.Errorf("Invalid size filter %q: %v", option.Value, err)
			}
			selector.sizes = append(selector.sizes, comparison{op: option.Op, value: int64(size)})
		case "age":
			age, err := ParseDelta(option.Value)
			if err != nil {
				return nil, fmt.Errorf("Invalid age filter: %v", err)
			}
			selector.ages = append(selector.ages, comparison{op: option.Op, value: int64(age)})
		}
	}
	if selector.requeueOn != "" && evaluator == nil {
		return nil, fmt.Errorf("requeueon needs a script evaluator")
	}
	return selector, nil
}

// Accept returns true if the entry is a file matching the pattern
// and every size and age filter.
func (selector *Selector) Accept(entry *Entry, now time.Time) bool {
	if entry.Directory {
		return false
	}
	if entry.Symlink && selector.symlink == SymlinkIgnore {
		return false
	}
	if !selector.line.Pattern.MatchString(entry.Name) {
		return false
	}
	for _, size := range selector.sizes {
		if !size.match(entry.Size) {
			return false
		}
	}
	age := int64(now.Sub(entry.Time))
	for _, maxAge := range selector.ages {
		if !maxAge.match(age) {
			return false
		}
	}
	return true
}

// CanRequeue returns true if the line has a requeueon rule.
func (selector *Selector) CanRequeue() bool {
	return selector.requeueOn != ""
}

// Requeue evaluates the requeueon rule for an entry that was already
// registered with previousSize and previousTime. Times are bound as
// Unix seconds.
func (selector *Selector) Requeue(entry *Entry, previousSize int64, previousTime time.Time) (bool, error) {
	if !selector.CanRequeue() {
		return false, nil
	}
	bindings := map[string]interface{}{
		"previousSize": previousSize,
		"size":         entry.Size,
		"previousTime": previousTime.Unix(),
		"time":         entry.Time.Unix(),
	}
	result, err := selector.evaluator.Exec(selector.lang, bindings, selector.requeueOn)
	if err != nil {
		return false, fmt.Errorf("Rule %q: %v", selector.requeueOn, err)
	}
	return script.IsTrue(result), nil
}
