// Package template parses device command output into tabular records using
// named, regex-anchored templates — a small hand-rolled analogue of
// TextFSM (no Go port of TextFSM exists in the reference corpus this
// module was built from; see DESIGN.md).
package template

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
)

// Record is one parsed row, keyed by uppercase field name (e.g. PLATFORM,
// SERIAL, DEVICE_ID).
type Record map[string]string

// rule is one line of a template file: a regex that, when it matches a
// line of command output, captures Field's value from its named group.
// A record rule additionally marks the start of a new record: if the
// current record already has a value for this field, it is flushed before
// the new value is recorded.
type rule struct {
	field  string
	record bool
	re     *regexp.Regexp
}

// Template is a compiled, ordered list of rules for one command's output.
type Template struct {
	name  string
	rules []rule
}

// ParseError wraps a failure encountered while parsing command output
// against a Template. It is recoverable at the Session level: the
// affected phase yields no data instead of failing the whole Session
// (except "show version", which aborts the device outright).
type ParseError struct {
	Template string
	Cause    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s output: %v", e.Template, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ParseText runs output through the template's rules line by line and
// returns every completed record. A blank template (or output that never
// matches a record rule) yields zero records, never an error — an empty
// parse is a normal outcome the caller interprets (e.g. "no CDP
// neighbors").
func (t *Template) ParseText(output string) ([]Record, error) {
	var records []Record
	current := Record{}

	// A record is kept only if one of the template's record rules matched
	// into it; fields captured without one are discarded.
	flush := func() {
		for _, r := range t.rules {
			if r.record && current[r.field] != "" {
				records = append(records, current)
				break
			}
		}
		current = Record{}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	// Device banners and wide "show inventory" tables can produce long
	// lines; grow the scanner buffer well past bufio's 64KiB default.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		for _, r := range t.rules {
			m := r.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			value := namedSubmatch(r.re, m, r.field)

			if r.record && current[r.field] != "" {
				flush()
			}
			current[r.field] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Template: t.name, Cause: err}
	}
	flush()

	return records, nil
}

// namedSubmatch extracts the capture group named `field` from a regex
// match. Other named groups on the same line (useful for context, e.g.
// disambiguating which host an UPTIME line belongs to) are ignored.
func namedSubmatch(re *regexp.Regexp, match []string, field string) string {
	for i, name := range re.SubexpNames() {
		if name == field && i < len(match) {
			return match[i]
		}
	}
	return ""
}
