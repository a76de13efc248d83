package template

import (
	"bufio"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

//go:embed templates
var builtinTemplates embed.FS

// TemplateLoadError means a template file could not be opened or compiled.
// Like ParseError, it is recoverable at the Session level for any phase
// other than "show version".
type TemplateLoadError struct {
	Name  string
	Cause error
}

func (e *TemplateLoadError) Error() string {
	return fmt.Sprintf("loading template %q: %v", e.Name, e.Cause)
}

func (e *TemplateLoadError) Unwrap() error { return e.Cause }

// Loader loads and caches compiled Templates by "<family>/<name>" key.
// Templates are read-only once loaded, so a loader may be shared across
// every worker's Session; Load holds a mutex only for the cache lookup and
// fill.
type Loader struct {
	fs   fsReader
	mu   sync.Mutex
	seen map[string]*Template
}

// fsReader is satisfied by embed.FS and by a plain os.DirFS for operators
// who want to override the built-in templates on disk.
type fsReader interface {
	ReadFile(name string) ([]byte, error)
}

// NewLoader returns a Loader backed by the templates embedded in the
// binary.
func NewLoader() *Loader {
	return &Loader{fs: builtinTemplates, seen: make(map[string]*Template)}
}

// NewLoaderFS returns a Loader backed by an arbitrary filesystem (e.g. an
// os.DirFS for operator-supplied overrides). Load reads
// "templates/<family>/<name>.tmpl" from it, so the filesystem is rooted at
// the directory that contains the templates/ tree.
func NewLoaderFS(fs fsReader) *Loader {
	return &Loader{fs: fs, seen: make(map[string]*Template)}
}

// Load returns the compiled template for the given device family ("ios" or
// "nxos") and command name ("version", "inventory", "cdp_neighbors_detail"),
// compiling and caching it on first use.
func (l *Loader) Load(family, name string) (*Template, error) {
	key := family + "/" + name

	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.seen[key]; ok {
		return t, nil
	}

	path := "templates/" + key + ".tmpl"
	data, err := l.fs.ReadFile(path)
	if err != nil {
		return nil, &TemplateLoadError{Name: key, Cause: err}
	}

	t, err := compile(key, string(data))
	if err != nil {
		return nil, &TemplateLoadError{Name: key, Cause: err}
	}

	l.seen[key] = t
	return t, nil
}

// compile parses a template file's line grammar:
//
//	# comments and blank lines are ignored
//	[+]FIELD  <regex with a (?P<FIELD>...) capture group>
//
// A leading "+" marks FIELD as a record-boundary field: when it is
// captured a second time, the in-progress record is flushed and a new one
// begun.
func compile(name, text string) (*Template, error) {
	t := &Template{name: name}

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		record := false
		if strings.HasPrefix(line, "+") {
			record = true
			line = line[1:]
		}

		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected \"FIELD regex\", got %q", lineNo, line)
		}
		field := fields[0]
		pattern := strings.TrimSpace(fields[1])

		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("line %d: compiling regex for %s: %w", lineNo, field, err)
		}
		if !hasNamedGroup(re, field) {
			return nil, fmt.Errorf("line %d: regex for %s has no (?P<%s>...) group", lineNo, field, field)
		}

		t.rules = append(t.rules, rule{field: field, record: record, re: re})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return t, nil
}

func hasNamedGroup(re *regexp.Regexp, name string) bool {
	for _, n := range re.SubexpNames() {
		if n == name {
			return true
		}
	}
	return false
}
