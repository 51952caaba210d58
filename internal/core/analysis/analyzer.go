package analysis

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// EntrypointFile is generated by the platform and excluded from analysis.
const EntrypointFile = "main.py"

// Risk is a single finding from the pre-deployment scan.
type Risk struct {
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Critical bool   `json:"critical"`
}

// Result is the verdict for a candidate source package. Validation
// failures are data on the result, not Go errors.
type Result struct {
	IsValid       bool     `json:"is_valid"`
	Errors        []string `json:"errors,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	DetectedRisks []Risk   `json:"detected_risks,omitempty"`

	// Located handler, populated when exactly one was found.
	HandlerClass  string `json:"handler_class,omitempty"`
	HandlerModule string `json:"handler_module,omitempty"`
}

// Patterns for the structural scan. The handler contract is a class
// extending FunctionHandler and carrying the @faas_handler marker.
var (
	markerRe   = regexp.MustCompile(`^\s*@faas_handler\b`)
	classRe    = regexp.MustCompile(`^\s*class\s+([A-Za-z_]\w*)\s*\(([^)]*)\)\s*:`)
	importRe   = regexp.MustCompile(`^\s*(?:import\s+([A-Za-z_][\w.]*)|from\s+([A-Za-z_][\w.]*)\s+import\b)`)
	shellRe    = regexp.MustCompile(`\b(subprocess\.\w+|os\.system|os\.popen|os\.exec\w*|os\.spawn\w*)\s*\(|(^|[^\w.])(eval|exec)\s*\(`)
	fileOpenRe = regexp.MustCompile(`\bopen\s*\([^)]*["'][rwax+b]*[wax][rwax+b]*["']`)
	spawnRe    = regexp.MustCompile(`\b(threading\.Thread|multiprocessing\.\w+|concurrent\.futures\.\w+|asyncio\.(?:create_task|ensure_future)|os\.fork)\s*\(`)

	identRe  = regexp.MustCompile(`^[A-Za-z_]\w*$`)
	moduleRe = regexp.MustCompile(`^[A-Za-z_]\w*(\.[A-Za-z_]\w*)*$`)
)

// forbiddenImports are low-level capabilities that invalidate a package:
// foreign-function interop, raw sockets and runtime reflection.
var forbiddenImports = map[string]string{
	"ctypes":    "foreign function interface",
	"cffi":      "foreign function interface",
	"socket":    "raw socket access",
	"importlib": "runtime import machinery",
	"inspect":   "runtime reflection",
}

type handlerCandidate struct {
	class  string
	module string
	file   string
	line   int
}

// Analyzer performs the static pre-deployment scan. It never executes
// candidate code.
type Analyzer struct {
	lg zerolog.Logger
}

func NewAnalyzer(lg zerolog.Logger) *Analyzer {
	return &Analyzer{lg: lg.With().Str("component", "static-analyzer").Logger()}
}

// Analyze scans every .py file under dir except the generated entrypoint.
// It returns an error only for unreadable or undecodable input; all
// validation outcomes are carried on the Result.
func (a *Analyzer) Analyze(dir string) (*Result, error) {
	res := &Result{}
	var handlers []handlerCandidate

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".py" {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		if rel == EntrypointFile {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read source file %s: %w", rel, err)
		}
		if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
			return fmt.Errorf("source file %s is not parsable text", rel)
		}

		found, err := a.scanFile(rel, data, res)
		if err != nil {
			return err
		}
		handlers = append(handlers, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch len(handlers) {
	case 0:
		res.Errors = append(res.Errors, "no handler class found: expected exactly one @faas_handler class extending FunctionHandler")
	case 1:
		res.HandlerClass = handlers[0].class
		res.HandlerModule = handlers[0].module
	default:
		names := make([]string, len(handlers))
		for i, h := range handlers {
			names[i] = fmt.Sprintf("%s (%s:%d)", h.class, h.file, h.line)
		}
		res.Errors = append(res.Errors, "multiple handler classes found: "+strings.Join(names, ", "))
	}

	critical := false
	for _, r := range res.DetectedRisks {
		if r.Critical {
			critical = true
			res.Errors = append(res.Errors, fmt.Sprintf("critical risk: %s at %s:%d", r.Detail, r.File, r.Line))
		}
	}
	res.IsValid = len(handlers) == 1 && !critical

	a.lg.Debug().
		Bool("valid", res.IsValid).
		Int("risks", len(res.DetectedRisks)).
		Int("warnings", len(res.Warnings)).
		Msg("package analyzed")
	return res, nil
}

func (a *Analyzer) scanFile(rel string, data []byte, res *Result) ([]handlerCandidate, error) {
	var handlers []handlerCandidate
	module := modulePath(rel)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineNo := 0
	markerPending := false
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if m := classRe.FindStringSubmatch(line); m != nil {
			if markerPending && baseListContains(m[2], "FunctionHandler") {
				handlers = append(handlers, handlerCandidate{class: m[1], module: module, file: rel, line: lineNo})
			}
			markerPending = false
			continue
		}
		if markerRe.MatchString(line) {
			markerPending = true
			continue
		}
		// Decorators other than the marker may sit between the marker
		// and the class statement.
		if !strings.HasPrefix(trimmed, "@") {
			markerPending = false
		}

		if m := importRe.FindStringSubmatch(line); m != nil {
			name := m[1]
			if name == "" {
				name = m[2]
			}
			root := strings.SplitN(name, ".", 2)[0]
			if detail, bad := forbiddenImports[root]; bad {
				res.DetectedRisks = append(res.DetectedRisks, Risk{
					Kind:     "forbidden-import",
					Detail:   fmt.Sprintf("import of %q (%s)", root, detail),
					File:     rel,
					Line:     lineNo,
					Critical: true,
				})
			}
		}
		if m := shellRe.FindString(line); m != "" {
			res.DetectedRisks = append(res.DetectedRisks, Risk{
				Kind:     "shell-execution",
				Detail:   fmt.Sprintf("process or shell execution %q", strings.TrimSpace(m)),
				File:     rel,
				Line:     lineNo,
				Critical: true,
			})
		}
		if fileOpenRe.MatchString(line) {
			res.DetectedRisks = append(res.DetectedRisks, Risk{
				Kind:   "file-write",
				Detail: "file opened for writing",
				File:   rel,
				Line:   lineNo,
			})
			res.Warnings = append(res.Warnings, fmt.Sprintf("file write at %s:%d", rel, lineNo))
		}
		if m := spawnRe.FindStringSubmatch(line); m != nil {
			res.DetectedRisks = append(res.DetectedRisks, Risk{
				Kind:   "task-spawn",
				Detail: fmt.Sprintf("concurrent task spawn %q", m[1]),
				File:   rel,
				Line:   lineNo,
			})
			res.Warnings = append(res.Warnings, fmt.Sprintf("concurrent task spawn at %s:%d", rel, lineNo))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan source file %s: %w", rel, err)
	}
	return handlers, nil
}

// modulePath converts a package-relative file path to the dotted module
// the entrypoint imports from, so nested handlers stay importable.
func modulePath(rel string) string {
	trimmed := strings.TrimSuffix(filepath.ToSlash(rel), ".py")
	return strings.ReplaceAll(trimmed, "/", ".")
}

func baseListContains(bases, want string) bool {
	for _, b := range strings.Split(bases, ",") {
		b = strings.TrimSpace(b)
		// Accept both bare and qualified base names.
		if b == want || strings.HasSuffix(b, "."+want) {
			return true
		}
	}
	return false
}
