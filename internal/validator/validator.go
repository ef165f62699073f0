// Package validator implements the two-stage strategy-code validator:
// a security pass (forbidden imports/builtins/attributes), a compliance
// pass (the `strategy()` entry-point shape), and metadata extraction
// (get_bar_data call fingerprints) used to drive validation-mode sizing
// and alert-scope registration.
//
// The strategy dialect is syntactically Python (SPEC_FULL.md §6), but
// this repo's sandbox (internal/sandbox) executes it as Starlark, whose
// grammar reserves (but does not implement) Python's `import`/`from`
// keywords. Import statements are therefore recognized and stripped by
// a raw-text pre-pass before the remainder of the source is handed to
// Starlark's own parser for the structural AST walk — see DESIGN.md's
// C5 entry for why this split is the right shape for a Starlark-backed
// sandbox rather than a deviation from the spec's Python-literal
// examples.
package validator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.starlark.net/syntax"
)

// ErrSecurityViolation and ErrStrategyNonCompliant are the two failure
// kinds a validation pass can raise; Err is always wrapped with a
// human-readable detail message.
var (
	ErrSecurityViolation   = fmt.Errorf("validator: security violation")
	ErrStrategyNonCompliant = fmt.Errorf("validator: strategy is not compliant")
)

// SecurityError reports a forbidden import/builtin/attribute/pattern.
type SecurityError struct{ Detail string }

func (e *SecurityError) Error() string { return fmt.Sprintf("security violation: %s", e.Detail) }
func (e *SecurityError) Unwrap() error { return ErrSecurityViolation }

// ComplianceError reports a `strategy()` shape violation.
type ComplianceError struct{ Detail string }

func (e *ComplianceError) Error() string { return fmt.Sprintf("strategy compliance: %s", e.Detail) }
func (e *ComplianceError) Unwrap() error { return ErrStrategyNonCompliant }

// allowedModules is the strict whitelist of safe data/compute modules,
// and forbiddenModules the exhaustive deny list; both translated
// verbatim from original_source/services/worker/src/validator.py
// (SPEC_FULL.md §12).
var allowedModules = map[string]bool{
	"pandas": true, "numpy": true, "math": true, "statistics": true, "random": true,
	"datetime": true, "time": true, "decimal": true, "fractions": true, "collections": true,
	"itertools": true, "functools": true, "operator": true, "copy": true, "json": true, "re": true,
	"string": true, "textwrap": true, "calendar": true, "bisect": true, "heapq": true, "array": true,
	"typing": true, "plotly": true,
}

var forbiddenModules = map[string]bool{
	"os": true, "sys": true, "platform": true, "ctypes": true, "winreg": true, "msvcrt": true,
	"nt": true, "posix": true, "pwd": true, "grp": true,
	"subprocess": true, "threading": true, "multiprocessing": true, "_thread": true, "concurrent": true,
	"asyncio": true, "queue": true, "sched": true, "signal": true, "resource": true, "mmap": true,
	"socket": true, "urllib": true, "requests": true, "http": true, "ftplib": true, "smtplib": true,
	"telnetlib": true, "nntplib": true, "poplib": true, "imaplib": true, "ssl": true, "selectors": true,
	"socketserver": true,
	"pickle": true, "marshal": true, "shelve": true, "dbm": true, "sqlite3": true, "csv": true,
	"configparser": true, "tempfile": true, "shutil": true, "glob": true, "fnmatch": true,
	"linecache": true, "fileinput": true, "pathlib": true,
	"code": true, "codeop": true, "ast": true, "dis": true, "inspect": true, "types": true,
	"importlib": true, "pkgutil": true, "modulefinder": true, "runpy": true, "zipimport": true,
	"hashlib": true, "hmac": true, "secrets": true, "uuid": true, "crypt": true, "getpass": true,
	"keyring": true,
	"pty": true, "tty": true, "pipes": true, "popen2": true, "commands": true, "distutils": true,
	"ensurepip": true,
	"pdb": true, "trace": true, "traceback": true, "warnings": true, "gc": true, "weakref": true,
	"profile": true, "cProfile": true, "timeit": true, "doctest": true, "unittest": true,
	"logging": true, "argparse": true, "optparse": true,
	"xml": true, "html": true, "email": true, "mailbox": true, "mimetypes": true, "base64": true,
	"binhex": true, "binascii": true, "quopri": true, "uu": true, "zlib": true, "gzip": true,
	"bz2": true, "lzma": true, "zipfile": true, "tarfile": true,
	"webbrowser": true, "cgi": true, "cgitb": true, "wsgiref": true, "xmlrpc": true, "urllib3": true,
	"tkinter": true, "turtle": true, "cmd": true, "shlex": true, "readline": true, "rlcompleter": true,
	"mysql": true, "psycopg2": true, "pymongo": true, "redis": true, "sqlalchemy": true,
	"flask": true, "django": true, "tornado": true, "twisted": true, "paramiko": true, "fabric": true,
}

var moduleAliases = map[string]string{
	"pd": "pandas", "np": "numpy", "px": "plotly",
	"graph_objects": "plotly", "express": "plotly", "subplots": "plotly", "make_subplots": "plotly",
}

// forbiddenCalls mirrors validator.py's forbidden_functions: reflection,
// filesystem, and system-control builtins. Many of these don't exist in
// Starlark's builtin surface at all (exec, eval, compile, open, input,
// __import__); they're still rejected here so the error message is a
// helpful SecurityError rather than an opaque Starlark NameError.
var forbiddenCalls = map[string]bool{
	"exec": true, "eval": true, "compile": true, "__import__": true, "breakpoint": true,
	"open": true, "file": true, "input": true, "raw_input": true,
	"globals": true, "locals": true, "vars": true, "dir": true, "delattr": true, "setattr": true,
	"hasattr": true, "getattr": true,
	"exit": true, "quit": true, "help": true, "copyright": true, "credits": true, "license": true,
	"memoryview": true, "bytearray": true, "callable": true, "classmethod": true, "staticmethod": true,
	"property": true, "super": true, "isinstance": true, "issubclass": true, "iter": true, "next": true,
	"id": true, "hash": true, "repr": true, "ascii": true, "bin": true, "hex": true, "oct": true,
}

// forbiddenAttrs mirrors validator.py's forbidden_attributes.
var forbiddenAttrs = map[string]bool{
	"__globals__": true, "__locals__": true, "__code__": true, "__dict__": true, "__class__": true,
	"__bases__": true, "__mro__": true, "__subclasses__": true, "__module__": true, "__file__": true,
	"__name__": true, "__doc__": true, "__annotations__": true, "__qualname__": true,
	"__closure__": true, "__defaults__": true, "__kwdefaults__": true, "__builtins__": true,
	"__import__": true, "__cached__": true, "__spec__": true, "__package__": true, "__loader__": true,
	"__path__": true, "__all__": true, "__version__": true,
	"func_globals": true, "func_code": true, "func_closure": true, "func_defaults": true,
	"func_dict": true, "im_func": true, "im_self": true, "im_class": true, "gi_frame": true,
	"gi_code": true, "cr_frame": true, "cr_code": true,
	"__new__": true, "__init__": true, "__del__": true, "__repr__": true, "__str__": true,
	"__bytes__": true, "__hash__": true, "__getattribute__": true, "__getattr__": true,
	"__setattr__": true, "__delattr__": true, "__dir__": true, "__get__": true, "__set__": true,
	"__delete__": true, "__slots__": true,
	"__reduce__": true, "__reduce_ex__": true, "__getstate__": true, "__setstate__": true,
	"__getnewargs__": true, "__sizeof__": true, "__format__": true, "__subclasshook__": true,
	"__instancecheck__": true, "__subclasscheck__": true, "__call__": true, "__enter__": true,
	"__exit__": true,
}

var reservedGlobalNames = map[string]bool{
	"pd": true, "pandas": true, "np": true, "numpy": true, "datetime": true, "timedelta": true,
	"math": true, "get_bar_data": true, "get_general_data": true,
}

// legacyNames are rejected explicitly with a helpful message: names from
// an older, now-unsupported strategy shape.
func isLegacyName(name string) bool {
	return name == "classify_symbol" || strings.HasPrefix(name, "run_")
}

var dynamicImportPattern = regexp.MustCompile(`__import__\s*\(\s*["'](os|sys)["']`)
var importLinePattern = regexp.MustCompile(`^\s*import\s+([A-Za-z_][A-Za-z0-9_.]*)(\s+as\s+[A-Za-z_][A-Za-z0-9_]*)?\s*$`)
var fromImportLinePattern = regexp.MustCompile(`^\s*from\s+([A-Za-z_][A-Za-z0-9_.]*)\s+import\s+`)

// GetBarDataCall is the per-call metadata SPEC_FULL.md §3 describes.
type GetBarDataCall struct {
	LineNumber     int
	Timeframe      string
	MinBars        int
	HasTickers     bool
	SpecificTickers []string
}

// Metadata is everything derived from the extracted get_bar_data calls.
type Metadata struct {
	Calls              []GetBarDataCall
	MinTimeframe       string
	MaxTimeframe       string
	MaxTimeframeMinBars int
	AlertUniverseFull  []string // nil means "global" (some call omitted tickers)
}

// Result is the outcome of a successful validation pass.
type Result struct {
	Metadata Metadata

	// Stripped is the source with recognized import lines blanked out
	// by rawTextPass — the form Starlark's parser can actually read.
	// Callers that go on to execute the code (internal/engine) must
	// run this form, not the original code, in internal/sandbox.
	Stripped string
}

// rawTextPass scans raw source lines (skipping comments and triple-quoted
// docstrings) for import statements and the string-assembled dynamic
// import pattern. Returns the source with recognized import lines
// blanked out (so Starlark's parser, which reserves but does not
// implement `import`, can still parse the remainder) and an error if a
// forbidden module or dynamic-import pattern is found.
func rawTextPass(code string) (string, error) {
	lines := strings.Split(code, "\n")
	inDocstring := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if inDocstring {
			if strings.Contains(trimmed, `"""`) || strings.Contains(trimmed, "'''") {
				inDocstring = false
			}
			continue
		}
		if strings.HasPrefix(trimmed, `"""`) || strings.HasPrefix(trimmed, "'''") {
			// A docstring that doesn't close on the same line.
			rest := trimmed[3:]
			if !strings.Contains(rest, `"""`) && !strings.Contains(rest, "'''") {
				inDocstring = true
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") || trimmed == "" {
			continue
		}
		if dynamicImportPattern.MatchString(line) {
			return "", &SecurityError{Detail: "dynamic import via __import__ is forbidden"}
		}

		var module string
		if m := importLinePattern.FindStringSubmatch(trimmed); m != nil {
			module = m[1]
		} else if m := fromImportLinePattern.FindStringSubmatch(trimmed); m != nil {
			module = m[1]
		} else {
			continue
		}

		canonical := normalizeModuleName(module)
		if forbiddenModules[canonical] {
			return "", &SecurityError{Detail: fmt.Sprintf("import of forbidden module: %s", module)}
		}
		if !allowedModules[canonical] {
			return "", &SecurityError{Detail: fmt.Sprintf("import of unrecognized module: %s", module)}
		}
		// Recognized-safe import: the sandbox predeclares these names
		// directly (pandas/numpy/math/datetime/...), so the import line
		// itself is inert bookkeeping. Blank it so line numbers in the
		// remaining source (and in error reports) are preserved.
		lines[i] = ""
	}
	return strings.Join(lines, "\n"), nil
}

func normalizeModuleName(name string) string {
	root := strings.SplitN(name, ".", 2)[0]
	if canon, ok := moduleAliases[root]; ok {
		return canon
	}
	return root
}

// Validate runs both stages plus metadata extraction. On success it
// returns the extracted Metadata; otherwise a *SecurityError or
// *ComplianceError.
func Validate(code string) (Result, error) {
	if strings.TrimSpace(code) == "" {
		return Result{}, &ComplianceError{Detail: "code cannot be empty"}
	}

	stripped, err := rawTextPass(code)
	if err != nil {
		return Result{}, err
	}

	file, err := syntax.Parse("<strategy>", stripped, 0)
	if err != nil {
		return Result{}, &ComplianceError{Detail: fmt.Sprintf("syntax error: %v", err)}
	}

	var securityErr error
	var strategyDefs []*syntax.DefStmt
	var calls []GetBarDataCall

	syntax.Walk(file, func(n syntax.Node) bool {
		if securityErr != nil {
			return false
		}
		switch node := n.(type) {
		case *syntax.CallExpr:
			if name, ok := callTargetName(node.Fn); ok {
				if forbiddenCalls[name] {
					securityErr = &SecurityError{Detail: fmt.Sprintf("forbidden built-in call: %s", name)}
					return false
				}
				if name == "get_bar_data" {
					calls = append(calls, extractGetBarDataCall(node))
				}
			}
		case *syntax.DotExpr:
			if forbiddenAttrs[node.Name.Name] {
				securityErr = &SecurityError{Detail: fmt.Sprintf("forbidden attribute access: %s", node.Name.Name)}
				return false
			}
		case *syntax.DefStmt:
			name := node.Name.Name
			if isLegacyName(name) {
				securityErr = &ComplianceError{Detail: fmt.Sprintf("legacy strategy name is no longer supported: %s", name)}
				return false
			}
			if reservedGlobalNames[name] {
				securityErr = &SecurityError{Detail: fmt.Sprintf("function name shadows a reserved accessor/library name: %s", name)}
				return false
			}
			if name == "strategy" {
				strategyDefs = append(strategyDefs, node)
			}
		}
		return true
	})
	if securityErr != nil {
		return Result{}, securityErr
	}

	if err := checkCompliance(strategyDefs); err != nil {
		return Result{}, err
	}

	return Result{Metadata: buildMetadata(calls), Stripped: stripped}, nil
}

func callTargetName(fn syntax.Expr) (string, bool) {
	switch f := fn.(type) {
	case *syntax.Ident:
		return f.Name, true
	case *syntax.DotExpr:
		return f.Name.Name, true
	}
	return "", false
}

func checkCompliance(defs []*syntax.DefStmt) error {
	if len(defs) == 0 {
		return &ComplianceError{Detail: "no top-level function named 'strategy' found"}
	}
	if len(defs) > 1 {
		return &ComplianceError{Detail: "exactly one function named 'strategy' is required"}
	}
	def := defs[0]
	if len(def.Params) != 0 {
		return &ComplianceError{Detail: fmt.Sprintf("strategy() must take zero parameters, found %d", len(def.Params))}
	}

	hasValueReturn := false
	syntax.Walk(&syntax.File{Stmts: def.Body}, func(n syntax.Node) bool {
		if ret, ok := n.(*syntax.ReturnStmt); ok {
			if ret.Result != nil && !isNoneLiteral(ret.Result) {
				hasValueReturn = true
			}
		}
		return true
	})
	if !hasValueReturn {
		return &ComplianceError{Detail: "strategy() must contain at least one return statement that returns a value"}
	}
	return nil
}

func isNoneLiteral(e syntax.Expr) bool {
	id, ok := e.(*syntax.Ident)
	return ok && id.Name == "None"
}

// extractGetBarDataCall pulls timeframe (positional 0 / kw timeframe),
// min_bars (positional 2 / kw min_bars), and ticker filters (kw filters,
// if a dict literal) from one get_bar_data call node.
func extractGetBarDataCall(call *syntax.CallExpr) GetBarDataCall {
	out := GetBarDataCall{Timeframe: "1d", MinBars: 1}
	start, _ := call.Span()
	out.LineNumber = int(start.Line)

	pos := 0
	for _, arg := range call.Args {
		if bin, ok := arg.(*syntax.BinaryExpr); ok && bin.Op == syntax.EQ {
			kwName, _ := bin.X.(*syntax.Ident)
			if kwName == nil {
				continue
			}
			switch kwName.Name {
			case "timeframe":
				if s, ok := stringLiteral(bin.Y); ok {
					out.Timeframe = s
				}
			case "min_bars":
				if n, ok := intLiteral(bin.Y); ok {
					out.MinBars = n
				}
			case "filters":
				out.HasTickers, out.SpecificTickers = extractFilterTickers(bin.Y)
			}
			continue
		}
		switch pos {
		case 0:
			if s, ok := stringLiteral(arg); ok {
				out.Timeframe = s
			}
		case 2:
			if n, ok := intLiteral(arg); ok {
				out.MinBars = n
			}
		}
		pos++
	}
	return out
}

func extractFilterTickers(e syntax.Expr) (bool, []string) {
	dict, ok := e.(*syntax.DictExpr)
	if !ok {
		return false, nil
	}
	var tickers []string
	found := false
	for _, entryExpr := range dict.List {
		entry, ok := entryExpr.(*syntax.DictEntry)
		if !ok {
			continue
		}
		key, ok := stringLiteral(entry.Key)
		if !ok || (key != "tickers" && key != "ticker") {
			continue
		}
		found = true
		switch v := entry.Value.(type) {
		case *syntax.ListExpr:
			for _, el := range v.List {
				if s, ok := stringLiteral(el); ok {
					tickers = append(tickers, strings.ToUpper(s))
				}
			}
		default:
			if s, ok := stringLiteral(entry.Value); ok {
				tickers = append(tickers, strings.ToUpper(s))
			}
		}
	}
	return found, tickers
}

func stringLiteral(e syntax.Expr) (string, bool) {
	lit, ok := e.(*syntax.Literal)
	if !ok {
		return "", false
	}
	s, ok := lit.Value.(string)
	return s, ok
}

func intLiteral(e syntax.Expr) (int, bool) {
	lit, ok := e.(*syntax.Literal)
	if !ok {
		return 0, false
	}
	switch v := lit.Value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	if n, err := strconv.Atoi(lit.Raw); err == nil {
		return n, true
	}
	return 0, false
}

func buildMetadata(calls []GetBarDataCall) Metadata {
	md := Metadata{Calls: calls, MinTimeframe: "1d", MaxTimeframe: "1d"}
	if len(calls) == 0 {
		return md
	}

	tickerSeen := map[string]bool{}
	universe := []string{}
	anyGlobal := false

	var minDur, maxDur float64
	minDur = -1
	for _, c := range calls {
		dur := timeframeOrderKey(c.Timeframe)
		if minDur < 0 || dur < minDur {
			minDur = dur
			md.MinTimeframe = c.Timeframe
		}
		if dur > maxDur {
			maxDur = dur
			md.MaxTimeframe = c.Timeframe
			md.MaxTimeframeMinBars = c.MinBars
		}
		if !c.HasTickers {
			anyGlobal = true
		}
		for _, t := range c.SpecificTickers {
			if !tickerSeen[t] {
				tickerSeen[t] = true
				universe = append(universe, t)
			}
		}
	}
	if anyGlobal {
		md.AlertUniverseFull = nil
	} else {
		md.AlertUniverseFull = universe
	}
	return md
}

// timeframeOrderKey gives a rough duration-ordering key for comparing
// timeframe strings without importing internal/timeframe here (keeps
// this package's only dependency the Starlark parser, per C5's scope);
// unparsable timeframes sort as daily.
func timeframeOrderKey(tf string) float64 {
	tf = strings.TrimSpace(tf)
	if tf == "" {
		return 24 * 60
	}
	i := 0
	for i < len(tf) && tf[i] >= '0' && tf[i] <= '9' {
		i++
	}
	if i == 0 {
		return 24 * 60
	}
	n, _ := strconv.Atoi(tf[:i])
	unit := tf[i:]
	switch unit {
	case "", "m":
		return float64(n)
	case "h":
		return float64(n) * 60
	case "d":
		return float64(n) * 60 * 24
	case "w":
		return float64(n) * 60 * 24 * 7
	case "mo":
		return float64(n) * 60 * 24 * 30
	case "q":
		return float64(n) * 60 * 24 * 91
	case "y":
		return float64(n) * 60 * 24 * 365
	}
	return 60 * 24
}
