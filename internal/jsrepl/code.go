package jsrepl

import (
	"errors"
	"regexp"
	"strings"
)

// Top-level const/let would be re-declared by the next cell and would not be
// visible as globals, so they are rewritten to var.
var topLevelDecl = regexp.MustCompile(`(?m)^(const|let)(\s+)`)

func hoistDeclarations(code string) string {
	return topLevelDecl.ReplaceAllString(code, "var$2")
}

func lastStatement(code string) string {
	lines := strings.Split(strings.TrimSpace(code), "\n")
	if len(lines) == 0 {
		return ""
	}
	lastLine := strings.TrimSpace(lines[len(lines)-1])
	if strings.Contains(lastLine, ";") {
		parts := strings.Split(lastLine, ";")
		for i := len(parts) - 1; i >= 0; i-- {
			if trimmed := strings.TrimSpace(parts[i]); trimmed != "" {
				return trimmed
			}
		}
	}
	return lastLine
}

func looksLikeExpression(line string) bool {
	if line == "" || strings.HasSuffix(line, "}") {
		return false
	}
	keywords := []string{"var ", "const ", "let ", "function ", "if ", "for ", "while ", "class ", "return ", "//"}
	for _, keyword := range keywords {
		if strings.HasPrefix(line, keyword) {
			return false
		}
	}
	// assignment, but not a comparison
	stripped := strings.NewReplacer("===", "", "!==", "", "==", "", "!=", "", "<=", "", ">=", "", "=>", "").Replace(line)
	return !strings.Contains(stripped, "=")
}

// NewRegexHelper returns the `re` object available to sandboxed code.
func NewRegexHelper() map[string]interface{} {
	return map[string]interface{}{
		"findall": func(pattern string, text string) []string {
			re, err := regexpFromPattern(pattern)
			if err != nil {
				return []string{}
			}
			matches := re.FindAllStringSubmatch(text, -1)
			out := make([]string, 0, len(matches))
			for _, m := range matches {
				// like Python: the first group when the pattern has one
				if len(m) > 1 {
					out = append(out, m[1])
				} else {
					out = append(out, m[0])
				}
			}
			return out
		},
		"search": func(pattern string, text string) string {
			re, err := regexpFromPattern(pattern)
			if err != nil {
				return ""
			}
			return re.FindString(text)
		},
		"split": func(pattern string, text string) []string {
			re, err := regexpFromPattern(pattern)
			if err != nil {
				return []string{text}
			}
			return re.Split(text, -1)
		},
		"sub": func(pattern string, repl string, text string) string {
			re, err := regexpFromPattern(pattern)
			if err != nil {
				return text
			}
			return re.ReplaceAllString(text, repl)
		},
	}
}

func regexpFromPattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.New("invalid regex pattern")
	}
	return re, nil
}

const bootstrap = `
var json = {
  loads: (text) => JSON.parse(text),
  dumps: (value, replacer, space) => JSON.stringify(value, replacer, space),
};
var math = Math;
var datetime = Date;
var str = (value) => typeof value === "string" ? value : JSON.stringify(value);
var Counter = (iterable) => {
  const counts = {};
  if (iterable == null) {
    return counts;
  }
  const items = typeof iterable === "string" ? iterable.split("") : iterable;
  for (const item of items) {
    const key = String(item);
    counts[key] = (counts[key] || 0) + 1;
  }
  return counts;
};
var defaultdict = (defaultFactory) => new Proxy({}, {
  get(target, prop) {
    if (!(prop in target)) {
      target[prop] = typeof defaultFactory === "function" ? defaultFactory() : defaultFactory;
    }
    return target[prop];
  },
});
var range = (start, stop, step) => {
  if (stop === undefined) {
    stop = start;
    start = 0;
  }
  if (step === undefined) {
    step = 1;
  }
  if (step === 0) {
    return [];
  }
  const result = [];
  if (step > 0) {
    for (let i = start; i < stop; i += step) {
      result.push(i);
    }
  } else {
    for (let i = start; i > stop; i += step) {
      result.push(i);
    }
  }
  return result;
};
var sorted = (iterable, compareFn) => [...iterable].sort(compareFn);
var sum = (iterable) => (iterable || []).reduce((acc, value) => acc + Number(value), 0);
var min = (iterable) => Math.min(...iterable);
var max = (iterable) => Math.max(...iterable);
var enumerate = (iterable) => Array.from(iterable || []).map((value, index) => [index, value]);
var zip = (...iterables) => {
  const length = Math.min(...iterables.map((items) => items.length));
  const result = [];
  for (let i = 0; i < length; i++) {
    result.push(iterables.map((items) => items[i]));
  }
  return result;
};
var any = (iterable) => Array.from(iterable || []).some(Boolean);
var all = (iterable) => Array.from(iterable || []).every(Boolean);
var chunk = (text, size) => {
  const parts = [];
  for (let i = 0; i < text.length; i += size) {
    parts.push(text.slice(i, i + size));
  }
  return parts;
};
`
