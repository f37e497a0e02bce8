package rewrite

import (
	"regexp"
	"strings"
)

// Granularities accepted by every dialect, finest first.
var Granularities = []string{"minute", "hour", "day", "week", "month", "quarter", "year"}

const colMarker = "{col}"

// truncDialect renders and recognises date truncation expressions.
type truncDialect struct {
	templates map[string]string
	quote     func(string) string
	patterns  []*regexp.Regexp
}

func newTruncDialect(templates map[string]string, quote func(string) string) *truncDialect {
	d := &truncDialect{templates: templates, quote: quote}
	for _, g := range Granularities {
		d.patterns = append(d.patterns, templatePattern(templates[g]))
	}
	return d
}

// templatePattern compiles a template into a regexp capturing every column
// occurrence. Literal spaces in the template match any whitespace.
func templatePattern(tmpl string) *regexp.Regexp {
	parts := strings.Split(tmpl, colMarker)
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(regexp.QuoteMeta(p), " ", `\s*`)
	}
	return regexp.MustCompile(`(?is)^\s*` + strings.Join(parts, `(.+)`) + `\s*$`)
}

func (d *truncDialect) wrap(granularity, col string) string {
	return strings.ReplaceAll(d.templates[granularity], colMarker, col)
}

// unwrap returns the column inside a truncation expression produced by wrap
// for any granularity.
func (d *truncDialect) unwrap(expr string) (string, bool) {
	for _, re := range d.patterns {
		m := re.FindStringSubmatch(expr)
		if m == nil {
			continue
		}
		inner := strings.TrimSpace(m[1])
		same := true
		for _, other := range m[2:] {
			if strings.TrimSpace(other) != inner {
				same = false
			}
		}
		if same {
			return inner, true
		}
	}
	return "", false
}

var postgresTrunc = newTruncDialect(map[string]string{
	"minute":  "date_trunc('minute', {col})",
	"hour":    "date_trunc('hour', {col})",
	"day":     "date_trunc('day', {col})",
	"week":    "date_trunc('week', {col})",
	"month":   "date_trunc('month', {col})",
	"quarter": "date_trunc('quarter', {col})",
	"year":    "date_trunc('year', {col})",
}, func(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
})

var mysqlTrunc = newTruncDialect(map[string]string{
	"minute":  "DATE_FORMAT({col}, '%Y-%m-%d %H:%i:00')",
	"hour":    "DATE_FORMAT({col}, '%Y-%m-%d %H:00:00')",
	"day":     "DATE({col})",
	"week":    "DATE_SUB(DATE({col}), INTERVAL WEEKDAY({col}) DAY)",
	"month":   "DATE_FORMAT({col}, '%Y-%m-01')",
	"quarter": "(MAKEDATE(YEAR({col}), 1) + INTERVAL (QUARTER({col}) - 1) QUARTER)",
	"year":    "MAKEDATE(YEAR({col}), 1)",
}, func(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
})
