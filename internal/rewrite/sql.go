package rewrite

import (
	"fmt"
	"strings"
)

// clause keywords that end the select list or the FROM/WHERE section.
var tailKeywords = map[string]bool{
	"having": true,
	"window": true,
	"order":  true,
	"limit":  true,
	"offset": true,
	"fetch":  true,
	"for":    true,
}

var setOperators = map[string]bool{"union": true, "intersect": true, "except": true}

// aggregates whose presence keeps a select item out of GROUP BY.
var aggregates = []string{
	"count(", "sum(", "avg(", "min(", "max(",
	"array_agg(", "string_agg(", "group_concat(", "json_agg(", "jsonb_agg(",
	"json_arrayagg(", "json_objectagg(", "bool_and(", "bool_or(", "bit_and(", "bit_or(",
	"stddev(", "stddev_pop(", "stddev_samp(", "variance(", "var_pop(", "var_samp(",
	"percentile_cont(", "percentile_disc(", "mode(", "every(",
}

var aliasStopWords = map[string]bool{
	"end": true, "null": true, "true": true, "false": true,
	"asc": true, "desc": true, "distinct": true, "all": true,
}

// statement holds the byte offsets of the clauses the rewriter touches.
type statement struct {
	q    string
	toks []token

	listStart, listEnd int // select list
	fromTok            int // index of FROM token or -1
	groupStart         int // offset of GROUP, or insertion point when absent
	groupList          []token
	groupEnd           int
	hasGroup           bool
	orderList          []token
}

func rewriteError(format string, args ...any) error {
	return newRewriteError(fmt.Sprintf(format, args...))
}

func parseStatement(q string) (*statement, error) {
	toks, err := scan(q)
	if err != nil {
		return nil, rewriteError("%v", err)
	}

	sel := -1
	first := nextSolid(toks, 0)
	switch {
	case first < len(toks) && toks[first].is("select"):
		sel = first
	case first < len(toks) && toks[first].is("with"):
		for i := first + 1; i < len(toks); i++ {
			if toks[i].depth == 0 && toks[i].is("select") {
				sel = i
				break
			}
		}
	}
	if sel < 0 {
		return nil, rewriteError("query must be a single SELECT statement")
	}

	s := &statement{q: q, toks: toks, fromTok: -1}

	// SELECT [DISTINCT [ON (...)]]
	i := nextSolid(toks, sel+1)
	s.listStart = toks[sel].end
	if i < len(toks) && (toks[i].is("distinct") || toks[i].is("all")) {
		s.listStart = toks[i].end
		j := nextSolid(toks, i+1)
		if toks[i].is("distinct") && j < len(toks) && toks[j].is("on") {
			k := nextSolid(toks, j+1)
			for k < len(toks) && !(toks[k].text == ")" && toks[k].depth == 0) {
				k++
			}
			if k >= len(toks) {
				return nil, rewriteError("malformed DISTINCT ON")
			}
			s.listStart = toks[k].end
		}
	}

	end := len(q)
	s.listEnd = -1
	s.groupStart = -1
	for j := sel + 1; j < len(toks); j++ {
		t := toks[j]
		if t.depth != 0 || t.start < s.listStart {
			continue
		}
		if t.kind == tkPunct && t.text == ";" {
			if nextSolid(toks, j+1) < len(toks) {
				return nil, rewriteError("multiple statements cannot be bucketed")
			}
			end = t.start
			break
		}
		if t.kind != tkWord {
			continue
		}
		word := strings.ToLower(t.text)
		switch {
		case setOperators[word]:
			return nil, rewriteError("%s queries cannot be bucketed", strings.ToUpper(word))
		case word == "from" && s.fromTok < 0:
			s.fromTok = j
			if s.listEnd < 0 {
				s.listEnd = t.start
			}
		case word == "group":
			by := nextSolid(toks, j+1)
			if by >= len(toks) || !toks[by].is("by") {
				continue
			}
			if s.listEnd < 0 {
				s.listEnd = t.start
			}
			s.hasGroup = true
			s.groupStart = t.start
			k := by + 1
			for k < len(toks) {
				u := toks[k]
				if u.depth == 0 && (u.kind == tkWord && tailKeywords[strings.ToLower(u.text)] || u.kind == tkPunct && u.text == ";") {
					break
				}
				s.groupList = append(s.groupList, u)
				k++
			}
			if k < len(toks) {
				s.groupEnd = toks[k].start
			} else {
				s.groupEnd = len(q)
			}
			j = k - 1
		case word == "where":
			if s.listEnd < 0 {
				s.listEnd = t.start
			}
		case tailKeywords[word]:
			if word == "order" {
				s.orderList = orderTokens(toks, j)
			}
			if s.listEnd < 0 {
				s.listEnd = t.start
			}
			if s.groupStart < 0 {
				s.groupStart = t.start
			}
		}
	}
	if s.listEnd < 0 {
		s.listEnd = end
	}
	if s.groupStart < 0 {
		s.groupStart = end
	}
	if !s.hasGroup {
		s.groupEnd = s.groupStart
	}
	if s.groupEnd > end {
		s.groupEnd = end
	}
	s.q = q[:end]
	return s, nil
}

// orderTokens returns the ORDER BY list starting at the ORDER token at i.
func orderTokens(toks []token, i int) []token {
	by := nextSolid(toks, i+1)
	if by >= len(toks) || !toks[by].is("by") {
		return nil
	}
	var list []token
	for _, t := range toks[by+1:] {
		if t.depth == 0 && (t.kind == tkWord && tailKeywords[strings.ToLower(t.text)] || t.kind == tkPunct && t.text == ";") {
			break
		}
		list = append(list, t)
	}
	return list
}

var orderModifiers = map[string]bool{"asc": true, "desc": true, "nulls": true, "first": true, "last": true}

// positional reports whether an ORDER BY item refers to a select list position.
func positional(item string) bool {
	f := strings.Fields(strings.ToLower(item))
	if len(f) == 0 || f[0][0] < '0' || f[0][0] > '9' {
		return false
	}
	for _, w := range f[1:] {
		if !orderModifiers[w] {
			return false
		}
	}
	return true
}

// references reports whether expr mentions col as a column. String literals
// and function names do not count.
func references(expr, col string) bool {
	toks, err := scan(expr)
	if err != nil {
		return false
	}
	name := normalize(lastSegment(col))
	for i, t := range toks {
		if t.kind != tkWord && t.kind != tkQuoted {
			continue
		}
		if normalize(t.text) != name {
			continue
		}
		if n := nextSolid(toks, i+1); n < len(toks) && toks[n].text == "(" {
			continue
		}
		return true
	}
	return false
}

// listTokens returns the tokens between two offsets.
func (s *statement) listTokens(from, to int) []token {
	var out []token
	for _, t := range s.toks {
		if t.start >= from && t.end <= to {
			out = append(out, t)
		}
	}
	return out
}

// unaliasedSubquery reports whether the FROM clause starts with a
// parenthesised subquery that has no alias.
func (s *statement) unaliasedSubquery() bool {
	if s.fromTok < 0 {
		return false
	}
	i := nextSolid(s.toks, s.fromTok+1)
	if i >= len(s.toks) || s.toks[i].text != "(" {
		return false
	}
	for i < len(s.toks) && !(s.toks[i].text == ")" && s.toks[i].depth == 0) {
		i++
	}
	j := nextSolid(s.toks, i+1)
	if j >= len(s.toks) || s.toks[j].start >= len(s.q) {
		return true
	}
	t := s.toks[j]
	if t.is("as") || t.kind == tkQuoted {
		return false
	}
	if t.kind != tkWord {
		return true
	}
	switch strings.ToLower(t.text) {
	case "where", "group", "having", "order", "limit", "offset", "join", "inner", "left", "right", "full", "cross", "natural", "on", "using", "window", "fetch", "for":
		return true
	}
	return false
}

// selectItem is one entry of the select list.
type selectItem struct {
	text  string
	expr  string
	alias string
}

func parseItem(text string) selectItem {
	it := selectItem{text: text, expr: text}
	toks, err := scan(text)
	if err != nil {
		return it
	}
	last := prevSolid(toks, len(toks)-1)
	if last <= 0 || toks[last].depth != 0 {
		return it
	}
	lt := toks[last]
	if lt.kind != tkWord && lt.kind != tkQuoted {
		return it
	}
	prev := prevSolid(toks, last-1)
	if prev < 0 || last-prev < 2 {
		// alias must be separated by whitespace
		return it
	}
	pt := toks[prev]
	switch {
	case pt.is("as"):
		it.expr = strings.TrimSpace(text[:pt.start])
		it.alias = lt.text
	case lt.kind == tkWord && aliasStopWords[strings.ToLower(lt.text)]:
	case pt.kind == tkWord || pt.kind == tkQuoted || pt.kind == tkString || pt.text == ")":
		if pt.kind == tkWord && isOperatorWord(pt.text) {
			return it
		}
		it.expr = strings.TrimSpace(text[:lt.start])
		it.alias = lt.text
	}
	return it
}

func isOperatorWord(w string) bool {
	switch strings.ToLower(w) {
	case "and", "or", "not", "is", "in", "like", "ilike", "between", "case", "when", "then", "else", "interval", "collate", "distinct":
		return true
	}
	return false
}

func (it selectItem) star() bool {
	return it.expr == "*" || strings.HasSuffix(it.expr, ".*")
}

func (it selectItem) aggregate() bool {
	n := normalize(it.expr)
	for _, a := range append(aggregates, "over(") {
		for off := 0; ; {
			idx := strings.Index(n[off:], a)
			if idx < 0 {
				break
			}
			idx += off
			if idx == 0 || !isWordByte(n[idx-1]) {
				return true
			}
			off = idx + 1
		}
	}
	return false
}

// literal reports whether expr is a bare number or string constant.
func literal(expr string) bool {
	toks, err := scan(expr)
	if err != nil {
		return false
	}
	solid := 0
	var only token
	for _, t := range toks {
		if !t.blank() {
			solid++
			only = t
		}
	}
	if solid != 1 {
		return false
	}
	if only.kind == tkString {
		return true
	}
	return only.kind == tkWord && only.text[0] >= '0' && only.text[0] <= '9'
}

// sameColumn reports whether expr references col. An unqualified col also
// matches a qualified reference to the same name.
func sameColumn(expr, col string) bool {
	n, c := normalize(expr), normalize(col)
	if n == c {
		return true
	}
	if !strings.Contains(c, ".") {
		return strings.HasSuffix(n, "."+c) && identPattern.MatchString(unquote.Replace(strings.TrimSpace(expr)))
	}
	return false
}

func lastSegment(col string) string {
	if i := strings.LastIndexByte(col, '.'); i >= 0 {
		return col[i+1:]
	}
	return col
}

func rewriteSQL(d *truncDialect, q, dateCol, granularity string, extras []string) (string, error) {
	q, err := stripComments(q)
	if err != nil {
		return "", rewriteError("%v", err)
	}
	q = strings.TrimRight(strings.TrimSpace(q), ";\t\r\n ")
	s, err := parseStatement(q)
	if err != nil {
		return "", err
	}

	var items []selectItem
	for _, text := range splitTopLevel(s.q, s.listTokens(s.listStart, s.listEnd), 0) {
		if text == "" {
			return "", rewriteError("empty select item")
		}
		items = append(items, parseItem(text))
	}
	if len(items) == 0 {
		return "", rewriteError("empty select list")
	}

	// locate the date column in the select list
	dateIdx := -1
	inner := dateCol
	for i, it := range items {
		if it.star() {
			continue
		}
		if in, ok := d.unwrap(it.expr); ok && sameColumn(in, dateCol) {
			dateIdx, inner = i, in
			break
		}
		if sameColumn(it.expr, dateCol) {
			dateIdx, inner = i, it.expr
			break
		}
		if it.alias != "" && normalize(it.alias) == normalize(lastSegment(dateCol)) {
			if in, ok := d.unwrap(it.expr); ok {
				dateIdx, inner = i, in
				break
			}
		}
	}

	stars := 0
	for _, it := range items {
		if it.star() {
			stars++
		}
	}

	key := d.wrap(granularity, inner)
	alias := lastSegment(dateCol)
	if dateIdx >= 0 && items[dateIdx].alias != "" {
		alias = strings.Trim(items[dateIdx].alias, "\"`")
	}
	bucketItem := selectItem{text: key + " AS " + d.quote(alias), expr: key, alias: alias}

	if stars > 0 && (dateIdx >= 0 || stars != len(items)) {
		return "", rewriteError("select list mixes * with expressions; cannot group by %q", dateCol)
	}

	// set when select list positions move
	shifted := false
	switch {
	case dateIdx >= 0:
		items[dateIdx] = bucketItem
	case s.fromTok < 0:
		return "", rewriteError("date column %q is not selected and the query has no FROM clause", dateCol)
	case s.unaliasedSubquery():
		return "", rewriteError("date column %q is only reachable through an un-aliased subquery", dateCol)
	case stars > 0:
		items = []selectItem{bucketItem, {text: "COUNT(*) AS " + d.quote("count"), expr: "COUNT(*)"}}
		dateIdx = 0
		shifted = true
	default:
		items = append([]selectItem{bucketItem}, items...)
		dateIdx = 0
		shifted = true
	}

	// extra grouping columns must be selected right after the bucket
	insertAt := dateIdx + 1
	for _, ex := range extras {
		found := false
		for _, it := range items {
			if sameColumn(it.expr, ex) || it.alias != "" && normalize(it.alias) == normalize(ex) {
				found = true
				break
			}
		}
		if !found {
			shifted = shifted || insertAt < len(items)
			items = append(items[:insertAt], append([]selectItem{{text: ex, expr: ex}}, items[insertAt:]...)...)
			insertAt++
		}
	}
	if shifted {
		for _, o := range splitTopLevel(s.q, s.orderList, 0) {
			if positional(o) {
				return "", rewriteError("positional ORDER BY %q is ambiguous after rewriting", o)
			}
		}
	}

	// GROUP BY: bucket, extras, surviving grouping terms, plain select items
	var keys []string
	seen := map[string]bool{}
	add := func(expr string) {
		n := normalize(expr)
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		keys = append(keys, expr)
	}
	add(key)
	for _, ex := range extras {
		add(ex)
	}
	if s.hasGroup {
		for _, g := range splitTopLevel(s.q, s.groupList, 0) {
			if g == "" {
				continue
			}
			if literal(g) {
				return "", rewriteError("positional GROUP BY %q is ambiguous after rewriting", g)
			}
			if sameColumn(g, dateCol) || sameColumn(g, inner) {
				continue
			}
			if in, ok := d.unwrap(g); ok && (sameColumn(in, dateCol) || sameColumn(in, inner)) {
				continue
			}
			if references(g, dateCol) {
				return "", rewriteError("GROUP BY %q derives from date column %q and would defeat the bucket", g, dateCol)
			}
			add(g)
		}
	}
	for i, it := range items {
		if i == dateIdx || it.star() || it.aggregate() || literal(it.expr) {
			continue
		}
		if references(it.expr, dateCol) {
			return "", rewriteError("select item %q derives from date column %q and would defeat the bucket", it.expr, dateCol)
		}
		add(it.expr)
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.q[:s.listStart]))
	b.WriteString(" ")
	b.WriteString(strings.Join(texts, ", "))
	if mid := strings.TrimSpace(s.q[s.listEnd:s.groupStart]); mid != "" {
		b.WriteString(" ")
		b.WriteString(mid)
	}
	b.WriteString(" GROUP BY ")
	b.WriteString(strings.Join(keys, ", "))
	if tail := strings.TrimSpace(s.q[s.groupEnd:]); tail != "" {
		b.WriteString(" ")
		b.WriteString(tail)
	}
	return b.String(), nil
}
