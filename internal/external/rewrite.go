package external

import (
	"strings"

	"snapvault/internal/config"
)

// upsertRewrite converts an INSERT into the engine's upsert form so rows
// from the upload reconcile with existing business data instead of failing
// on key conflicts.
func upsertRewrite(stmt string, engine config.EngineKind) (string, bool) {
	trimmed := strings.TrimSpace(stmt)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "INSERT INTO") {
		return "", false
	}

	switch engine {
	case config.EngineMySQL:
		return "REPLACE INTO" + trimmed[len("INSERT INTO"):], true
	case config.EnginePostgres:
		return trimmed + " ON CONFLICT DO NOTHING", true
	default:
		return "INSERT OR REPLACE INTO" + trimmed[len("INSERT INTO"):], true
	}
}

// stripPrimaryKey removes an explicit id column and its values from an
// INSERT so the target datastore assigns fresh keys. Only inserts carrying
// a column list can be stripped; positional inserts pass through untouched.
func stripPrimaryKey(stmt string) (string, bool) {
	upper := strings.ToUpper(stmt)
	valuesAt := keywordIndex(stmt, upper, "VALUES")
	if valuesAt < 0 {
		return "", false
	}

	head := stmt[:valuesAt]
	openAt := strings.Index(head, "(")
	closeAt := strings.LastIndex(head, ")")
	if openAt < 0 || closeAt < openAt {
		return "", false
	}

	columns := splitTopLevel(head[openAt+1 : closeAt])
	keyIndex := -1
	for i, col := range columns {
		name := strings.Trim(strings.TrimSpace(col), "`\"")
		if strings.EqualFold(name, "id") {
			keyIndex = i
			break
		}
	}
	if keyIndex < 0 {
		return "", false
	}

	newColumns := append(append([]string{}, columns[:keyIndex]...), columns[keyIndex+1:]...)
	newHead := head[:openAt+1] + strings.Join(trimAll(newColumns), ", ") + head[closeAt:]

	tail, ok := stripTupleField(stmt[valuesAt:], keyIndex)
	if !ok {
		return "", false
	}
	return newHead + tail, true
}

// stripTupleField removes field keyIndex from every value tuple in the
// VALUES clause, preserving everything outside the tuples verbatim.
func stripTupleField(tail string, keyIndex int) (string, bool) {
	var out strings.Builder
	i := 0
	for i < len(tail) {
		open := indexOutsideQuotes(tail[i:], '(')
		if open < 0 {
			out.WriteString(tail[i:])
			break
		}
		open += i

		closeAt := tupleEnd(tail, open)
		if closeAt < 0 {
			return "", false
		}

		fields := splitTopLevel(tail[open+1 : closeAt])
		if keyIndex >= len(fields) {
			return "", false
		}
		kept := append(append([]string{}, fields[:keyIndex]...), fields[keyIndex+1:]...)

		out.WriteString(tail[i:open])
		out.WriteByte('(')
		out.WriteString(strings.Join(trimAll(kept), ", "))
		out.WriteByte(')')
		i = closeAt + 1
	}
	return out.String(), true
}

// keywordIndex finds a keyword outside quoted regions
func keywordIndex(stmt, upper, keyword string) int {
	from := 0
	for {
		at := strings.Index(upper[from:], keyword)
		if at < 0 {
			return -1
		}
		at += from
		if !insideQuotes(stmt[:at]) {
			return at
		}
		from = at + len(keyword)
	}
}

func insideQuotes(prefix string) bool {
	inSingle, inDouble, inBacktick := false, false, false
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '\'':
			if !inDouble && !inBacktick {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle && !inBacktick {
				inDouble = !inDouble
			}
		case '`':
			if !inSingle && !inDouble {
				inBacktick = !inBacktick
			}
		case '\\':
			i++
		}
	}
	return inSingle || inDouble || inBacktick
}

func indexOutsideQuotes(s string, target byte) int {
	inSingle := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inSingle = !inSingle
		case '\\':
			i++
		case target:
			if !inSingle {
				return i
			}
		}
	}
	return -1
}

// tupleEnd returns the index of the ')' closing the tuple opened at openAt
func tupleEnd(s string, openAt int) int {
	depth := 0
	inSingle := false
	for i := openAt; i < len(s); i++ {
		c := s[i]
		if inSingle {
			switch c {
			case '\\':
				i++
			case '\'':
				// Doubled quote stays inside the literal.
				if i+1 < len(s) && s[i+1] == '\'' {
					i++
					continue
				}
				inSingle = false
			}
			continue
		}
		switch c {
		case '\'':
			inSingle = true
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits on commas that sit outside quotes and parentheses
func splitTopLevel(s string) []string {
	var fields []string
	depth := 0
	inSingle := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inSingle {
			switch c {
			case '\\':
				i++
			case '\'':
				if i+1 < len(s) && s[i+1] == '\'' {
					i++
					continue
				}
				inSingle = false
			}
			continue
		}
		switch c {
		case '\'':
			inSingle = true
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				fields = append(fields, s[start:i])
				start = i + 1
			}
		}
	}
	fields = append(fields, s[start:])
	return fields
}

func trimAll(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = strings.TrimSpace(f)
	}
	return out
}
