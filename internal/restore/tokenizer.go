package restore

import (
	"bufio"
	"io"
	"strings"

	"snapvault/internal/errors"
)

// SplitStatements tokenizes dump text into discrete SQL statements. A naive
// split on ';' corrupts string literals, so the tokenizer tracks quoted
// strings (single, double, backtick, and postgres dollar quoting) and both
// comment forms. Statement terminators inside any of those are literal text.
func SplitStatements(r io.Reader) ([]string, error) {
	reader := bufio.NewReaderSize(r, 64*1024)

	var statements []string
	var current strings.Builder

	type mode int
	const (
		plain mode = iota
		singleQuote
		doubleQuote
		backtick
		lineComment
		blockComment
		dollarQuote
	)

	state := plain
	var dollarTag string

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}

	// peekDollarTag reads a $tag$ opener starting at the '$' already
	// consumed, returning the full tag.
	peekDollarTag := func() (string, bool) {
		var tag strings.Builder
		tag.WriteByte('$')
		for {
			b, err := reader.ReadByte()
			if err != nil {
				return tag.String(), false
			}
			tag.WriteByte(b)
			if b == '$' {
				return tag.String(), true
			}
			if !isTagChar(b) {
				// Not a dollar quote after all; push back what we read.
				_ = reader.UnreadByte()
				return tag.String()[:tag.Len()-1], false
			}
		}
	}

	for {
		b, err := reader.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewDatabaseRestoreError("failed to read dump text", err)
		}

		switch state {
		case plain:
			switch b {
			case ';':
				flush()
				continue
			case '\'':
				state = singleQuote
			case '"':
				state = doubleQuote
			case '`':
				state = backtick
			case '$':
				tag, ok := peekDollarTag()
				if ok {
					state = dollarQuote
					dollarTag = tag
					current.WriteString(tag)
					continue
				}
				current.WriteString(tag)
				continue
			case '-':
				next, _ := reader.Peek(1)
				if len(next) == 1 && next[0] == '-' {
					_, _ = reader.ReadByte()
					state = lineComment
					continue
				}
			case '#':
				state = lineComment
				continue
			case '/':
				next, _ := reader.Peek(1)
				if len(next) == 1 && next[0] == '*' {
					_, _ = reader.ReadByte()
					state = blockComment
					continue
				}
			}
			current.WriteByte(b)

		case singleQuote:
			current.WriteByte(b)
			if b == '\\' {
				if esc, err := reader.ReadByte(); err == nil {
					current.WriteByte(esc)
				}
				continue
			}
			if b == '\'' {
				next, _ := reader.Peek(1)
				if len(next) == 1 && next[0] == '\'' {
					// Doubled quote stays inside the literal.
					_, _ = reader.ReadByte()
					current.WriteByte('\'')
					continue
				}
				state = plain
			}

		case doubleQuote:
			current.WriteByte(b)
			if b == '\\' {
				if esc, err := reader.ReadByte(); err == nil {
					current.WriteByte(esc)
				}
				continue
			}
			if b == '"' {
				state = plain
			}

		case backtick:
			current.WriteByte(b)
			if b == '`' {
				state = plain
			}

		case dollarQuote:
			current.WriteByte(b)
			if b == '$' && strings.HasSuffix(current.String(), dollarTag) {
				state = plain
				dollarTag = ""
			}

		case lineComment:
			if b == '\n' {
				state = plain
				current.WriteByte('\n')
			}

		case blockComment:
			if b == '*' {
				next, _ := reader.Peek(1)
				if len(next) == 1 && next[0] == '/' {
					_, _ = reader.ReadByte()
					state = plain
				}
			}
		}
	}

	flush()
	return statements, nil
}

func isTagChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// TargetTable extracts the table a DML/DDL statement operates on, or ""
// when the statement shape is not recognized.
func TargetTable(stmt string) string {
	fields := leadingWords(stmt, 8)
	if len(fields) < 2 {
		return ""
	}

	switch strings.ToUpper(fields[0]) {
	case "INSERT", "REPLACE":
		// INSERT [IGNORE] INTO <table>
		for i := 1; i < len(fields)-1; i++ {
			if strings.EqualFold(fields[i], "INTO") {
				return normalizeTableName(fields[i+1])
			}
		}
	case "UPDATE":
		return normalizeTableName(fields[1])
	case "DELETE":
		for i := 1; i < len(fields)-1; i++ {
			if strings.EqualFold(fields[i], "FROM") {
				return normalizeTableName(fields[i+1])
			}
		}
	case "TRUNCATE":
		if strings.EqualFold(fields[1], "TABLE") && len(fields) > 2 {
			return normalizeTableName(fields[2])
		}
		return normalizeTableName(fields[1])
	case "CREATE", "ALTER", "DROP":
		// CREATE TABLE [IF NOT EXISTS] <t>, DROP TABLE [IF EXISTS] <t>,
		// ALTER TABLE <t>.
		for i := 1; i < len(fields)-1; i++ {
			if !strings.EqualFold(fields[i], "TABLE") {
				continue
			}
			j := i + 1
			for j < len(fields) && isTableQualifier(fields[j]) {
				j++
			}
			if j < len(fields) {
				return normalizeTableName(fields[j])
			}
			return ""
		}
	}
	return ""
}

func isTableQualifier(word string) bool {
	switch strings.ToUpper(word) {
	case "IF", "NOT", "EXISTS", "ONLY":
		return true
	}
	return false
}

func leadingWords(stmt string, n int) []string {
	fields := strings.Fields(stmt)
	if len(fields) > n {
		fields = fields[:n]
	}
	return fields
}

func normalizeTableName(raw string) string {
	name := strings.TrimSpace(raw)
	// Strip a trailing column list or VALUES fragment.
	if idx := strings.IndexByte(name, '('); idx >= 0 {
		name = name[:idx]
	}
	name = strings.Trim(name, "`\"'")
	// Drop schema qualifiers: public.users -> users.
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.Trim(name, "`\"'")
	return strings.ToLower(name)
}
