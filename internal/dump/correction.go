package dump

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"snapvault/internal/errors"
	"snapvault/internal/ledger"
)

// Column positions in the backup ledger table, matching the schema created
// by ledger.Repository.EnsureSchema. Used when an INSERT carries no column
// list.
const (
	backupStatusColumn    = 3
	backupCompletedColumn = 11
)

// CorrectOwnRecord rewrites INSERT statements for the backup ledger table so
// that the row for this run, dumped while still running, reads completed
// with a synthetic completion timestamp. Without this a later replay would
// resurrect a phantom running record. Returns the number of rows rewritten.
func CorrectOwnRecord(dumpPath, recordID string, completedAt time.Time) (int, error) {
	src, err := os.Open(dumpPath)
	if err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("failed to open dump %s", dumpPath), err)
	}
	defer src.Close()

	tmpPath := dumpPath + ".correcting"
	dst, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, errors.NewStorageError("failed to create correction scratch file", err)
	}

	rewritten := 0
	reader := bufio.NewReader(src)
	writer := bufio.NewWriter(dst)
	for {
		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			if isOwnRecordInsert(line, recordID) {
				corrected, n := rewriteOwnRecord(line, recordID, completedAt)
				line = corrected
				rewritten += n
			}
			if _, err := writer.WriteString(line); err != nil {
				dst.Close()
				os.Remove(tmpPath)
				return rewritten, errors.NewStorageError("failed to write corrected dump", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			dst.Close()
			os.Remove(tmpPath)
			return rewritten, errors.NewStorageError("failed to read dump", readErr)
		}
	}

	if err := writer.Flush(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return rewritten, errors.NewStorageError("failed to flush corrected dump", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return rewritten, errors.NewStorageError("failed to close corrected dump", err)
	}

	if err := os.Rename(tmpPath, dumpPath); err != nil {
		os.Remove(tmpPath)
		return rewritten, errors.NewStorageError("failed to replace dump with corrected copy", err)
	}
	return rewritten, nil
}

func isOwnRecordInsert(line, recordID string) bool {
	if !strings.Contains(line, recordID) {
		return false
	}
	lower := strings.ToLower(line)
	if !strings.Contains(lower, "insert into") {
		return false
	}
	return strings.Contains(lower, ledger.TableBackupRecords)
}

// rewriteOwnRecord fixes every VALUES tuple on the line that belongs to the
// given record. Handles both positional inserts (sqlite3, mysqldump default)
// and column-list inserts (pg_dump --column-inserts, mysqldump
// --complete-insert), including multi-row extended inserts.
func rewriteOwnRecord(line, recordID string, completedAt time.Time) (string, int) {
	statusIdx, completedIdx := backupStatusColumn, backupCompletedColumn
	if cols := parseColumnList(line); cols != nil {
		si, ci := -1, -1
		for i, col := range cols {
			switch col {
			case "status":
				si = i
			case "completed_at":
				ci = i
			}
		}
		if si < 0 || ci < 0 {
			return line, 0
		}
		statusIdx, completedIdx = si, ci
	}

	valuesAt := indexAfterKeyword(line, "values")
	if valuesAt < 0 {
		return line, 0
	}

	head := line[:valuesAt]
	tail := line[valuesAt:]

	quotedID := "'" + recordID + "'"
	timestamp := "'" + completedAt.UTC().Format("2006-01-02 15:04:05") + "'"

	var out strings.Builder
	out.WriteString(head)

	rewritten := 0
	rest := tail
	for {
		tuple, before, after, found := nextTuple(rest)
		if !found {
			out.WriteString(rest)
			break
		}
		out.WriteString(before)

		fields := splitTupleFields(tuple)
		if fieldIndexOf(fields, quotedID) >= 0 &&
			statusIdx < len(fields) && completedIdx < len(fields) &&
			strings.TrimSpace(fields[statusIdx]) == "'"+string(ledger.StatusRunning)+"'" {
			fields[statusIdx] = "'" + string(ledger.StatusCompleted) + "'"
			fields[completedIdx] = timestamp
			rewritten++
			out.WriteString("(" + strings.Join(fields, ",") + ")")
		} else {
			out.WriteString("(" + tuple + ")")
		}

		rest = after
	}

	return out.String(), rewritten
}

// parseColumnList returns the lower-cased column names of an INSERT that
// lists its columns, or nil for a positional insert.
func parseColumnList(line string) []string {
	valuesAt := indexAfterKeyword(line, "values")
	if valuesAt < 0 {
		return nil
	}
	prefix := line[:valuesAt-len("values")]

	open := strings.Index(prefix, "(")
	if open < 0 {
		return nil
	}
	closeAt := strings.LastIndex(prefix, ")")
	if closeAt < open {
		return nil
	}

	raw := strings.Split(prefix[open+1:closeAt], ",")
	cols := make([]string, 0, len(raw))
	for _, col := range raw {
		col = strings.ToLower(strings.TrimSpace(col))
		col = strings.Trim(col, "`\"")
		cols = append(cols, col)
	}
	return cols
}

// indexAfterKeyword finds the position just past a keyword outside quotes,
// case-insensitively.
func indexAfterKeyword(line, keyword string) int {
	lower := strings.ToLower(line)
	from := 0
	for {
		at := strings.Index(lower[from:], keyword)
		if at < 0 {
			return -1
		}
		at += from
		if !insideQuotes(line[:at]) {
			return at + len(keyword)
		}
		from = at + len(keyword)
	}
}

func insideQuotes(prefix string) bool {
	inQuote := false
	var quote byte
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if inQuote {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				inQuote = false
			}
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			inQuote = true
			quote = c
		}
	}
	return inQuote
}

// nextTuple extracts the next parenthesized tuple from s, returning the
// tuple body without its outer parentheses, the text preceding it, and the
// remainder after its closing parenthesis.
func nextTuple(s string) (tuple, before, after string, found bool) {
	depth := 0
	inQuote := false
	var quote byte
	start := -1

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			switch c {
			case '\\':
				i++
			case quote:
				// Doubled quote is an escaped literal, not a terminator.
				if i+1 < len(s) && s[i+1] == quote {
					i++
				} else {
					inQuote = false
				}
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inQuote = true
			quote = c
		case '(':
			if depth == 0 {
				start = i
			}
			depth++
		case ')':
			depth--
			if depth == 0 && start >= 0 {
				return s[start+1 : i], s[:start], s[i+1:], true
			}
		}
	}
	return "", "", "", false
}

// splitTupleFields splits a tuple body on commas at nesting depth zero,
// respecting quoted strings.
func splitTupleFields(tuple string) []string {
	var fields []string
	depth := 0
	inQuote := false
	var quote byte
	start := 0

	for i := 0; i < len(tuple); i++ {
		c := tuple[i]
		if inQuote {
			switch c {
			case '\\':
				i++
			case quote:
				if i+1 < len(tuple) && tuple[i+1] == quote {
					i++
				} else {
					inQuote = false
				}
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inQuote = true
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				fields = append(fields, tuple[start:i])
				start = i + 1
			}
		}
	}
	fields = append(fields, tuple[start:])
	return fields
}

func fieldIndexOf(fields []string, value string) int {
	for i, f := range fields {
		if strings.TrimSpace(f) == value {
			return i
		}
	}
	return -1
}
