package restore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"snapvault/internal/config"
	"snapvault/internal/errors"
)

// maxDeferralPasses bounds how often foreign-key-deferred statements are
// retried after the main pass. Dumps order tables arbitrarily, so forward
// references usually resolve within one extra pass.
const maxDeferralPasses = 3

// maxLockRetries bounds retries of statements that hit a transient lock.
const maxLockRetries = 3

// ReplayResult aggregates per-statement outcomes of one replay transaction.
type ReplayResult struct {
	Total             int
	Executed          int
	SkippedDuplicates int
	DeferredResolved  int
	Failed            int
	// Failures holds one message per permanently failed statement, capped
	// so a hostile dump cannot balloon the record log.
	Failures []string
}

const maxRecordedFailures = 50

func (r *ReplayResult) recordFailure(stmt string, err error) {
	r.Failed++
	if len(r.Failures) >= maxRecordedFailures {
		return
	}
	r.Failures = append(r.Failures, fmt.Sprintf("%s: %v", truncateStatement(stmt), err))
}

func truncateStatement(stmt string) string {
	const max = 120
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) > max {
		return stmt[:max] + "..."
	}
	return stmt
}

// replay executes all statements inside one transaction with referential
// integrity relaxed. Individual statement failures never abort the
// transaction; they are skipped, deferred or repaired per their violation
// class.
func (e *Engine) replay(ctx context.Context, statements []string, opts Options) (*ReplayResult, error) {
	engine := e.cfg.Datastore.Engine

	// SQLite scopes the pragma to the connection and it cannot change
	// inside a transaction, so relax it before Begin.
	if engine == config.EngineSQLite {
		if _, err := e.db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
			return nil, errors.NewDatabaseRestoreError("failed to relax foreign key checks", err)
		}
		defer e.db.ExecContext(context.WithoutCancel(ctx), "PRAGMA foreign_keys = ON")
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewDatabaseRestoreError("failed to begin replay transaction", err)
	}
	defer tx.Rollback()

	switch engine {
	case config.EngineMySQL:
		if _, err := tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
			return nil, errors.NewDatabaseRestoreError("failed to relax foreign key checks", err)
		}
	case config.EnginePostgres:
		if _, err := tx.ExecContext(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
			return nil, errors.NewDatabaseRestoreError("failed to defer constraints", err)
		}
	}

	result := &ReplayResult{Total: len(statements)}
	var deferred []string

	for _, stmt := range statements {
		outcome := e.execStatement(ctx, tx, stmt, opts, result)
		if outcome == outcomeDeferred {
			deferred = append(deferred, stmt)
		}
	}

	// Deferred passes: keep retrying while progress is made.
	for pass := 0; pass < maxDeferralPasses && len(deferred) > 0; pass++ {
		var still []string
		for _, stmt := range deferred {
			outcome := e.execStatement(ctx, tx, stmt, opts, result)
			switch outcome {
			case outcomeDeferred:
				still = append(still, stmt)
			case outcomeExecuted:
				result.DeferredResolved++
			}
		}
		if len(still) == len(deferred) {
			deferred = still
			break
		}
		deferred = still
	}

	// Whatever is still deferred after the final pass is a real failure.
	for _, stmt := range deferred {
		result.recordFailure(stmt, fmt.Errorf("unresolved foreign key dependency after %d passes", maxDeferralPasses))
	}

	if err := e.preCommitCheck(ctx, tx, opts); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewDatabaseRestoreError("failed to commit replay transaction", err)
	}
	return result, nil
}

type statementOutcome int

const (
	outcomeExecuted statementOutcome = iota
	outcomeSkipped
	outcomeDeferred
	outcomeFailed
)

// execStatement runs one statement and maps its error class onto an outcome.
// Transient lock errors are retried with backoff; the raw driver error is
// kept for violation classification when the retries run out.
func (e *Engine) execStatement(ctx context.Context, tx *sql.Tx, stmt string, opts Options, result *ReplayResult) statementOutcome {
	var err error
	retryErr := e.lockRetry.Retry(ctx, func() error {
		_, err = tx.ExecContext(ctx, stmt)
		if err != nil && errors.ClassifyStatementError(err) == errors.ViolationLocked {
			return errors.NewTransientLockError("datastore locked during replay", err)
		}
		return err
	})
	if retryErr == nil {
		result.Executed++
		return outcomeExecuted
	}
	if errors.IsKind(retryErr, errors.KindInterruption) {
		result.recordFailure(stmt, retryErr)
		return outcomeFailed
	}

	switch errors.ClassifyStatementError(err) {
	case errors.ViolationUnique:
		if opts.IgnoreDuplicates {
			result.SkippedDuplicates++
			return outcomeSkipped
		}
		result.recordFailure(stmt, err)
		return outcomeFailed

	case errors.ViolationForeignKey:
		return outcomeDeferred

	case errors.ViolationNotNull:
		if retried := e.retryWithColumnDefault(ctx, tx, stmt, err); retried {
			result.Executed++
			return outcomeExecuted
		}
		return outcomeDeferred

	default:
		result.recordFailure(stmt, err)
		return outcomeFailed
	}
}

// retryWithColumnDefault repairs a NOT NULL violation once by injecting the
// column's schema default into the INSERT, when both can be determined.
func (e *Engine) retryWithColumnDefault(ctx context.Context, tx *sql.Tx, stmt string, cause error) bool {
	column := nullViolationColumn(cause)
	if column == "" {
		return false
	}

	table := TargetTable(stmt)
	if table == "" {
		return false
	}

	defaultExpr, err := e.columnDefault(ctx, tx, table, column)
	if err != nil || defaultExpr == "" {
		return false
	}

	rewritten, ok := injectColumnDefault(stmt, column, defaultExpr)
	if !ok {
		return false
	}

	if _, err := tx.ExecContext(ctx, rewritten); err != nil {
		return false
	}
	e.logger.Debugf("repaired NOT NULL violation on %s.%s with default %s", table, column, defaultExpr)
	return true
}

// nullViolationColumn pulls the offending column name out of a NOT NULL
// error message across dialects.
func nullViolationColumn(err error) string {
	msg := err.Error()

	// MySQL: Column 'name' cannot be null
	if idx := strings.Index(msg, "Column '"); idx >= 0 {
		rest := msg[idx+len("Column '"):]
		if end := strings.IndexByte(rest, '\''); end > 0 {
			return rest[:end]
		}
	}
	// Postgres: null value in column "name" of relation ...
	if idx := strings.Index(msg, `in column "`); idx >= 0 {
		rest := msg[idx+len(`in column "`):]
		if end := strings.IndexByte(rest, '"'); end > 0 {
			return rest[:end]
		}
	}
	// SQLite: NOT NULL constraint failed: table.column
	if idx := strings.Index(msg, "constraint failed: "); idx >= 0 {
		rest := msg[idx+len("constraint failed: "):]
		rest = strings.TrimSpace(rest)
		if dot := strings.LastIndexByte(rest, '.'); dot >= 0 && dot < len(rest)-1 {
			return rest[dot+1:]
		}
	}
	return ""
}

// columnDefault looks up a column's declared default expression.
func (e *Engine) columnDefault(ctx context.Context, tx *sql.Tx, table, column string) (string, error) {
	switch e.cfg.Datastore.Engine {
	case config.EngineMySQL:
		var def sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT column_default FROM information_schema.columns
			 WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?`,
			table, column).Scan(&def)
		if err != nil || !def.Valid {
			return "", err
		}
		return quoteDefaultLiteral(def.String), nil

	case config.EnginePostgres:
		var def sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT column_default FROM information_schema.columns
			 WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2`,
			table, column).Scan(&def)
		if err != nil || !def.Valid {
			return "", err
		}
		return def.String, nil

	default:
		rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
		if err != nil {
			return "", err
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, ctype string
			var notNull int
			var dflt sql.NullString
			var pk int
			if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
				return "", err
			}
			if strings.EqualFold(name, column) && dflt.Valid {
				return dflt.String, nil
			}
		}
		return "", rows.Err()
	}
}

// quoteDefaultLiteral wraps a bare information_schema default in quotes when
// it is not already an expression.
func quoteDefaultLiteral(def string) string {
	if def == "" {
		return "''"
	}
	if strings.ContainsAny(def, "()'") || isNumeric(def) ||
		strings.EqualFold(def, "NULL") || strings.EqualFold(def, "CURRENT_TIMESTAMP") {
		return def
	}
	return "'" + strings.ReplaceAll(def, "'", "''") + "'"
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if c >= '0' && c <= '9' {
			continue
		}
		if (c == '-' || c == '+') && i == 0 {
			continue
		}
		if c == '.' {
			continue
		}
		return false
	}
	return true
}

// injectColumnDefault adds the missing column and its default to an INSERT
// that carries an explicit column list. Positional inserts cannot be
// repaired this way.
func injectColumnDefault(stmt, column, defaultExpr string) (string, bool) {
	upper := strings.ToUpper(stmt)
	if !strings.HasPrefix(strings.TrimSpace(upper), "INSERT") {
		return "", false
	}

	valuesAt := strings.Index(upper, "VALUES")
	if valuesAt < 0 {
		return "", false
	}

	head := stmt[:valuesAt]
	openAt := strings.Index(head, "(")
	closeAt := strings.LastIndex(head, ")")
	if openAt < 0 || closeAt < openAt {
		return "", false
	}

	// Already present? Then the value was an explicit NULL; no repair.
	for _, col := range strings.Split(head[openAt+1:closeAt], ",") {
		if strings.EqualFold(strings.Trim(strings.TrimSpace(col), "`\""), column) {
			return "", false
		}
	}

	newHead := head[:closeAt] + ", " + column + head[closeAt:]

	tail := stmt[valuesAt:]
	lastClose := strings.LastIndex(tail, ")")
	if lastClose < 0 {
		return "", false
	}
	newTail := tail[:lastClose] + ", " + defaultExpr + tail[lastClose:]

	return newHead + newTail, true
}

// preCommitCheck verifies constraint consistency before the transaction
// commits. Violations are tolerated (logged) unless strict foreign key
// handling was requested.
func (e *Engine) preCommitCheck(ctx context.Context, tx *sql.Tx, opts Options) error {
	switch e.cfg.Datastore.Engine {
	case config.EngineMySQL:
		return e.mysqlPreCommitCheck(ctx, tx, opts)
	case config.EnginePostgres:
		return e.postgresPreCommitCheck(ctx, tx, opts)
	default:
		return e.sqlitePreCommitCheck(ctx, tx, opts)
	}
}

func (e *Engine) sqlitePreCommitCheck(ctx context.Context, tx *sql.Tx, opts Options) error {
	rows, err := tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return errors.NewDatabaseRestoreError("pre-commit consistency check failed to run", err)
	}
	defer rows.Close()

	violations := 0
	for rows.Next() {
		violations++
	}
	if err := rows.Err(); err != nil {
		return errors.NewDatabaseRestoreError("pre-commit consistency check failed", err)
	}

	return e.reportViolations(violations, opts)
}

// mysqlPreCommitCheck counts orphaned child rows per declared foreign key.
// FOREIGN_KEY_CHECKS=1 only validates rows touched after re-enabling, so the
// orphan scan is the only way to see what the relaxed replay left behind.
func (e *Engine) mysqlPreCommitCheck(ctx context.Context, tx *sql.Tx, opts Options) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT table_name, column_name, referenced_table_name, referenced_column_name
		 FROM information_schema.KEY_COLUMN_USAGE
		 WHERE table_schema = DATABASE() AND referenced_table_name IS NOT NULL`)
	if err != nil {
		return errors.NewDatabaseRestoreError("pre-commit consistency check failed to run", err)
	}
	defer rows.Close()

	type foreignKey struct {
		table, column, refTable, refColumn string
	}
	var keys []foreignKey
	for rows.Next() {
		var fk foreignKey
		if err := rows.Scan(&fk.table, &fk.column, &fk.refTable, &fk.refColumn); err != nil {
			return errors.NewDatabaseRestoreError("pre-commit consistency check failed", err)
		}
		keys = append(keys, fk)
	}
	if err := rows.Err(); err != nil {
		return errors.NewDatabaseRestoreError("pre-commit consistency check failed", err)
	}

	violations := 0
	for _, fk := range keys {
		query := fmt.Sprintf(
			"SELECT COUNT(*) FROM `%s` c LEFT JOIN `%s` p ON c.`%s` = p.`%s` WHERE c.`%s` IS NOT NULL AND p.`%s` IS NULL",
			fk.table, fk.refTable, fk.column, fk.refColumn, fk.column, fk.refColumn)

		var orphans int
		if err := tx.QueryRowContext(ctx, query).Scan(&orphans); err != nil {
			return errors.NewDatabaseRestoreError(
				fmt.Sprintf("pre-commit orphan scan failed for %s.%s", fk.table, fk.column), err)
		}
		violations += orphans
	}

	return e.reportViolations(violations, opts)
}

// postgresPreCommitCheck forces deferred constraint validation inside a
// savepoint so a violation surfaces before commit instead of aborting it.
func (e *Engine) postgresPreCommitCheck(ctx context.Context, tx *sql.Tx, opts Options) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT constraint_check"); err != nil {
		return errors.NewDatabaseRestoreError("pre-commit consistency check failed to run", err)
	}

	if _, err := tx.ExecContext(ctx, "SET CONSTRAINTS ALL IMMEDIATE"); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT constraint_check"); rbErr != nil {
			return errors.NewDatabaseRestoreError("pre-commit consistency check left the transaction unusable", rbErr)
		}
		if opts.StrictForeignKeys {
			return errors.NewDatabaseRestoreError("replay left deferred constraint violations", err)
		}
		// Commit re-validates the still-deferred constraints, so the
		// tolerated path will fail there with the same cause.
		e.logger.Warnf("deferred constraint validation failed before commit; tolerated: %v", err)
		return nil
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT constraint_check"); err != nil {
		return errors.NewDatabaseRestoreError("pre-commit consistency check failed to run", err)
	}
	return nil
}

func (e *Engine) reportViolations(violations int, opts Options) error {
	if violations > 0 {
		if opts.StrictForeignKeys {
			return errors.NewDatabaseRestoreError(
				fmt.Sprintf("replay left %d foreign key violation(s)", violations), nil)
		}
		e.logger.Warnf("replay left %d foreign key violation(s); tolerated", violations)
	}
	return nil
}

// postCommitCheck confirms the datastore is intact after commit.
func (e *Engine) postCommitCheck(ctx context.Context) error {
	switch e.cfg.Datastore.Engine {
	case config.EngineSQLite:
		var status string
		if err := e.db.QueryRowContext(ctx, "PRAGMA integrity_check(1)").Scan(&status); err != nil {
			return errors.NewDatabaseRestoreError("integrity check failed to run", err)
		}
		if !strings.EqualFold(status, "ok") {
			return errors.NewDatabaseRestoreError(fmt.Sprintf("datastore integrity check reported: %s", status), nil)
		}
	default:
		if err := e.db.PingContext(ctx); err != nil {
			return errors.NewDatabaseRestoreError("datastore unreachable after restore", err)
		}
	}
	return nil
}
