package external

import (
	"strings"

	"snapvault/internal/config"
	"snapvault/internal/ledger"
	"snapvault/internal/logging"
	"snapvault/internal/restore"
)

// protectedPrefixes match any table whose name starts with a system prefix
var protectedPrefixes = []string{"sys_", "auth_"}

// protectedTables is the fixed set of tables an externally sourced restore
// must never touch: the ledger's own tables plus identity, permission and
// session tables. The set is built once and never mutated.
func protectedTables() map[string]struct{} {
	set := make(map[string]struct{})
	for _, table := range ledger.Tables() {
		set[table] = struct{}{}
	}
	for _, table := range []string{
		"users", "user_permissions", "user_roles",
		"permissions", "roles", "sessions", "api_keys",
	} {
		set[table] = struct{}{}
	}
	return set
}

// Filter screens untrusted dump statements before any reach the datastore.
// Statements targeting protected tables are dropped; inserts into unknown
// tables lose explicit primary keys; inserts into known business tables are
// rewritten to an upsert form.
type Filter struct {
	engine    config.EngineKind
	strategy  ledger.MergeStrategy
	protected map[string]struct{}
	business  map[string]struct{}
	logger    *logging.Logger
}

// NewFilter builds a filter for one restoration run. businessTables is the
// live datastore's current table list; protected names are excluded from it
// even if passed in.
func NewFilter(engine config.EngineKind, strategy ledger.MergeStrategy, businessTables []string, logger *logging.Logger) *Filter {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	f := &Filter{
		engine:    engine,
		strategy:  strategy,
		protected: protectedTables(),
		business:  make(map[string]struct{}, len(businessTables)),
		logger:    logger,
	}
	for _, table := range businessTables {
		name := strings.ToLower(table)
		if !f.IsProtected(name) {
			f.business[name] = struct{}{}
		}
	}
	return f
}

// IsProtected reports whether a table belongs to the protected set
func (f *Filter) IsProtected(table string) bool {
	name := strings.ToLower(table)
	if _, ok := f.protected[name]; ok {
		return true
	}
	for _, prefix := range protectedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// FilterResult summarizes one screening pass
type FilterResult struct {
	Allowed           []string
	Dropped           int
	PreservedTables   map[string]int
	ProcessedTables   map[string]struct{}
	KeysStripped      int
	ConflictsResolved int
}

// Apply screens every statement. Statements with no extractable target table
// are dropped outright: trigger, view and session statements are exactly how
// an untrusted dump smuggles writes past the per-table checks, and an
// external restore never needs them.
func (f *Filter) Apply(statements []string) *FilterResult {
	result := &FilterResult{
		PreservedTables: make(map[string]int),
		ProcessedTables: make(map[string]struct{}),
	}

	for _, stmt := range statements {
		table := restore.TargetTable(stmt)

		if table == "" {
			result.Dropped++
			f.logger.Warnf("dropped statement with no determinable target table: %s", truncateForLog(stmt))
			continue
		}

		if f.IsProtected(table) {
			result.Dropped++
			result.PreservedTables[table]++
			f.logger.Warnf("dropped statement targeting protected table %q", table)
			continue
		}

		result.ProcessedTables[table] = struct{}{}

		if isInsert(stmt) {
			if _, known := f.business[table]; known {
				if rewritten, ok := upsertRewrite(stmt, f.engine); ok {
					stmt = rewritten
					result.ConflictsResolved++
				}
			} else if stripped, ok := stripPrimaryKey(stmt); ok {
				stmt = stripped
				result.KeysStripped++
			}
		}

		result.Allowed = append(result.Allowed, stmt)
	}

	return result
}

func isInsert(stmt string) bool {
	trimmed := strings.TrimSpace(stmt)
	return len(trimmed) >= 6 && strings.EqualFold(trimmed[:6], "INSERT")
}

func truncateForLog(stmt string) string {
	const max = 80
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) > max {
		return stmt[:max] + "..."
	}
	return stmt
}
