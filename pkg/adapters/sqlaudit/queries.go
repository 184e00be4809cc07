package sqlaudit

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// query holds one statement per dialect.
type query struct {
	ID       string
	SQLite   string
	Postgres string
}

func (q query) text(driver string) string {
	if driver == DriverPostgres {
		return q.Postgres
	}
	return q.SQLite
}

var (
	queryCreateTable = query{
		ID: "AUD-01",
		SQLite: `CREATE TABLE IF NOT EXISTS transition_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	transitioned_at TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	event_type TEXT NOT NULL,
	plan_id TEXT NOT NULL DEFAULT '',
	max_risk TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT ''
)`,
		Postgres: `CREATE TABLE IF NOT EXISTS transition_audit (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	transitioned_at TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	event_type TEXT NOT NULL,
	plan_id TEXT NOT NULL DEFAULT '',
	max_risk TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT ''
)`,
	}

	queryCreateIndex = query{
		ID:       "AUD-02",
		SQLite:   `CREATE INDEX IF NOT EXISTS transition_audit_session ON transition_audit (session_id)`,
		Postgres: `CREATE INDEX IF NOT EXISTS transition_audit_session ON transition_audit (session_id)`,
	}

	queryInsert = query{
		ID: "AUD-03",
		SQLite: `INSERT INTO transition_audit (session_id, recorded_at, transitioned_at, from_state, to_state, event_type, plan_id, max_risk, reason) ` +
			`VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Postgres: `INSERT INTO transition_audit (session_id, recorded_at, transitioned_at, from_state, to_state, event_type, plan_id, max_risk, reason) ` +
			`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	}

	querySelectBySession = query{
		ID: "AUD-04",
		SQLite: `SELECT recorded_at, transitioned_at, from_state, to_state, event_type, plan_id, max_risk, reason FROM transition_audit ` +
			`WHERE session_id = ? ORDER BY id`,
		Postgres: `SELECT recorded_at, transitioned_at, from_state, to_state, event_type, plan_id, max_risk, reason FROM transition_audit ` +
			`WHERE session_id = $1 ORDER BY id`,
	}
)
