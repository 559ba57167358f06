package virta

import "database/sql"

// NewSQLiteRunner constructs a LocalRunner whose engine persists
// instances in the provided SQLite database, so waiting instances
// survive a process restart. Workflow definitions contain step functions
// and must be re-registered on startup.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:virta.db?_journal=WAL")
//	runner, err := virta.NewSQLiteRunner(db, virta.WithWorkers(4))
func NewSQLiteRunner(db *sql.DB, opts ...Option) (*LocalRunner, error) {
	o := buildOptions(opts)
	eng, err := NewSQLiteEngine(db, opts...)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{
		Engine: eng,
		Pool:   NewPool(eng, o.pool),
	}, nil
}
