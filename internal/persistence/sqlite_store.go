package persistence

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/mlinna/virta/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	db *sql.DB
}

var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL,
			document BLOB NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteInstanceStore) SaveInstance(inst *api.Instance) error {
	doc, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO instances (id, workflow_id, workflow_version, subject_id, status, current_step, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.WorkflowID,
		inst.WorkflowVersion,
		inst.SubjectID,
		string(inst.Status),
		inst.CurrentStepID,
		doc,
	)
	return err
}

func (s *SQLiteInstanceStore) UpdateInstance(inst *api.Instance) error {
	doc, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE instances
		SET workflow_id = ?, workflow_version = ?, subject_id = ?, status = ?, current_step = ?, document = ?
		WHERE id = ?`,
		inst.WorkflowID,
		inst.WorkflowVersion,
		inst.SubjectID,
		string(inst.Status),
		inst.CurrentStepID,
		doc,
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteInstanceStore) GetInstance(id string) (*api.Instance, error) {
	row := s.db.QueryRow(`SELECT document FROM instances WHERE id = ?`, id)

	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeInstance(doc)
}

func (s *SQLiteInstanceStore) ListInstances(filter api.InstanceFilter) ([]*api.Instance, error) {
	query := `SELECT document FROM instances`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.Instance
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(doc)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}
