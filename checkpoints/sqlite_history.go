package checkpoints

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteHistory stores the per-epoch curves in the epoch_metrics table.
// Several models can share one database; rows are keyed by model number.
type SQLiteHistory struct {
	db      *sql.DB
	modelNo int
}

func OpenSQLiteHistory(path string, modelNo int) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history database %s", path)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS epoch_metrics(
			model_no INTEGER NOT NULL,
			epoch INTEGER NOT NULL,
			loss REAL NOT NULL,
			accuracy REAL NOT NULL,
			recorded_at REAL NOT NULL,
			PRIMARY KEY(model_no, epoch)
		)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create epoch_metrics table")
	}
	return &SQLiteHistory{db: db, modelNo: modelNo}, nil
}

func (sh *SQLiteHistory) Load() (*MetricHistory, error) {
	rows, err := sh.db.Query(
		"SELECT loss, accuracy FROM epoch_metrics WHERE model_no = ? ORDER BY epoch ASC", sh.modelNo)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query history")
	}
	defer rows.Close()

	h := &MetricHistory{LossPerEpoch: []float64{}, AccuracyPerEpoch: []float64{}}
	for rows.Next() {
		var loss, acc float64
		if err := rows.Scan(&loss, &acc); err != nil {
			return nil, errors.Wrap(err, "failed to scan history row")
		}
		h.Append(loss, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read history")
	}
	return h, nil
}

// Save replaces the stored curves of this model with h in one transaction.
func (sh *SQLiteHistory) Save(h *MetricHistory) error {
	if err := h.validate(); err != nil {
		return err
	}
	tx, err := sh.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin history transaction")
	}
	if _, err := tx.Exec("DELETE FROM epoch_metrics WHERE model_no = ?", sh.modelNo); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to clear history")
	}
	ts := float64(time.Now().UnixMilli()) / 1000.0
	for epoch := range h.LossPerEpoch {
		_, err := tx.Exec(
			"INSERT INTO epoch_metrics(model_no, epoch, loss, accuracy, recorded_at) VALUES(?,?,?,?,?)",
			sh.modelNo, epoch, h.LossPerEpoch[epoch], h.AccuracyPerEpoch[epoch], ts)
		if err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to insert epoch %d", epoch)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit history")
}

func (sh *SQLiteHistory) Close() error {
	return sh.db.Close()
}
