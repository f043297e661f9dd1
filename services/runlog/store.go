package runlog

import (
	"context"
	"database/sql"
	"time"

	"remores-dl/services/downloader"
	"remores-dl/services/runlog/db"

	_ "modernc.org/sqlite"
)

// Store keeps a local audit trail of download runs so past runs can be
// inspected without re-hitting Canvas.
type Store struct {
	db *sql.DB
}

type RunInfo struct {
	StartedAt    time.Time
	Repository   string
	CourseId     int64
	AssignmentId int64
}

type Run struct {
	Id int64
	RunInfo
	Outcomes int
}

func Open(path string) (Store, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return Store{}, err
	}
	if _, err := database.Exec(db.Schema); err != nil {
		database.Close()
		return Store{}, err
	}
	return Store{db: database}, nil
}

func (s Store) Close() error {
	return s.db.Close()
}

func (s Store) RecordRun(ctx context.Context, info RunInfo, outcomes []downloader.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(
		ctx,
		`insert into runs (started_at, repository, course_id, assignment_id) values (?, ?, ?, ?)`,
		info.StartedAt.Unix(), info.Repository, info.CourseId, info.AssignmentId,
	)
	if err != nil {
		return err
	}
	runId, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, outcome := range outcomes {
		_, err := tx.ExecContext(
			ctx,
			`insert into outcomes (run_id, identifier, student, target_path, status, reason)
			 values (?, ?, ?, ?, ?, ?)`,
			runId, outcome.Identifier, outcome.Student, outcome.TargetPath,
			string(outcome.Status), outcome.Reason,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select r.id, r.started_at, r.repository, r.course_id, r.assignment_id, count(o.id)
		 from runs r left join outcomes o on o.run_id = r.id
		 group by r.id order by r.started_at desc limit ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var startedAt int64
		err := rows.Scan(&run.Id, &startedAt, &run.Repository, &run.CourseId, &run.AssignmentId, &run.Outcomes)
		if err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(startedAt, 0).UTC()
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s Store) RunOutcomes(ctx context.Context, runId int64) ([]downloader.Outcome, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select identifier, student, target_path, status, reason
		 from outcomes where run_id = ? order by identifier, target_path`,
		runId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []downloader.Outcome
	for rows.Next() {
		var outcome downloader.Outcome
		var status string
		err := rows.Scan(&outcome.Identifier, &outcome.Student, &outcome.TargetPath, &status, &outcome.Reason)
		if err != nil {
			return nil, err
		}
		outcome.Status = downloader.Status(status)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, rows.Err()
}
