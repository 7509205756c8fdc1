package workflow

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"issueflow/internal/events"
	"issueflow/internal/metrics"
	"issueflow/internal/repo"
)

func newMockEngine(t *testing.T) (Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	conn := sqlx.NewDb(mockDB, "sqlite")
	return Engine{
		DB:      conn,
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{},
		Metrics: metrics.New(prometheus.NewRegistry()),
		Log:     zerolog.Nop(),
	}, mock
}

func TestReplaceTransitionsRollsBackOnInsertFailure(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM roles WHERE id IN (?)`)).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM trackers WHERE id IN (?)`)).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM issue_statuses WHERE id IN (?, ?)`)).
		WithArgs(1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM workflow_transitions WHERE role_id=? AND tracker_id=?`)).
		WithArgs(2, 1).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`INSERT INTO workflow_transitions`).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := e.ReplaceTransitions(context.Background(), 2, 1, []TransitionEdit{{FromStatusID: 1, ToStatusID: 2, Always: true}}, "tester")
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDuplicateRulesRollsBackOnEventFailure(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM roles WHERE id IN (?)`)).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM trackers WHERE id IN (?)`)).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM roles WHERE id IN (?)`)).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM trackers WHERE id IN (?)`)).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectQuery(`SELECT role_id,tracker_id,old_status_id,new_status_id,always,author,assignee FROM workflow_transitions`).
		WithArgs(2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "tracker_id", "old_status_id", "new_status_id", "always", "author", "assignee"}).
			AddRow(2, 1, 1, 2, true, false, false))
	mock.ExpectQuery(`SELECT role_id,tracker_id,old_status_id,field_name,rule FROM workflow_permissions`).
		WithArgs(2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "tracker_id", "old_status_id", "field_name", "rule"}))
	mock.ExpectExec(`DELETE FROM workflow_transitions`).WithArgs(3, 2).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO workflow_transitions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM workflow_permissions`).WithArgs(3, 2).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO events`).WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err := e.DuplicateRules(context.Background(), CopyRequest{
		SourceTrackerID:  1,
		SourceRoleID:     2,
		TargetTrackerIDs: []int{2},
		TargetRoleIDs:    []int{3},
	}, "tester")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
