package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/templetwo/threshold-protocols/pkg/circuit"
	"github.com/templetwo/threshold-protocols/pkg/deliberate"
	"github.com/templetwo/threshold-protocols/pkg/hashchain"
	"github.com/templetwo/threshold-protocols/pkg/intervene"
)

func sampleResult(t *testing.T) circuit.Result {
	t.Helper()
	e1, err := hashchain.First(hashchain.Payload{
		Action: intervene.ActionEnforcementStart, Actor: "intervenor",
		Details: map[string]any{"gate_count": 0},
	}, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	e2, err := hashchain.Append(hashchain.Payload{
		Action: intervene.ActionEnforcementApplied, Actor: "intervenor",
	}, e1, time.Date(2026, 6, 1, 12, 0, 1, 0, time.UTC))
	require.NoError(t, err)

	enforcement := intervene.EnforcementResult{
		Applied:    true,
		GateLog:    []intervene.GateResult{},
		AuditTrail: []hashchain.Entry{e1, e2},
	}
	require.NoError(t, enforcement.Seal())
	return circuit.Result{
		Target:      "/data/intake",
		Decision:    deliberate.DecisionProceed,
		Enforcement: &enforcement,
		DurationMs:  12,
	}
}

func TestSaveResultInsertsResultAndTrail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	res := sampleResult(t)
	at := time.Date(2026, 6, 1, 12, 0, 2, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO circuit_results").
		WithArgs(res.Target, "proceed", true, false, "", int64(12), at.UTC(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(int64(7), 0, intervene.ActionEnforcementStart, "intervenor",
			hashchain.Genesis, res.Enforcement.AuditTrail[0].EntryHash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(int64(7), 1, intervene.ActionEnforcementApplied, "intervenor",
			res.Enforcement.AuditTrail[0].EntryHash, res.Enforcement.AuditTrail[1].EntryHash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	id, err := NewWithDB(db).SaveResult(context.Background(), res, at)
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveResultRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO circuit_results").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err = NewWithDB(db).SaveResult(context.Background(), sampleResult(t), time.Now())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadResultNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT payload FROM circuit_results").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	_, err = NewWithDB(db).LoadResult(context.Background(), 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir() + "/circuit.db")
	require.NoError(t, err)
	defer s.Close()

	res := sampleResult(t)
	id, err := s.SaveResult(context.Background(), res, time.Date(2026, 6, 1, 12, 0, 2, 0, time.UTC))
	require.NoError(t, err)

	back, err := s.LoadResult(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, res.Target, back.Target)
	require.Equal(t, res.Decision, back.Decision)
	require.True(t, back.Applied())

	chain, err := s.AuditTrail(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.True(t, hashchain.Verify(chain).OK, "persisted trail must still verify")

	list, err := s.ListResults(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
	require.Equal(t, "proceed", list[0].Decision)
}
