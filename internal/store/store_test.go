package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	json "github.com/json-iterator/go"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyTime is a matcher that accepts any value (used for timestamps we can't predict exactly)
var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

// jsonEntries matches an encoded entries column holding want.
func jsonEntries(want []schemas.MappingEntry) ArgumentMatcherFunc {
	return func(v interface{}) bool {
		b, ok := v.([]byte)
		if !ok {
			return false
		}
		var got []schemas.MappingEntry
		if err := json.Unmarshal(b, &got); err != nil {
			return false
		}
		return assert.ObjectsAreEqual(want, got)
	}
}

func newStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func sampleMapping() *schemas.FieldMapping {
	return &schemas.FieldMapping{
		Manufacturer: "Acme Appliances",
		RulesVersion: "^1.0",
		Entries: []schemas.MappingEntry{
			{Field: schemas.FieldSerialNumber, Hints: schemas.SelectorHints{Name: "sn"}, Required: true},
			{Field: schemas.FieldPurchaseDate, Hints: schemas.SelectorHints{ID: "dop"}, HelpText: "Date on the receipt"},
		},
	}
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a nil pool", func(t *testing.T) {
		_, err := New(context.Background(), nil, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestMigrate(t *testing.T) {
	s, mockPool := newStore(t, zap.NewNop())
	mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS field_templates")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPutTemplates(t *testing.T) {
	ctx := context.Background()

	t.Run("should upsert in one batch without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newStore(t, zap.New(observedZapCore))
		m := sampleMapping()

		mockPool.ExpectBegin()
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertTemplate)).
			WithArgs("acme-appliances", "Acme Appliances", "^1.0", "", jsonEntries(m.Entries), anyTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.PutTemplates(ctx, []*schemas.FieldMapping{m}))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should roll back when an upsert fails", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		m := sampleMapping()

		mockPool.ExpectBegin()
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertTemplate)).
			WithArgs("acme-appliances", "Acme Appliances", "^1.0", "", jsonEntries(m.Entries), anyTime).
			WillReturnError(errors.New("constraint violation"))
		mockPool.ExpectRollback()

		err := s.PutTemplates(ctx, []*schemas.FieldMapping{m})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Acme Appliances")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should do nothing for an empty set", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		require.NoError(t, s.PutTemplates(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("should decode a stored template", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		m := sampleMapping()
		entries, err := json.Marshal(m.Entries)
		require.NoError(t, err)

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectTemplate)).
			WithArgs("acme-appliances").
			WillReturnRows(pgxmock.NewRows([]string{"manufacturer", "rules_version", "url_pattern", "entries"}).
				AddRow(m.Manufacturer, m.RulesVersion, "", entries))

		got, err := s.Lookup(ctx, "  ACME   Appliances ")
		require.NoError(t, err)
		assert.Equal(t, m, got)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return nil when no template exists", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectTemplate)).
			WithArgs("globex").
			WillReturnRows(pgxmock.NewRows([]string{"manufacturer", "rules_version", "url_pattern", "entries"}))

		got, err := s.Lookup(ctx, "Globex")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("should wrap query errors", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		boom := errors.New("connection reset")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectTemplate)).
			WithArgs("globex").
			WillReturnError(boom)

		_, err := s.Lookup(ctx, "Globex")
		assert.ErrorIs(t, err, boom)
	})
}

func sampleResult() *schemas.RegistrationResult {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &schemas.RegistrationResult{
		RunID:            "run-1",
		JobID:            "job-1",
		Status:           schemas.StatusSuccess,
		Success:          true,
		ConfirmationCode: "ABC123",
		AttemptNumber:    1,
		DurationMs:       4200,
		TargetURL:        "https://acme.example/register",
		StartedAt:        started,
		FinishedAt:       started.Add(4200 * time.Millisecond),
	}
}

func TestSaveResult(t *testing.T) {
	s, mockPool := newStore(t, zap.NewNop())
	res := sampleResult()

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	res.FinishedAt = res.FinishedAt.In(loc)

	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertResult)).
		WithArgs("run-1", "job-1", "SUCCESS", "", "ABC123", 1, int64(4200), res.TargetURL,
			ArgumentMatcherFunc(func(v interface{}) bool {
				ts, ok := v.(time.Time)
				return ok && ts.Location() == time.UTC && ts.Equal(res.FinishedAt)
			}),
			ArgumentMatcherFunc(func(v interface{}) bool {
				b, ok := v.([]byte)
				return ok && strings.Contains(string(b), `"confirmation_code":"ABC123"`)
			})).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveResult(context.Background(), res))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestResultByJob(t *testing.T) {
	ctx := context.Background()

	t.Run("should decode the latest result", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		want := sampleResult()
		payload, err := json.Marshal(want)
		require.NoError(t, err)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectResultByJob)).
			WithArgs("job-1").
			WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

		got, err := s.ResultByJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, want.ConfirmationCode, got.ConfirmationCode)
		assert.True(t, want.FinishedAt.Equal(got.FinishedAt))
	})

	t.Run("should report unknown jobs", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectResultByJob)).
			WithArgs("nope").
			WillReturnRows(pgxmock.NewRows([]string{"payload"}))

		_, err := s.ResultByJob(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRecentResults(t *testing.T) {
	s, mockPool := newStore(t, zap.NewNop())
	a, b := sampleResult(), sampleResult()
	b.RunID, b.Status, b.ErrorType = "run-2", schemas.StatusFailed, schemas.ErrorValidation
	pa, _ := json.Marshal(a)
	pb, _ := json.Marshal(b)

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRecent)).
		WithArgs("", 50).
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(pb).AddRow(pa))

	got, err := s.RecentResults(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-2", got[0].RunID)
	assert.Equal(t, schemas.ErrorValidation, got[0].ErrorType)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
