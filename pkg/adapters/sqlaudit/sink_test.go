package sqlaudit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var _ ports.AuditSink = (*Sink)(nil)

type SinkTestSuite struct {
	suite.Suite
	mockDB *sql.DB
	mock   sqlmock.Sqlmock
	sink   *Sink
}

func TestSinkSuite(t *testing.T) {
	suite.Run(t, new(SinkTestSuite))
}

func (suite *SinkTestSuite) SetupTest() {
	var err error
	suite.mockDB, suite.mock, err = sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		suite.T().Fatalf("Failed to create mock database: %v", err)
	}
	suite.sink = New(suite.mockDB, DriverPostgres)
}

func (suite *SinkTestSuite) TearDownTest() {
	if err := suite.mock.ExpectationsWereMet(); err != nil {
		suite.T().Fatalf("There were unfulfilled expectations: %v", err)
	}
}

func sampleEvent() *domain.TransitionEvent {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &domain.TransitionEvent{
		Timestamp: at.Add(time.Millisecond),
		SessionID: "s1",
		Record: domain.TransitionRecord{
			At:   at,
			From: domain.StateRendered,
			To:   domain.StateAwaitingConfirmation,
			Event: domain.Event{
				Type:    domain.EventNeedsConfirmation,
				PlanID:  "p1",
				MaxRisk: domain.RiskHigh,
			},
		},
	}
}

func (suite *SinkTestSuite) TestMigrate() {
	suite.mock.ExpectExec(queryCreateTable.Postgres).WillReturnResult(sqlmock.NewResult(0, 0))
	suite.mock.ExpectExec(queryCreateIndex.Postgres).WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(suite.T(), suite.sink.Migrate(context.Background()))
}

func (suite *SinkTestSuite) TestMigrateError() {
	suite.mock.ExpectExec(queryCreateTable.Postgres).WillReturnError(errors.New("permission denied"))

	err := suite.sink.Migrate(context.Background())
	assert.ErrorContains(suite.T(), err, "AUD-01")
}

func (suite *SinkTestSuite) TestRecord() {
	ev := sampleEvent()
	suite.mock.ExpectExec(queryInsert.Postgres).
		WithArgs("s1", "2026-03-01T10:00:00.001Z", "2026-03-01T10:00:00Z",
			"Rendered", "AwaitingConfirmation", "needsConfirmation", "p1", "high", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(suite.T(), suite.sink.Record(context.Background(), ev))
}

func (suite *SinkTestSuite) TestRecordError() {
	suite.mock.ExpectExec(queryInsert.Postgres).WillReturnError(errors.New("connection reset"))

	err := suite.sink.Record(context.Background(), sampleEvent())
	assert.ErrorContains(suite.T(), err, "connection reset")
}

func (suite *SinkTestSuite) TestHistory() {
	rows := sqlmock.NewRows([]string{"recorded_at", "transitioned_at", "from_state", "to_state", "event_type", "plan_id", "max_risk", "reason"}).
		AddRow("2026-03-01T10:00:00Z", "2026-03-01T10:00:00Z", "Idle", "IntentCaptured", "intent", "", "", "").
		AddRow("2026-03-01T10:00:01Z", "2026-03-01T10:00:01Z", "IntentCaptured", "Error", "fail", "", "", "parse")
	suite.mock.ExpectQuery(querySelectBySession.Postgres).WithArgs("s1").WillReturnRows(rows)

	got, err := suite.sink.History(context.Background(), "s1")
	require.NoError(suite.T(), err)
	require.Len(suite.T(), got, 2)
	assert.Equal(suite.T(), domain.StateIntentCaptured, got[0].Record.To)
	assert.Equal(suite.T(), domain.EventFail, got[1].Record.Event.Type)
	assert.Equal(suite.T(), "parse", got[1].Record.Event.Reason)
}

func (suite *SinkTestSuite) TestHistoryBadTimestamp() {
	rows := sqlmock.NewRows([]string{"recorded_at", "transitioned_at", "from_state", "to_state", "event_type", "plan_id", "max_risk", "reason"}).
		AddRow("yesterday", "2026-03-01T10:00:00Z", "Idle", "IntentCaptured", "intent", "", "", "")
	suite.mock.ExpectQuery(querySelectBySession.Postgres).WithArgs("s1").WillReturnRows(rows)

	_, err := suite.sink.History(context.Background(), "s1")
	assert.ErrorContains(suite.T(), err, "yesterday")
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	sink, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer sink.Close()

	// Migrate is idempotent.
	require.NoError(t, sink.Migrate(ctx))

	ev := sampleEvent()
	require.NoError(t, sink.Record(ctx, ev))
	other := sampleEvent()
	other.SessionID = "s2"
	require.NoError(t, sink.Record(ctx, other))

	got, err := sink.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, *ev, got[0])
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.ErrorContains(t, err, "unsupported")
}
