package billing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGTryConfirmWinner(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("update purchases").
		WithArgs("p1", now, "pi_abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := NewPGStore(db).Purchases(context.Background()).
		TryConfirm(context.Background(), "p1", "pi_abc", now)
	if err != nil {
		t.Fatalf("TryConfirm: %v", err)
	}
	if outcome != ConfirmOK {
		t.Fatalf("outcome = %v, want ConfirmOK", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGTryConfirmLoserDiagnosis(t *testing.T) {
	cases := []struct {
		name   string
		status string
		want   ConfirmOutcome
	}{
		{"blocked by sibling", "requires_confirmation", ConfirmDuplicate},
		{"already succeeded", "succeeded", ConfirmAlreadySucceeded},
		{"terminal failed", "failed", ConfirmInvalidState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock: %v", err)
			}
			defer db.Close()

			now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			mock.ExpectExec("update purchases").
				WithArgs("p1", now, "").
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("select status from purchases").
				WithArgs("p1").
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(tc.status))

			outcome, err := NewPGStore(db).Purchases(context.Background()).
				TryConfirm(context.Background(), "p1", "", now)
			if err != nil {
				t.Fatalf("TryConfirm: %v", err)
			}
			if outcome != tc.want {
				t.Fatalf("outcome = %v, want %v", outcome, tc.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestPGRecordIfNew(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into webhook_events").
		WithArgs("evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into webhook_events").
		WithArgs("evt_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	events := NewPGStore(db).WebhookEvents(context.Background())
	first, err := events.RecordIfNew(context.Background(), "evt_1")
	if err != nil || !first {
		t.Fatalf("first = %v, %v; want true", first, err)
	}
	second, err := events.RecordIfNew(context.Background(), "evt_1")
	if err != nil || second {
		t.Fatalf("second = %v, %v; want false", second, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
