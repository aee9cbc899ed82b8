package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/shaxb/tele-google/internal/domain"
)

func TestRepository_InsertDeferred(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO deferred_messages").
		WithArgs("bazaar", int64(42), "iPhone 13", false, sqlmock.AnyArg(), "extract: provider down", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := domain.Message{
		ChannelID: "bazaar",
		MessageID: 42,
		Text:      "iPhone 13",
		PostedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := repo.InsertDeferred(ctx, msg, "extract: provider down"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_ListDeferred(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"channel_id", "message_id", "text", "has_media", "posted_at", "reason", "deferred_at",
	}).
		AddRow("bazaar", int64(5), "iPhone 13", false, time.Now(), "extract: timeout", time.Now()).
		AddRow("bazaar", int64(9), "MacBook", true, time.Now(), "embed: timeout", time.Now())

	mock.ExpectQuery("SELECT (.+) FROM deferred_messages").
		WithArgs(100).
		WillReturnRows(rows)

	deferred, err := repo.ListDeferred(ctx, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deferred) != 2 {
		t.Fatalf("expected 2 deferred messages, got %d", len(deferred))
	}

	msg := deferred[0].Message()
	if msg.ChannelID != "bazaar" || msg.MessageID != 5 {
		t.Errorf("unexpected replay message: %+v", msg)
	}
}

func TestRepository_MinDeferredID(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	testCases := []struct {
		name      string
		setupMock func()
		wantID    int64
		wantErr   error
	}{
		{
			name: "returns minimum id",
			setupMock: func() {
				rows := sqlmock.NewRows([]string{"min"}).AddRow(int64(5))
				mock.ExpectQuery("SELECT MIN\\(message_id\\) FROM deferred_messages").
					WithArgs("bazaar").
					WillReturnRows(rows)
			},
			wantID: 5,
		},
		{
			// MIN over an empty set yields a NULL row, not ErrNoRows.
			name: "returns not found when channel has no deferred messages",
			setupMock: func() {
				rows := sqlmock.NewRows([]string{"min"}).AddRow(nil)
				mock.ExpectQuery("SELECT MIN\\(message_id\\) FROM deferred_messages").
					WithArgs("bazaar").
					WillReturnRows(rows)
			},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()

			id, err := repo.MinDeferredID(ctx, "bazaar")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id != tc.wantID {
				t.Errorf("MinDeferredID() = %d, want %d", id, tc.wantID)
			}
		})
	}
}

func TestRepository_DeleteDeferred(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM deferred_messages").
		WithArgs("bazaar", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.DeleteDeferred(ctx, "bazaar", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
