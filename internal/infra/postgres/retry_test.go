package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type safeRetryErr struct{ safe bool }

func (e safeRetryErr) Error() string     { return "conn busy" }
func (e safeRetryErr) SafeToRetry() bool { return e.safe }

type netTimeoutErr struct{ timeout bool }

func (e netTimeoutErr) Error() string   { return "i/o timeout" }
func (e netTimeoutErr) Timeout() bool   { return e.timeout }
func (e netTimeoutErr) Temporary() bool { return false }

// ─── Retry Classification ───────────────────────────────────────────────────

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("update tail: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"serialization failure at commit", &commitError{err: &pgconn.PgError{Code: "40001"}}, true},
		{"connection lost at commit", &commitError{err: &pgconn.PgError{Code: "08006"}}, false},
		{"timeout at commit", &commitError{err: netTimeoutErr{timeout: true}}, false},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"connection does not exist", fmt.Errorf("begin: %w", &pgconn.PgError{Code: "08003"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"append-only trigger", &pgconn.PgError{Code: "P0001"}, false},
		{"connect error", &pgconn.ConnectError{Config: &pgconn.Config{}}, true},
		{"safe to retry", fmt.Errorf("begin: %w", safeRetryErr{safe: true}), true},
		{"not safe to retry", safeRetryErr{safe: false}, false},
		{"network timeout", fmt.Errorf("read: %w", netTimeoutErr{timeout: true}), true},
		{"network error", netTimeoutErr{timeout: false}, false},
		{"caller canceled", fmt.Errorf("begin: %w", context.Canceled), false},
		{"caller deadline", context.DeadlineExceeded, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
