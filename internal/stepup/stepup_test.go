package stepup

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/klear-orders/internal/database/dbtest"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/clock"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXP"

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// countingOracle records how often it was consulted
type countingOracle struct {
	calls int
	ok    bool
}

func (o *countingOracle) Verify(secret, code string) bool {
	o.calls++
	return o.ok
}

func TestRequired(t *testing.T) {
	ctx := context.Background()
	v := NewVerifier(dbtest.New(t), &countingOracle{}, PlainSecrets{}, decimal.Zero)
	require.NoError(t, v.Enroll(ctx, "cautious", testSecret, true))

	tests := []struct {
		name      string
		userID    string
		orderType types.OrderType
		amount    int64
		want      bool
	}{
		{"small buy", "user1", types.OrderTypeBuy, 500, false},
		{"buy just below threshold", "user1", types.OrderTypeBuy, 9_999, false},
		{"buy at threshold", "user1", types.OrderTypeBuy, 10_000, true},
		{"large deposit", "user1", types.OrderTypeDeposit, 15_000, true},
		{"small sell", "user1", types.OrderTypeSell, 1, true},
		{"small withdraw", "user1", types.OrderTypeWithdraw, 1, true},
		{"small transfer", "user1", types.OrderTypeTransfer, 50, false},
		{"permanent step-up", "cautious", types.OrderTypeBuy, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Required(ctx, tt.userID, tt.orderType, decimal.NewFromInt(tt.amount))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerify_MalformedCodeSkipsOracle(t *testing.T) {
	ctx := context.Background()
	oracle := &countingOracle{ok: true}
	v := NewVerifier(dbtest.New(t), oracle, PlainSecrets{}, decimal.Zero)
	require.NoError(t, v.Enroll(ctx, "user1", testSecret, false))

	for _, code := range []string{"", "12345", "1234567", "12a456", " 123456"} {
		assert.ErrorIs(t, v.Verify(ctx, "user1", code), ErrMalformedCode, "code %q", code)
	}
	assert.Equal(t, 0, oracle.calls)
}

func TestVerify_NotEnrolled(t *testing.T) {
	v := NewVerifier(dbtest.New(t), &countingOracle{ok: true}, PlainSecrets{}, decimal.Zero)
	assert.ErrorIs(t, v.Verify(context.Background(), "nobody", "123456"), ErrNotEnrolled)
}

func TestVerify_TOTP(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixed(t0)
	v := NewVerifier(dbtest.New(t), NewTOTPOracle(clk), PlainSecrets{}, decimal.Zero)
	require.NoError(t, v.Enroll(ctx, "user1", testSecret, false))

	code, err := totp.GenerateCode(testSecret, t0)
	require.NoError(t, err)

	assert.NoError(t, v.Verify(ctx, "user1", code))

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	err = v.Verify(ctx, "user1", wrong)
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.ErrorIs(t, err, types.ErrBadRequest)

	// A code from ten minutes ago is outside the skew window
	clk.Advance(10 * time.Minute)
	assert.ErrorIs(t, v.Verify(ctx, "user1", code), ErrInvalidCode)
}
