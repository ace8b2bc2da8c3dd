package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/klear-exchange/internal/database/dbtest"
	"github.com/ksred/klear-exchange/internal/locks"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func inTx(t *testing.T, db *gorm.DB, fn func(lx *Tx) error) error {
	t.Helper()
	set := locks.NewManager(time.Second).NewSet()
	defer set.Release()
	return db.Transaction(func(tx *gorm.DB) error {
		return fn(NewTx(tx, set))
	})
}

func TestTx_ReserveAndReleaseCash(t *testing.T) {
	db := dbtest.New(t)
	u := dbtest.User(t, db, "alice", "1000")
	ctx := context.Background()

	require.NoError(t, inTx(t, db, func(lx *Tx) error {
		return lx.ReserveCash(ctx, u.ID, d("400"))
	}))
	p := dbtest.Portfolio(t, db, u.ID)
	assert.True(t, p.AvailableBalance.Equal(d("600")))
	assert.True(t, p.ReservedBalance.Equal(d("400")))

	require.NoError(t, inTx(t, db, func(lx *Tx) error {
		return lx.ReleaseCash(ctx, u.ID, d("150.25"))
	}))
	p = dbtest.Portfolio(t, db, u.ID)
	assert.True(t, p.AvailableBalance.Equal(d("750.25")))
	assert.True(t, p.ReservedBalance.Equal(d("249.75")))
}

func TestTx_FailedReservationRollsBack(t *testing.T) {
	db := dbtest.New(t)
	u := dbtest.User(t, db, "alice", "100")
	ctx := context.Background()

	err := inTx(t, db, func(lx *Tx) error {
		if err := lx.ReserveCash(ctx, u.ID, d("60")); err != nil {
			return err
		}
		return lx.ReserveCash(ctx, u.ID, d("60"))
	})
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)

	p := dbtest.Portfolio(t, db, u.ID)
	assert.True(t, p.AvailableBalance.Equal(d("100")))
	assert.True(t, p.ReservedBalance.IsZero())
}

func TestTx_ReleaseCashBeyondReserved(t *testing.T) {
	db := dbtest.New(t)
	u := dbtest.User(t, db, "alice", "100")

	err := inTx(t, db, func(lx *Tx) error {
		return lx.ReleaseCash(context.Background(), u.ID, d("1"))
	})
	assert.ErrorIs(t, err, types.ErrInvariantViolation)
}

func TestTx_SharesCreateHoldingOnFirstTouch(t *testing.T) {
	db := dbtest.New(t)
	u := dbtest.User(t, db, "bob", "0")
	s := dbtest.Symbol(t, db, "ACME", "100")
	ctx := context.Background()

	err := inTx(t, db, func(lx *Tx) error {
		return lx.ReserveShares(ctx, u.ID, s.ID, 1)
	})
	assert.ErrorIs(t, err, types.ErrInsufficientShares)

	require.NoError(t, inTx(t, db, func(lx *Tx) error {
		h, err := lx.Holding(ctx, u.ID, s.ID)
		if err != nil {
			return err
		}
		assert.Zero(t, h.Total())
		return nil
	}))
	var count int64
	require.NoError(t, db.Model(&types.Holding{}).Where("user_id = ?", u.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestTx_TransferOnTrade(t *testing.T) {
	db := dbtest.New(t)
	buyer := dbtest.User(t, db, "alice", "2000")
	seller := dbtest.User(t, db, "bob", "0")
	s := dbtest.Symbol(t, db, "ACME", "100")
	dbtest.Shares(t, db, seller.ID, s.ID, 10)
	ctx := context.Background()

	require.NoError(t, inTx(t, db, func(lx *Tx) error {
		if err := lx.ReserveCash(ctx, buyer.ID, d("1010")); err != nil {
			return err
		}
		if err := lx.ReserveShares(ctx, seller.ID, s.ID, 10); err != nil {
			return err
		}
		return lx.TransferOnTrade(ctx, Transfer{
			BuyerID:        buyer.ID,
			SellerID:       seller.ID,
			SymbolID:       s.ID,
			ReservedAmount: d("1010"),
			ActualAmount:   d("990"),
			Quantity:       10,
		})
	}))

	bp := dbtest.Portfolio(t, db, buyer.ID)
	assert.True(t, bp.AvailableBalance.Equal(d("1010")), bp.AvailableBalance.String())
	assert.True(t, bp.ReservedBalance.IsZero())
	sp := dbtest.Portfolio(t, db, seller.ID)
	assert.True(t, sp.AvailableBalance.Equal(d("990")))

	assert.Equal(t, int64(10), dbtest.Holding(t, db, buyer.ID, s.ID).AvailableQuantity)
	sh := dbtest.Holding(t, db, seller.ID, s.ID)
	assert.Zero(t, sh.Total())

	// Cash is conserved across both accounts
	assert.True(t, bp.Total().Add(sp.Total()).Equal(d("2000")))
}

func TestTx_TransferOnTradeSelfTrade(t *testing.T) {
	db := dbtest.New(t)
	u := dbtest.User(t, db, "alice", "1000")
	s := dbtest.Symbol(t, db, "ACME", "100")
	dbtest.Shares(t, db, u.ID, s.ID, 5)
	ctx := context.Background()

	require.NoError(t, inTx(t, db, func(lx *Tx) error {
		if err := lx.ReserveCash(ctx, u.ID, d("500")); err != nil {
			return err
		}
		if err := lx.ReserveShares(ctx, u.ID, s.ID, 5); err != nil {
			return err
		}
		return lx.TransferOnTrade(ctx, Transfer{
			BuyerID: u.ID, SellerID: u.ID, SymbolID: s.ID,
			ReservedAmount: d("500"), ActualAmount: d("450"), Quantity: 5,
		})
	}))

	p := dbtest.Portfolio(t, db, u.ID)
	assert.True(t, p.AvailableBalance.Equal(d("1000")), p.AvailableBalance.String())
	assert.True(t, p.ReservedBalance.IsZero())
	h := dbtest.Holding(t, db, u.ID, s.ID)
	assert.Equal(t, int64(5), h.AvailableQuantity)
	assert.Zero(t, h.ReservedQuantity)
}

func TestTx_TransferOnTradeRejectsBrokenPreconditions(t *testing.T) {
	db := dbtest.New(t)
	buyer := dbtest.User(t, db, "alice", "1000")
	seller := dbtest.User(t, db, "bob", "0")
	s := dbtest.Symbol(t, db, "ACME", "100")
	dbtest.Shares(t, db, seller.ID, s.ID, 10)
	ctx := context.Background()

	cases := map[string]Transfer{
		"nothing reserved": {BuyerID: buyer.ID, SellerID: seller.ID, SymbolID: s.ID,
			ReservedAmount: d("100"), ActualAmount: d("100"), Quantity: 1},
		"actual above reserved": {BuyerID: buyer.ID, SellerID: seller.ID, SymbolID: s.ID,
			ReservedAmount: d("100"), ActualAmount: d("101"), Quantity: 1},
		"zero quantity": {BuyerID: buyer.ID, SellerID: seller.ID, SymbolID: s.ID,
			ReservedAmount: d("0"), ActualAmount: d("0"), Quantity: 0},
	}
	for name, tr := range cases {
		t.Run(name, func(t *testing.T) {
			err := inTx(t, db, func(lx *Tx) error {
				return lx.TransferOnTrade(ctx, tr)
			})
			assert.ErrorIs(t, err, types.ErrInvariantViolation)
		})
	}

	p := dbtest.Portfolio(t, db, buyer.ID)
	assert.True(t, p.AvailableBalance.Equal(d("1000")))
	assert.Equal(t, int64(10), dbtest.Holding(t, db, seller.ID, s.ID).AvailableQuantity)
}

func TestProvisioner_OnUserCreated(t *testing.T) {
	db := dbtest.New(t)
	acme := dbtest.Symbol(t, db, "ACME", "")
	initSym := dbtest.Symbol(t, db, "INIT", "")
	u := &types.User{Username: "carol", PasswordHash: "x"}
	require.NoError(t, db.Create(u).Error)

	p := NewProvisioner(db, d("10000000"), 50)
	require.NoError(t, p.OnUserCreated(context.Background(), u))
	require.NoError(t, p.OnUserCreated(context.Background(), u))

	portfolio := dbtest.Portfolio(t, db, u.ID)
	assert.True(t, portfolio.AvailableBalance.Equal(d("10000000")))
	assert.Equal(t, int64(50), dbtest.Holding(t, db, u.ID, acme.ID).AvailableQuantity)
	assert.Equal(t, int64(50), dbtest.Holding(t, db, u.ID, initSym.ID).AvailableQuantity)

	svc := NewService(db)
	holdings, err := svc.ListHoldings(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 2)
	assert.Equal(t, "ACME", holdings[0].Symbol)

	resp, err := svc.GetPortfolio(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "10000000.00", resp.AvailableBalance)
	assert.Equal(t, "0.00", resp.ReservedBalance)
}

func TestTx_CashKeepsFullPrecision(t *testing.T) {
	// decimal(14,2) is the widest money column; sqlite holds it as REAL
	db := dbtest.New(t)
	u := dbtest.User(t, db, "whale", "999999999999.99")
	ctx := context.Background()

	require.NoError(t, inTx(t, db, func(lx *Tx) error {
		return lx.ReserveCash(ctx, u.ID, d("0.01"))
	}))
	p := dbtest.Portfolio(t, db, u.ID)
	assert.Equal(t, "999999999999.98", p.AvailableBalance.StringFixed(2))
	assert.Equal(t, "0.01", p.ReservedBalance.StringFixed(2))
	assert.True(t, p.AvailableBalance.Add(p.ReservedBalance).Equal(d("999999999999.99")))
}
