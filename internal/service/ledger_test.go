package service

import (
	"context"
	"testing"
	"time"

	"energy-bap/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntent() models.Intent {
	return models.Intent{
		QuantityKWh: 6,
		SourceType:  models.SourceTypeSolar,
		WindowStart: time.Now().Add(time.Hour),
		WindowEnd:   time.Now().Add(2 * time.Hour),
		MaxPrice:    8,
		Currency:    "INR",
	}
}

func TestLedgerOpen(t *testing.T) {
	ledger := NewLedger(newMemStore(), 30*time.Second)

	tx, err := ledger.Open(context.Background(), validIntent(), 0)
	require.NoError(t, err)
	assert.Equal(t, models.StateInitiated, tx.State)
	assert.Equal(t, 30, tx.TTLSeconds, "zero ttl falls back to the default")
	assert.WithinDuration(t, time.Now().Add(30*time.Second), tx.Deadline, 2*time.Second)
}

func TestLedgerOpenRejectsMalformedIntent(t *testing.T) {
	ledger := NewLedger(newMemStore(), 30*time.Second)

	bad := validIntent()
	bad.QuantityKWh = 0
	_, err := ledger.Open(context.Background(), bad, 0)
	assert.ErrorIs(t, err, models.ErrInvalidIntent)

	bad = validIntent()
	bad.WindowEnd = bad.WindowStart
	_, err = ledger.Open(context.Background(), bad, 0)
	assert.ErrorIs(t, err, models.ErrInvalidIntent)

	bad = validIntent()
	bad.MaxPrice = -1
	_, err = ledger.Open(context.Background(), bad, 0)
	assert.ErrorIs(t, err, models.ErrInvalidIntent)
}

func TestLedgerRecordOutbound(t *testing.T) {
	store := newMemStore()
	ledger := NewLedger(store, 30*time.Second)

	tx, err := ledger.Open(context.Background(), validIntent(), 0)
	require.NoError(t, err)

	moved, err := ledger.RecordOutbound(context.Background(), tx.ID, models.ActionDiscover)
	require.NoError(t, err)
	assert.Equal(t, models.StateDiscovering, moved.State)

	// Out of sequence: select before discovery settled.
	_, err = ledger.RecordOutbound(context.Background(), tx.ID, models.ActionSelect)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	// A repeated discover is equally illegal; the first is still in flight.
	_, err = ledger.RecordOutbound(context.Background(), tx.ID, models.ActionDiscover)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
}

func TestLedgerStatusProbeDoesNotAdvance(t *testing.T) {
	store := newMemStore()
	ledger := NewLedger(store, 30*time.Second)

	tx, err := ledger.Open(context.Background(), validIntent(), 0)
	require.NoError(t, err)
	_, err = ledger.RecordOutbound(context.Background(), tx.ID, models.ActionDiscover)
	require.NoError(t, err)

	probed, err := ledger.RecordOutbound(context.Background(), tx.ID, models.ActionStatus)
	require.NoError(t, err)
	assert.Equal(t, models.StateDiscovering, probed.State)

	current, err := ledger.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDiscovering, current.State)
}

func TestLedgerCancelOnlyFromCancellableStates(t *testing.T) {
	store := newMemStore()
	ledger := NewLedger(store, 30*time.Second)

	tx, err := ledger.Open(context.Background(), validIntent(), 0)
	require.NoError(t, err)

	_, err = ledger.RecordOutbound(context.Background(), tx.ID, models.ActionCancel)
	assert.ErrorIs(t, err, models.ErrIllegalTransition, "nothing to cancel before selection")

	advanceTo(t, ledger, tx.ID, models.StateSelected)

	probed, err := ledger.RecordOutbound(context.Background(), tx.ID, models.ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, models.StateSelected, probed.State, "cancel stays pending until on_cancel arrives")

	first, state, err := ledger.ApplyInbound(context.Background(), tx.ID, models.ActionOnCancel)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, models.StateCancelled, state)
}

func TestLedgerApplyInboundDuplicateIsNoOp(t *testing.T) {
	store := newMemStore()
	ledger := NewLedger(store, 30*time.Second)

	tx, err := ledger.Open(context.Background(), validIntent(), 0)
	require.NoError(t, err)
	advanceTo(t, ledger, tx.ID, models.StateSelecting)

	first, state, err := ledger.ApplyInbound(context.Background(), tx.ID, models.ActionOnSelect)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, models.StateSelected, state)

	// The same callback landing again finds its stage already settled.
	first, state, err = ledger.ApplyInbound(context.Background(), tx.ID, models.ActionOnSelect)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, models.StateSelected, state)
}

func TestLedgerApplyInboundRejectsMismatch(t *testing.T) {
	store := newMemStore()
	ledger := NewLedger(store, 30*time.Second)

	tx, err := ledger.Open(context.Background(), validIntent(), 0)
	require.NoError(t, err)
	advanceTo(t, ledger, tx.ID, models.StateSelecting)

	_, _, err = ledger.ApplyInbound(context.Background(), tx.ID, models.ActionOnConfirm)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	current, err := ledger.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSelecting, current.State, "the mismatched callback changed nothing")
}

func TestLedgerTerminate(t *testing.T) {
	store := newMemStore()
	ledger := NewLedger(store, 30*time.Second)

	tx, err := ledger.Open(context.Background(), validIntent(), 0)
	require.NoError(t, err)

	moved, err := ledger.Terminate(context.Background(), tx.ID, models.StateFailed, models.ReasonProviderError)
	require.NoError(t, err)
	assert.True(t, moved)

	// Terminal is terminal; a second termination reports false.
	moved, err = ledger.Terminate(context.Background(), tx.ID, models.StateExpired, models.ReasonExpired)
	require.NoError(t, err)
	assert.False(t, moved)

	current, err := ledger.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, current.State)
	assert.Equal(t, models.ReasonProviderError, *current.FailureReason)
}

func TestLedgerAttachBpp(t *testing.T) {
	store := newMemStore()
	ledger := NewLedger(store, 30*time.Second)

	tx, err := ledger.Open(context.Background(), validIntent(), 0)
	require.NoError(t, err)

	require.NoError(t, ledger.AttachBpp(context.Background(), tx.ID, "bpp-1", "https://bpp-1.example"))
	// The first responder wins; later discoveries do not overwrite it.
	require.NoError(t, ledger.AttachBpp(context.Background(), tx.ID, "bpp-2", "https://bpp-2.example"))

	current, err := ledger.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	require.NotNil(t, current.BppID)
	assert.Equal(t, "bpp-1", *current.BppID)
	assert.Equal(t, "https://bpp-1.example", *current.BppURI)
}

func TestLedgerExtendDeadline(t *testing.T) {
	store := newMemStore()
	ledger := NewLedger(store, 30*time.Second)

	tx, err := ledger.Open(context.Background(), validIntent(), time.Minute)
	require.NoError(t, err)

	extended, err := ledger.ExtendDeadline(context.Background(), tx.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	current, err := ledger.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.True(t, current.Deadline.After(tx.Deadline), "the deadline moved forward")

	// Deadlines never move backward.
	extended, err = ledger.ExtendDeadline(context.Background(), tx.ID, time.Second)
	require.NoError(t, err)
	assert.False(t, extended)

	extended, err = ledger.ExtendDeadline(context.Background(), tx.ID, 0)
	require.NoError(t, err)
	assert.False(t, extended)

	// Terminal transactions are past extending.
	_, err = ledger.Terminate(context.Background(), tx.ID, models.StateFailed, models.ReasonProviderError)
	require.NoError(t, err)
	extended, err = ledger.ExtendDeadline(context.Background(), tx.ID, time.Hour)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestLedgerListExpired(t *testing.T) {
	store := newMemStore()
	ledger := NewLedger(store, 30*time.Second)

	fresh, err := ledger.Open(context.Background(), validIntent(), time.Hour)
	require.NoError(t, err)
	stale, err := ledger.Open(context.Background(), validIntent(), time.Second)
	require.NoError(t, err)
	done, err := ledger.Open(context.Background(), validIntent(), time.Second)
	require.NoError(t, err)
	_, err = ledger.Terminate(context.Background(), done.ID, models.StateFailed, models.ReasonProviderError)
	require.NoError(t, err)

	expired, err := ledger.ListExpired(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1, "terminal and still-live transactions are skipped")
	assert.Equal(t, stale.ID, expired[0].ID)
	assert.NotEqual(t, fresh.ID, expired[0].ID)
}

// advanceTo walks the ledger along the happy path until the transaction
// reaches the wanted state.
func advanceTo(t *testing.T, ledger *Ledger, txID, want string) {
	t.Helper()

	steps := []struct {
		action string
		state  string
		kind   string
	}{
		{models.ActionDiscover, models.StateDiscovering, "out"},
		{models.ActionOnDiscover, models.StateDiscovered, "in"},
		{models.ActionSelect, models.StateSelecting, "out"},
		{models.ActionOnSelect, models.StateSelected, "in"},
		{models.ActionInit, models.StateInitializing, "out"},
		{models.ActionOnInit, models.StateInitialized, "in"},
		{models.ActionConfirm, models.StateConfirming, "out"},
		{models.ActionOnConfirm, models.StateConfirmed, "in"},
	}

	for _, step := range steps {
		if step.kind == "out" {
			_, err := ledger.RecordOutbound(context.Background(), txID, step.action)
			require.NoError(t, err)
		} else {
			_, _, err := ledger.ApplyInbound(context.Background(), txID, step.action)
			require.NoError(t, err)
		}
		if step.state == want {
			return
		}
	}
	t.Fatalf("state %s is not on the happy path", want)
}
