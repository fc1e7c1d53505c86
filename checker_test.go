package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func balancePage(amount string) string {
	return `<html><body><div><p>Saldo</p>` +
		`<h2 class="dnb-h--large"><span class="dnb-number-format">` +
		`<span class="dnb-number-format__visible">` + amount + ` kr</span></span></h2>` +
		`</div></body></html>`
}

// fakeFetcher serves canned pages per card number. Cards in block hang until
// the check's context is cancelled, cards in fail error out.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	block map[string]bool
	fail  map[string]error
	calls []string
}

func (f *fakeFetcher) FetchBalancePage(ctx context.Context, cardNumber string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cardNumber)
	page := f.pages[cardNumber]
	blocked := f.block[cardNumber]
	failErr := f.fail[cardNumber]
	f.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if failErr != nil {
		return "", failErr
	}
	return page, nil
}

func (f *fakeFetcher) setPage(cardNumber, page string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[cardNumber] = page
}

func (f *fakeFetcher) cardCalls(cardNumber string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == cardNumber {
			n++
		}
	}
	return n
}

// blockingFetcher signals when a fetch has entered and holds it until
// released, so tests can pin a subscriber in the Checking state.
type blockingFetcher struct {
	page    string
	started chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) FetchBalancePage(ctx context.Context, cardNumber string) (string, error) {
	f.started <- struct{}{}
	select {
	case <-f.release:
		return f.page, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func countSnapshots(t *testing.T, testDB *gorm.DB, telegramID int64) int64 {
	t.Helper()
	var count int64
	require.NoError(t, testDB.Model(&BalanceSnapshot{}).Where("telegram_id = ?", telegramID).Count(&count).Error)
	return count
}

func TestCheckNow_SecondCallRejectedImmediately(t *testing.T) {
	testDB := newTestDB(t)
	f := &blockingFetcher{
		page:    balancePage("100,00"),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := newChecker(testDB, f, time.Minute, 0, 2)
	sub := Subscriber{TelegramID: 1, CardNumber: "111122223333"}

	firstDone := make(chan checkResult, 1)
	go func() { firstDone <- c.checkNow(sub) }()
	<-f.started

	start := time.Now()
	second := c.checkNow(sub)
	assert.Equal(t, checkInProgress, second.Status)
	assert.Less(t, time.Since(start), time.Second, "guard rejection must not wait for the running check")

	close(f.release)
	first := <-firstDone
	assert.Equal(t, checkOK, first.Status)
	assert.EqualValues(t, 1, countSnapshots(t, testDB, 1), "only the admitted check writes a snapshot")
}

func TestCheckNow_DistinctSubscribersRunConcurrently(t *testing.T) {
	testDB := newTestDB(t)
	f := &blockingFetcher{
		page:    balancePage("100,00"),
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	c := newChecker(testDB, f, time.Minute, 0, 2)

	done := make(chan checkResult, 2)
	go func() { done <- c.checkNow(Subscriber{TelegramID: 1, CardNumber: "a"}) }()
	go func() { done <- c.checkNow(Subscriber{TelegramID: 2, CardNumber: "b"}) }()

	// both fetches enter before either is released
	<-f.started
	<-f.started
	close(f.release)
	for i := 0; i < 2; i++ {
		assert.Equal(t, checkOK, (<-done).Status)
	}
}

func TestCheckNow_TimeoutWritesNoSnapshot(t *testing.T) {
	testDB := newTestDB(t)
	f := &fakeFetcher{block: map[string]bool{"stuck": true}}
	c := newChecker(testDB, f, 50*time.Millisecond, 0, 2)

	result := c.checkNow(Subscriber{TelegramID: 2, CardNumber: "stuck"})
	assert.Equal(t, checkTimedOut, result.Status)
	assert.EqualValues(t, 0, countSnapshots(t, testDB, 2))
}

func TestCheckNow_FetchFailure(t *testing.T) {
	testDB := newTestDB(t)
	f := &fakeFetcher{fail: map[string]error{"bad": ErrLocateInput}}
	c := newChecker(testDB, f, time.Minute, 0, 2)

	result := c.checkNow(Subscriber{TelegramID: 3, CardNumber: "bad"})
	assert.Equal(t, checkFailed, result.Status)
	assert.EqualValues(t, 0, countSnapshots(t, testDB, 3))
}

func TestCheckNow_FirstReadingIsBaseline(t *testing.T) {
	testDB := newTestDB(t)
	f := &fakeFetcher{pages: map[string]string{"card": balancePage("100,00")}}
	c := newChecker(testDB, f, time.Minute, 0, 2)
	var notified []balanceChange
	c.notifyChange = func(_ Subscriber, change balanceChange, _ *Transaction) {
		notified = append(notified, change)
	}
	sub := Subscriber{TelegramID: 4, CardNumber: "card"}

	first := c.checkNow(sub)
	require.Equal(t, checkOK, first.Status)
	assert.Empty(t, notified, "the first reading is only recorded")
	assert.EqualValues(t, 1, countSnapshots(t, testDB, 4))

	f.setPage("card", balancePage("105,50"))
	second := c.checkNow(sub)
	require.Equal(t, checkOK, second.Status)
	require.Len(t, notified, 1)
	assert.True(t, notified[0].Delta.Equal(decimal.RequireFromString("5.50")), "delta %v", notified[0].Delta)
	assert.EqualValues(t, 2, countSnapshots(t, testDB, 4))

	// unchanged balance is recorded but not notified again
	third := c.checkNow(sub)
	require.Equal(t, checkOK, third.Status)
	assert.Len(t, notified, 1)
	assert.EqualValues(t, 3, countSnapshots(t, testDB, 4))
}

func TestCheckNow_AbsentBalanceRecordedWithoutNotify(t *testing.T) {
	testDB := newTestDB(t)
	require.NoError(t, appendSnapshot(testDB, 5, present("100.00"), nil))
	f := &fakeFetcher{pages: map[string]string{"card": `<html><body><p>ingenting her</p></body></html>`}}
	c := newChecker(testDB, f, time.Minute, 0, 2)
	notifyCount := 0
	c.notifyChange = func(Subscriber, balanceChange, *Transaction) { notifyCount++ }

	result := c.checkNow(Subscriber{TelegramID: 5, CardNumber: "card"})
	assert.Equal(t, checkNoBalance, result.Status)
	assert.Zero(t, notifyCount)
	assert.EqualValues(t, 2, countSnapshots(t, testDB, 5))

	// the absent reading must not have reset the baseline
	f.setPage("card", balancePage("100,00"))
	result = c.checkNow(Subscriber{TelegramID: 5, CardNumber: "card"})
	assert.Equal(t, checkOK, result.Status)
	assert.Zero(t, notifyCount, "balance did not actually change")
}

func TestRunSweep_OneTimeoutDoesNotAbortOthers(t *testing.T) {
	testDB := newTestDB(t)
	require.NoError(t, putCard(testDB, 1, "a", "cardA"))
	require.NoError(t, putCard(testDB, 2, "b", "cardB"))
	require.NoError(t, putCard(testDB, 3, "c", "cardC"))
	// A already has a baseline so the sweep should notify its change
	require.NoError(t, appendSnapshot(testDB, 1, present("100.00"), nil))

	f := &fakeFetcher{
		pages: map[string]string{
			"cardA": balancePage("105,50"),
			"cardC": balancePage("50,00"),
		},
		block: map[string]bool{"cardB": true},
	}
	c := newChecker(testDB, f, 100*time.Millisecond, 0, 2)
	var notified []int64
	c.notifyChange = func(sub Subscriber, _ balanceChange, _ *Transaction) {
		notified = append(notified, sub.TelegramID)
	}

	c.runSweep()

	assert.EqualValues(t, 2, countSnapshots(t, testDB, 1))
	assert.EqualValues(t, 0, countSnapshots(t, testDB, 2), "timed out check writes nothing")
	assert.EqualValues(t, 1, countSnapshots(t, testDB, 3))
	assert.Equal(t, []int64{1}, notified)
}

func TestRunSweep_SkipsSubscriberAlreadyChecking(t *testing.T) {
	testDB := newTestDB(t)
	require.NoError(t, putCard(testDB, 1, "a", "cardA"))
	require.NoError(t, putCard(testDB, 2, "b", "cardB"))

	f := &fakeFetcher{pages: map[string]string{
		"cardA": balancePage("10,00"),
		"cardB": balancePage("20,00"),
	}}
	c := newChecker(testDB, f, time.Minute, 0, 2)
	c.inFlight.Store(int64(1), struct{}{})

	c.runSweep()

	assert.Zero(t, f.cardCalls("cardA"), "subscriber in Checking state is skipped")
	assert.Equal(t, 1, f.cardCalls("cardB"))
}
