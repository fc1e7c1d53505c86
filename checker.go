package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type checkStatus int

const (
	checkOK checkStatus = iota
	checkNoBalance
	checkInProgress
	checkTimedOut
	checkFailed
)

type checkResult struct {
	Status checkStatus
	Page   PageData
	Change balanceChange
}

// checker serializes balance checks per subscriber and bounds how many
// render sessions run at once across all of them.
type checker struct {
	db      *gorm.DB
	fetcher pageFetcher
	timeout time.Duration
	pacing  time.Duration

	// subscribers currently being checked, keyed by Telegram id. LoadOrStore
	// is the atomic entry into the Checking state.
	inFlight sync.Map

	// each render session holds a slot for its whole duration
	sessions chan struct{}

	notifyChange func(sub Subscriber, change balanceChange, last *Transaction)
}

func newChecker(db *gorm.DB, fetcher pageFetcher, timeout, pacing time.Duration, workers int) *checker {
	return &checker{
		db:       db,
		fetcher:  fetcher,
		timeout:  timeout,
		pacing:   pacing,
		sessions: make(chan struct{}, workers),
	}
}

// checkNow runs a single on-demand check. If a check for this subscriber is
// already running it reports that immediately instead of queueing up.
func (c *checker) checkNow(sub Subscriber) checkResult {
	if _, loaded := c.inFlight.LoadOrStore(sub.TelegramID, struct{}{}); loaded {
		return checkResult{Status: checkInProgress}
	}
	defer c.inFlight.Delete(sub.TelegramID)
	return c.runCheck(sub)
}

func (c *checker) runCheck(sub Subscriber) checkResult {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	type fetchOutcome struct {
		pageHTML string
		err      error
	}
	done := make(chan fetchOutcome, 1)
	go func() {
		c.sessions <- struct{}{}
		defer func() { <-c.sessions }()
		if ctx.Err() != nil {
			done <- fetchOutcome{err: ctx.Err()}
			return
		}
		pageHTML, err := c.fetcher.FetchBalancePage(ctx, sub.CardNumber)
		done <- fetchOutcome{pageHTML: pageHTML, err: err}
	}()

	var outcome fetchOutcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		// the fetcher tears its own session down when ctx is cancelled,
		// the coordinator only stops waiting
		log.Printf("balance check timed out for subscriber %v", sub.TelegramID)
		return checkResult{Status: checkTimedOut}
	}
	if outcome.err != nil {
		if errors.Is(outcome.err, context.DeadlineExceeded) {
			log.Printf("balance check timed out for subscriber %v", sub.TelegramID)
			return checkResult{Status: checkTimedOut}
		}
		log.Printf("error fetching balance page for subscriber %v: %v", sub.TelegramID, outcome.err)
		return checkResult{Status: checkFailed}
	}

	page := extractBalancePage(outcome.pageHTML)
	prevSnap, err := latestSnapshot(c.db, sub.TelegramID)
	if err != nil {
		log.Printf("error loading previous balance for subscriber %v: %v", sub.TelegramID, err)
		return checkResult{Status: checkFailed}
	}
	var prev decimal.NullDecimal
	if prevSnap != nil {
		prev = prevSnap.Balance
	}
	change := detectChange(prev, page.Balance)
	if err := appendSnapshot(c.db, sub.TelegramID, page.Balance, page.Transactions); err != nil {
		log.Printf("error saving snapshot for subscriber %v: %v", sub.TelegramID, err)
		return checkResult{Status: checkFailed}
	}
	if change.Notify && c.notifyChange != nil {
		c.notifyChange(sub, change, page.LastTransaction)
	}
	if !page.Balance.Valid {
		log.Printf("could not extract balance for subscriber %v", sub.TelegramID)
		return checkResult{Status: checkNoBalance, Page: page}
	}
	return checkResult{Status: checkOK, Page: page, Change: change}
}

// runSweep checks every registered subscriber once. A failure for one
// subscriber never stops the sweep, and subscribers with a check already in
// flight are skipped rather than queued.
func (c *checker) runSweep() {
	subs, err := listSubscribers(c.db)
	if err != nil {
		log.Printf("error listing subscribers for sweep: %v", err)
		return
	}
	for _, sub := range subs {
		if !c.sweepOne(sub) {
			continue
		}
		time.Sleep(c.pacing)
	}
}

func (c *checker) sweepOne(sub Subscriber) bool {
	if _, loaded := c.inFlight.LoadOrStore(sub.TelegramID, struct{}{}); loaded {
		return false
	}
	defer c.inFlight.Delete(sub.TelegramID)
	result := c.runCheck(sub)
	if result.Status == checkFailed || result.Status == checkTimedOut {
		log.Printf("sweep check for subscriber %v did not complete (status %v)", sub.TelegramID, result.Status)
	}
	return true
}

func (c *checker) runSweepLoop(interval time.Duration) {
	// let the bot come up before the first sweep
	time.Sleep(10 * time.Second)
	for {
		log.Printf("running balance sweep")
		c.runSweep()
		time.Sleep(interval)
	}
}
