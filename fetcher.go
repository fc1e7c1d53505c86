package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chromedp/chromedp"
)

var (
	ErrSessionStart = errors.New("render session could not be started")
	ErrLocateInput  = errors.New("card number input not found on page")
	ErrLocateSubmit = errors.New("submit button not found on page")
)

// pageFetcher is what the checker needs from the scraping side: card number
// in, rendered page HTML out.
type pageFetcher interface {
	FetchBalancePage(ctx context.Context, cardNumber string) (string, error)
}

type locator struct {
	sel string
	by  chromedp.QueryOption
}

// The DNB page has no stable ids, so both controls are located by trying a
// list of selectors from most to least specific. First match wins.
var cardInputLocators = []locator{
	{`input.dnb-input__input[maxlength="12"]`, chromedp.ByQuery},
	{`input.dnb-input__input`, chromedp.ByQuery},
	{`input[type="text"][maxlength="12"]`, chromedp.ByQuery},
	{`input[type="text"]`, chromedp.ByQuery},
}

var submitLocators = []locator{
	{`//button[.//span[contains(text(), 'Se saldo')]]`, chromedp.BySearch},
	{`//span[contains(text(), 'Se saldo')]`, chromedp.BySearch},
	{`button.dnb-button`, chromedp.ByQuery},
	{`button[type="submit"]`, chromedp.ByQuery},
}

// chromeFetcher drives a headless Chrome session per check. Every check gets
// a fresh browser which is torn down on all exit paths.
type chromeFetcher struct {
	url            string
	locatorTimeout time.Duration
}

func newChromeFetcher(url string, locatorTimeout time.Duration) *chromeFetcher {
	return &chromeFetcher{url: url, locatorTimeout: locatorTimeout}
}

func (f *chromeFetcher) FetchBalancePage(ctx context.Context, cardNumber string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	err := chromedp.Run(browserCtx,
		chromedp.Navigate(f.url),
		chromedp.Sleep(3*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionStart, err)
	}

	input, err := f.locate(browserCtx, cardInputLocators, ErrLocateInput)
	if err != nil {
		return "", err
	}
	err = chromedp.Run(browserCtx,
		chromedp.Clear(input.sel, input.by),
		chromedp.SendKeys(input.sel, cardNumber, input.by),
	)
	if err != nil {
		return "", fmt.Errorf("entering card number: %w", err)
	}

	submit, err := f.locate(browserCtx, submitLocators, ErrLocateSubmit)
	if err != nil {
		return "", err
	}
	var pageHTML string
	err = chromedp.Run(browserCtx,
		chromedp.ScrollIntoView(submit.sel, submit.by),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Click(submit.sel, submit.by),
		// the balance renders asynchronously after submit
		chromedp.Sleep(5*time.Second),
		chromedp.OuterHTML("html", &pageHTML, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("submitting card number: %w", err)
	}
	return pageHTML, nil
}

// locate tries each locator with a bounded wait and returns the first one
// that becomes visible.
func (f *chromeFetcher) locate(ctx context.Context, locators []locator, notFound error) (locator, error) {
	for _, loc := range locators {
		waitCtx, cancel := context.WithTimeout(ctx, f.locatorTimeout)
		err := chromedp.Run(waitCtx, chromedp.WaitVisible(loc.sel, loc.by))
		cancel()
		if err == nil {
			return loc, nil
		}
		if ctx.Err() != nil {
			return locator{}, ctx.Err()
		}
		log.Printf("locator %v did not match: %v", loc.sel, err)
	}
	return locator{}, notFound
}
