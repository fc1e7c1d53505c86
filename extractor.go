package main

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
)

// PageData is everything extractBalancePage can pull out of one rendered
// saldo page. An invalid Balance means "could not be determined", which is
// not the same thing as zero.
type PageData struct {
	Balance         decimal.NullDecimal
	Transactions    []Transaction
	LastTransaction *Transaction
}

var kronerRe = regexp.MustCompile(`(?i)([0-9\s,]+)\s*kr`)

var norwegianMonths = []string{
	"Januar", "Februar", "Mars", "April", "Mai", "Juni",
	"Juli", "August", "September", "Oktober", "November", "Desember",
}

// The page uses non-breaking spaces as thousands separators.
func normalizeSpaces(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	s = strings.ReplaceAll(s, " ", " ")
	return strings.TrimSpace(s)
}

// parseKroner turns a locale-formatted figure like "11 007,05 kr" into a
// dot-decimal value. Returns false if the text does not contain one.
func parseKroner(text string) (decimal.Decimal, bool) {
	m := kronerRe.FindStringSubmatch(normalizeSpaces(text))
	if m == nil {
		return decimal.Decimal{}, false
	}
	cleaned := strings.ReplaceAll(m[1], " ", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// extractBalancePage parses the rendered saldo page. It never fails: a page
// where nothing can be recognized yields an absent balance and no
// transactions.
func extractBalancePage(pageHTML string) PageData {
	var result PageData
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return result
	}

	// Balance strategies run in priority order, first parsed value wins.
	strategies := []func(*goquery.Document) (decimal.Decimal, bool){
		balanceByCaption,
		balanceByPosition,
		balanceByElimination,
	}
	for _, strategy := range strategies {
		if d, ok := strategy(doc); ok {
			result.Balance = decimal.NullDecimal{Decimal: d, Valid: true}
			break
		}
	}

	result.Transactions = extractTransactions(doc)
	if len(result.Transactions) > 0 {
		result.LastTransaction = &result.Transactions[0]
	}
	return result
}

// balanceByCaption finds the "Saldo" caption paragraph and walks up its
// ancestors looking for the heading that holds the figure.
func balanceByCaption(doc *goquery.Document) (decimal.Decimal, bool) {
	var caption *goquery.Selection
	doc.Find("p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.EqualFold(strings.TrimSpace(s.Text()), "Saldo") {
			caption = s
			return false
		}
		return true
	})
	if caption == nil {
		return decimal.Decimal{}, false
	}
	current := caption.Parent()
	for depth := 0; depth < 10 && current.Length() > 0; depth++ {
		visible := current.Find("h2.dnb-h--large span.dnb-number-format span.dnb-number-format__visible").First()
		if visible.Length() > 0 {
			if d, ok := parseKroner(visible.Text()); ok {
				return d, true
			}
		}
		current = current.Parent()
	}
	return decimal.Decimal{}, false
}

var transactionsMarkerRe = regexp.MustCompile(`(?i)Viser.*siste transaksjoner`)

// balanceByPosition locates the "Viser ... siste transaksjoner" marker and
// takes the first number-format span that comes before it in document order
// and sits in a heading rather than a table row.
func balanceByPosition(doc *goquery.Document) (decimal.Decimal, bool) {
	var marker *html.Node
	doc.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if transactionsMarkerRe.MatchString(ownText(s)) {
			marker = s.Get(0)
			return false
		}
		return true
	})
	if marker == nil {
		return decimal.Decimal{}, false
	}
	order := documentOrder(doc)
	markerPos := order[marker]

	var found decimal.Decimal
	ok := false
	doc.Find("span.dnb-number-format").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if order[s.Get(0)] >= markerPos {
			return true
		}
		if s.ParentsFiltered("h2.dnb-h--large").Length() == 0 || s.ParentsFiltered("tr").Length() > 0 {
			return true
		}
		visible := s.Find("span.dnb-number-format__visible").First()
		if visible.Length() == 0 {
			return true
		}
		if d, parsed := parseKroner(visible.Text()); parsed {
			found = d
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// balanceByElimination takes any large heading outside a table as the
// balance. Transactions always live inside the table, so whatever is left
// over is the summary figure.
func balanceByElimination(doc *goquery.Document) (decimal.Decimal, bool) {
	var found decimal.Decimal
	ok := false
	doc.Find("h2.dnb-h--large").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.ParentsFiltered("table").Length() > 0 {
			return true
		}
		visible := s.Find("span.dnb-number-format span.dnb-number-format__visible").First()
		if visible.Length() == 0 {
			return true
		}
		if d, parsed := parseKroner(visible.Text()); parsed && d.IsPositive() {
			found = d
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// extractTransactions walks the transaction table. Month group headers (rows
// with a td cell) are skipped, and any row whose date still mentions a month
// name is a misclassified header and gets dropped too.
func extractTransactions(doc *goquery.Document) []Transaction {
	table := doc.Find(`table[class*="dnb-table"]`).First()
	if table.Length() == 0 {
		return nil
	}
	var transactions []Transaction
	table.Find(`tr[class*="dnb-table__tr"]`).Each(func(_ int, row *goquery.Selection) {
		if row.Find("td.dnb-table__td").Length() > 0 {
			return
		}

		var dateParts []string
		if span := row.Find(`span[class*="dnb-span"]`).First(); span.Length() > 0 {
			dateParts = append(dateParts, strings.TrimSpace(span.Text()))
		}
		if num := row.Find("p.dnb-p--bold").First(); num.Length() > 0 {
			dateParts = append(dateParts, strings.TrimSpace(num.Text()))
		}
		date := strings.Join(dateParts, " ")

		description := ""
		row.Find("p.dnb-p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
			if p.HasClass("dnb-p--bold") {
				return true
			}
			text := strings.TrimSpace(p.Text())
			if text == "" {
				return true
			}
			for _, part := range dateParts {
				if text == part {
					return true
				}
			}
			description = text
			return false
		})

		amount := ""
		if amt := row.Find("span.dnb-number-format__visible").First(); amt.Length() > 0 {
			amount = strings.TrimSpace(amt.Text())
		}

		if description == "" && amount == "" {
			return
		}
		for _, month := range norwegianMonths {
			if strings.Contains(date, month) {
				return
			}
		}
		transactions = append(transactions, Transaction{
			Date:        date,
			Description: description,
			Amount:      amount,
		})
	})
	return transactions
}

func ownText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
	}
	return b.String()
}

// documentOrder assigns every node its position in a pre-order walk, so two
// arbitrary nodes can be compared by where they appear on the page.
func documentOrder(doc *goquery.Document) map[*html.Node]int {
	order := map[*html.Node]int{}
	i := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		order[n] = i
		i++
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return order
}
