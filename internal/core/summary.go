package core

import "sort"

// CategoryAmount is the total spent in one category.
type CategoryAmount struct {
	Category int64
	Amount   Money
	Count    int
}

// Summary is a compact aggregate of a list of expenses, typically the result
// of a range query.
type Summary struct {
	Total      Money
	Count      int
	ByCategory []CategoryAmount // ordered by category id
}

// Summarize totals expenses overall and per category id.
func Summarize(expenses []Expense) Summary {
	var s Summary
	byCat := make(map[int64]*CategoryAmount)
	for _, e := range expenses {
		s.Total.Cents += e.Amount.Cents
		s.Count++
		ca, ok := byCat[e.Category]
		if !ok {
			ca = &CategoryAmount{Category: e.Category}
			byCat[e.Category] = ca
		}
		ca.Amount.Cents += e.Amount.Cents
		ca.Count++
	}
	for _, ca := range byCat {
		s.ByCategory = append(s.ByCategory, *ca)
	}
	sort.Slice(s.ByCategory, func(i, j int) bool {
		return s.ByCategory[i].Category < s.ByCategory[j].Category
	})
	return s
}
