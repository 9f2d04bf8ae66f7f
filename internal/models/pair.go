package models

import "sort"

// PairKey returns the order-independent identity of a private channel
// between two users.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}
