package main

import (
	"ledgersync/internal/domain/transaction"
)

// duplicatePair is a stored transaction that the detector would not have
// imported cleanly given the ones dated before it.
type duplicatePair struct {
	Later          *transaction.Transaction
	Earlier        *transaction.Transaction
	Classification transaction.Classification
	Score          float64
}

// findDuplicates replays detection over txns, which must be ordered by date.
// Each transaction is compared only with the ones before it so a pair is
// reported once.
func findDuplicates(d *transaction.DuplicateDetector, txns []*transaction.Transaction) []duplicatePair {
	var pairs []duplicatePair
	for i := 1; i < len(txns); i++ {
		m := d.Classify(txns[i], txns[:i])
		if m.Classification == transaction.ClassificationNew || m.Existing == nil {
			continue
		}
		pairs = append(pairs, duplicatePair{
			Later:          txns[i],
			Earlier:        m.Existing,
			Classification: m.Classification,
			Score:          m.Score,
		})
	}
	return pairs
}
