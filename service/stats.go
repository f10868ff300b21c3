package service

import (
	"gonum.org/v1/gonum/stat"
)

func (s *Service) collectStats() Stats {
	st, blocks := s.ledger.Summary()
	out := Stats{Stats: st}
	if len(blocks) < 2 {
		return out
	}
	intervals := make([]float64, 0, len(blocks)-1)
	sizes := make([]float64, 0, len(blocks)-1)
	for i := 1; i < len(blocks); i++ {
		intervals = append(intervals, float64(blocks[i].Timestamp-blocks[i-1].Timestamp))
		sizes = append(sizes, float64(len(blocks[i].Transactions)))
	}
	out.MeanBlockInterval, out.StdDevBlockInterval = meanStdDev(intervals)
	out.MeanBlockSize, out.StdDevBlockSize = meanStdDev(sizes)
	return out
}

// meanStdDev is stat.MeanStdDev with a zero deviation for a single sample.
func meanStdDev(x []float64) (float64, float64) {
	if len(x) == 1 {
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}
