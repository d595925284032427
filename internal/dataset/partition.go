package dataset

import (
	"github.com/objones25/knnsweep/internal/errdefs"
)

// Offsets returns the train and test row counts for an n-row table. Train takes the
// leading rows, test the trailing ones. When the shares add up to more than 100 the two
// blocks overlap; that is accepted and matches the historical slicing.
func Offsets(n, trainPct, testPct int) (trainRows, testRows int, err error) {
	if trainPct < 0 || trainPct > 100 || testPct < 0 || testPct > 100 {
		return 0, 0, errdefs.Newf("dataset.Offsets", errdefs.ErrConfiguration,
			"percentages train=%d test=%d outside [0, 100]", trainPct, testPct)
	}
	return n * trainPct / 100, n * testPct / 100, nil
}

// Partition splits one frame by percentage. Both percentages must be given, or neither,
// in which case the caller holds two separately loaded frames and Partition returns
// the input unchanged as the training frame with a nil test frame.
func Partition(frame *Frame, trainPct, testPct *int) (train, test *Frame, err error) {
	switch {
	case trainPct == nil && testPct == nil:
		return frame, nil, nil
	case trainPct == nil || testPct == nil:
		return nil, nil, errdefs.New("dataset.Partition", errdefs.ErrConfiguration,
			"train and test percentages must be supplied together")
	}

	n := frame.Len()
	trainRows, testRows, err := Offsets(n, *trainPct, *testPct)
	if err != nil {
		return nil, nil, err
	}
	return frame.Slice(0, trainRows), frame.Slice(n-testRows, n), nil
}
