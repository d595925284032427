package dataset

import (
	"github.com/objones25/knnsweep/internal/config"
	"github.com/rs/zerolog/log"
)

// Load reads the train and test tables described by cfg. With percentages one source is
// partitioned; otherwise train and test are loaded independently. Labels are separated
// after partitioning.
func Load(cfg config.DataConfig) (train, test *Table, err error) {
	trainFrame, err := LoadCSV(cfg.Train)
	if err != nil {
		return nil, nil, err
	}

	var testFrame *Frame
	if cfg.Splits() {
		trainFrame, testFrame, err = Partition(trainFrame, cfg.TrainPercent, cfg.TestPercent)
		if err != nil {
			return nil, nil, err
		}
		if *cfg.TrainPercent+*cfg.TestPercent > 100 {
			log.Warn().
				Int("train_percent", *cfg.TrainPercent).
				Int("test_percent", *cfg.TestPercent).
				Msg("Train and test partitions overlap")
		}
	} else {
		testFrame, err = LoadCSV(cfg.Test)
		if err != nil {
			return nil, nil, err
		}
	}

	if train, err = trainFrame.Separate(cfg.LabelColumn); err != nil {
		return nil, nil, err
	}
	if cfg.UnlabelledTest {
		test, err = testFrame.Unlabelled(cfg.LabelColumn)
	} else {
		test, err = testFrame.Separate(cfg.LabelColumn)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := CheckCompatible(train, test); err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("train", cfg.Train).
		Str("test", cfg.Test).
		Int("train_rows", train.Len()).
		Int("test_rows", test.Len()).
		Int("features", train.Width()).
		Msg("Loaded dataset")
	return train, test, nil
}
