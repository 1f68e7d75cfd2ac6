// Package tracker implements Trackers, which track and save data in an
// experiment
package tracker

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Step is the data produced by one update of an experiment
type Step struct {
	Number     int     // Starts at 1
	Loss       float64 // Loss returned by the update
	MeanReward float64 // Mean reward of the actions taken
	TargetProb float64 // Mean probability of the rewarded action
}

// Tracker keeps track of experiment data and saves the data after the
// experiment has finished
type Tracker interface {
	Track(s Step)
	Save() error
}

// Series tracks a single value of every Step
type Series struct {
	name     string
	value    func(Step) float64
	data     []float64
	filename string
}

// NewLoss returns a Tracker of the loss of each update
func NewLoss(filename string) *Series {
	return newSeries("loss", filename, func(s Step) float64 {
		return s.Loss
	})
}

// NewMeanReward returns a Tracker of the mean reward of each update
func NewMeanReward(filename string) *Series {
	return newSeries("mean reward", filename, func(s Step) float64 {
		return s.MeanReward
	})
}

// NewTargetProb returns a Tracker of the mean probability assigned to
// the rewarded action before each update
func NewTargetProb(filename string) *Series {
	return newSeries("target probability", filename, func(s Step) float64 {
		return s.TargetProb
	})
}

func newSeries(name, filename string, value func(Step) float64) *Series {
	return &Series{name: name, value: value, filename: filename}
}

// Track caches the tracked value of a Step
func (s *Series) Track(step Step) {
	s.data = append(s.data, s.value(step))
}

// Data returns the values tracked so far
func (s *Series) Data() []float64 {
	return s.data
}

// Save saves the tracked data to disk
func (s *Series) Save() error {
	file, err := os.Create(s.filename)
	if err != nil {
		return fmt.Errorf("save: could not open save file: %v", err)
	}
	defer file.Close()

	en := gob.NewEncoder(file)
	if err = en.Encode(s.data); err != nil {
		return fmt.Errorf("save: could not encode %v data: %v", s.name, err)
	}
	return file.Close()
}

// LoadData loads and returns the data saved by a Tracker
func LoadData(filename string) ([]float64, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("loadData: could not open data file: %v", err)
	}
	defer file.Close()

	dec := gob.NewDecoder(file)
	var data []float64
	if err = dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("loadData: could not decode data: %v", err)
	}
	return data, nil
}
