package estimator

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/samuelfneumann/l2ipolicy/network"
)

// checkpoint is the serialized state of a PolicyEstimator. Solver
// moment estimates are not saved.
type checkpoint struct {
	Params *network.Parameters
	Stats  *network.RunningStats
}

// Save saves the parameters and running normalization statistics of
// the estimator to filename
func (e *PolicyEstimator) Save(filename string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("save: could not create file: %v", err)
	}
	defer file.Close()

	enc := gob.NewEncoder(file)
	if err := enc.Encode(checkpoint{e.params, e.stats}); err != nil {
		return fmt.Errorf("save: could not encode estimator: %v", err)
	}

	e.logger.Debug().Str("file", filename).Msg("saved estimator")
	return file.Close()
}

// Load loads parameters and running statistics saved by Save into the
// estimator. The saved estimator must have the same architecture.
func (e *PolicyEstimator) Load(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("load: could not open file: %v", err)
	}
	defer file.Close()

	var c checkpoint
	if err := gob.NewDecoder(file).Decode(&c); err != nil {
		return fmt.Errorf("load: could not decode estimator: %v", err)
	}
	if c.Params == nil || c.Stats == nil {
		return fmt.Errorf("load: incomplete checkpoint")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.params.Set(c.Params); err != nil {
		return fmt.Errorf("load: %v", err)
	}
	if err := e.stats.Set(c.Stats); err != nil {
		return fmt.Errorf("load: %v", err)
	}

	e.logger.Debug().Str("file", filename).Msg("loaded estimator")
	return nil
}
