// Package checkpointer implements Checkpointers, which periodically save
// an object during an experiment
package checkpointer

// Saver is an object that can be saved to a file
type Saver interface {
	Save(filename string) error
}

// Checkpointer checkpoints/saves Savers based on the number of
// completed experiment steps
type Checkpointer interface {
	Checkpoint(step int) error
}
