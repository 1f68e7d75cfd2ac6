package checkpointer

import (
	"fmt"
	"time"
)

// FilenameEnumerator returns a naming function for NewNStep whose
// results are filename followed by a counter and extension. The first
// name uses the counter start+1.
func FilenameEnumerator(start int, filename, extension string) func() string {
	i := start
	return func() string {
		i++
		return fmt.Sprintf("%v%v%v", filename, i, extension)
	}
}

// FileTimer returns a naming function for NewNStep whose results are
// filename followed by the current Unix time in nanoseconds and
// extension.
func FileTimer(filename, extension string) func() string {
	return func() string {
		return fmt.Sprintf("%v-%v%v", filename, time.Now().UnixNano(),
			extension)
	}
}
