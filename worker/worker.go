// Package worker deterministically assigns timers to sweep worker slots
// so operators can shard sweep work across processes by filtering on the
// slot name. The engine treats the slot as an opaque label.
package worker

import (
	"fmt"
	"hash/fnv"
)

// DefaultCount is the number of worker slots used when none is configured.
const DefaultCount = 5

// Assign maps a timer to one of n slots by hashing teamID and timerID.
// Counts of zero or less collapse to a single slot.
func Assign(teamID, timerID string, n int) string {
	if n <= 0 {
		n = 1
	}
	h := fnv.New32a()
	h.Write([]byte(teamID + ":" + timerID)) //nolint:errcheck // fnv never fails
	return fmt.Sprintf("worker-%d", h.Sum32()%uint32(n))
}
