// Package activities contains the generic activity variants understood by
// the flowgraph engine: Task, Signal, Fork, Finish and the Join barrier.
//
// Join is the synchronization point for converging branches. Every completed
// activity records, through the Join's ExecutedHook, the branch keys of its
// outbound transitions that enter a Join. When the scheduler visits the Join
// it compares the recorded keys with its inbound transitions:
//
//   - WaitAll fires when every inbound branch has been recorded.
//   - WaitAny fires on the first recorded branch and removes the awaiting
//     entries of every activity on its inbound ancestor path, so a late
//     signal for a losing branch is reported as stale instead of resuming it.
//
// Recorded branches are never cleared. A Join inside a loop fires again as
// soon as it is revisited.
package activities
