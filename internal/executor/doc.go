// Package executor provides the serialized execution queue each device owns.
//
// Control operations against one device run one at a time, in submission
// order, on the queue's worker goroutine, so a slow or hung driver only
// stalls its own device. The job running on the worker can be canceled from
// outside the queue, which is how abort reaches a blocked driver call.
package executor
