// Package sf coalesces concurrent calls that share a key.
//
// The queue uses it so that concurrent retry sweeps over the same
// dead-letter list within one process run once:
//
//	sweeps := sf.New[RetryResult]()
//	res, shared, err := sweeps.Do(deadLetterKey, func() (RetryResult, error) {
//	    return sweep(ctx)
//	})
package sf
