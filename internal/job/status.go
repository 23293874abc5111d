package job

// rank orders outcomes by priority. Combining two statuses keeps the higher
// rank, which makes the reduction associative and commutative.
func rank(s Status) int {
	switch s {
	case StatusCompleted:
		return 0
	case StatusCompletedWithErrors:
		return 1
	case StatusFailed:
		return 2
	default:
		return 3
	}
}

// Combine merges two statuses into the one with higher priority:
// pending(processing) > failed > completedWithErrors > completed.
func Combine(a, b Status) Status {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Reduce computes the job status from its validator slots, a nil slot is
// pending.
func Reduce(results map[string]*ValidatorResult) Status {
	status := StatusCompleted
	for _, r := range results {
		if r == nil {
			return StatusProcessing
		}
		status = Combine(status, r.Status)
	}
	return status
}
