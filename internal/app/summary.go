package app

import "github.com/vk/gridrun/internal/task"

// Summary is the outcome of a run over every selected chunk.
type Summary struct {
	RunID  string
	Chunks int
	// FailedChunks lists chunks whose scheduler run ended in an error.
	FailedChunks []int

	Tasks   int
	Done    int
	Cached  int
	Failed  int
	Skipped int

	Results []*task.Result
}

func (s *Summary) add(results []*task.Result) {
	for _, r := range results {
		s.Tasks++
		switch {
		case r.OK && r.Cached:
			s.Cached++
		case r.OK:
			s.Done++
		case r.Kind == task.KindSkipped:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	s.Results = append(s.Results, results...)
}

// OK reports whether every task succeeded.
func (s *Summary) OK() bool {
	return s.Failed == 0 && s.Skipped == 0 && len(s.FailedChunks) == 0
}
