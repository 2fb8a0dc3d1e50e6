package conversation

// Truncate keeps the leading system turn plus the most recent maxHistory turns.
//
// The bound is B = 1 + maxHistory, clamped to at least 1 so the system turn always
// survives. When len(turns) <= B the input is returned as a copy. The input slice is
// never modified.
func Truncate(turns []Turn, maxHistory int) []Turn {
	bound := 1 + maxHistory
	if bound < 1 {
		bound = 1
	}
	if len(turns) <= bound {
		return Clone(turns)
	}
	out := make([]Turn, 0, bound)
	out = append(out, turns[0])
	out = append(out, turns[len(turns)-(bound-1):]...)
	return out
}
