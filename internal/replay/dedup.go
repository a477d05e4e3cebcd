package replay

// FindDuplicates returns the paths of transcripts that repeat a session id
// already covered by another file. The file with the most turns wins; ties
// go to the first one seen.
func FindDuplicates(ts []Transcript) map[string]bool {
	best := make(map[string]int)
	for i, t := range ts {
		j, ok := best[t.SessionID]
		if !ok || len(t.Turns) > len(ts[j].Turns) {
			best[t.SessionID] = i
		}
	}

	duplicates := make(map[string]bool)
	for i, t := range ts {
		if best[t.SessionID] != i {
			duplicates[t.Path] = true
		}
	}
	return duplicates
}
