package ingest

// SplitText splits text into contiguous fixed-size chunks of at most
// size runes. Slicing on rune boundaries keeps multi-byte characters
// intact; concatenating the chunks in index order reconstructs the
// input exactly.
//
// Boundary-aware or overlapping splitting would be a drop-in
// replacement here as long as chunk ordering stays stable against the
// original text.
func SplitText(text string, size int) []string {
	if text == "" || size <= 0 {
		return nil
	}

	runes := []rune(text)
	n := (len(runes) + size - 1) / size

	chunks := make([]string, 0, n)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
