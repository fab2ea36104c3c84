package knowledge

import "strings"

// Chunking parameters, in words. Overlapping windows keep sentences that
// straddle a boundary retrievable from both sides.
const (
	ChunkWords   = 300
	OverlapWords = 50
)

// SplitText slices text into overlapping word windows of chunkWords words,
// each window starting chunkWords-overlap words after the previous one.
// Whitespace runs collapse to single spaces. Blank input yields no chunks.
func SplitText(text string, chunkWords, overlap int) []string {
	if chunkWords <= 0 {
		chunkWords = ChunkWords
	}
	if overlap < 0 || overlap >= chunkWords {
		overlap = OverlapWords
		if overlap >= chunkWords {
			overlap = chunkWords / 2
		}
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := chunkWords - overlap
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := start + chunkWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
