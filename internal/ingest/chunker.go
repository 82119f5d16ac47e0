package ingest

import (
	"strings"

	"github.com/halverson/strand/internal/retrieval"
)

// Word-window chunking parameters. Overlap keeps sentences that straddle a
// boundary retrievable from both sides.
const (
	chunkWords   = 200
	overlapWords = 40
)

// ChunkPages splits extracted pages into overlapping word windows, carrying
// each source page number into the chunk it came from.
func ChunkPages(pages []PageText) []retrieval.ChunkInput {
	var out []retrieval.ChunkInput
	for _, p := range pages {
		for _, text := range splitWords(p.Text, chunkWords, overlapWords) {
			out = append(out, retrieval.ChunkInput{Text: text, Page: p.Page})
		}
	}
	return out
}

func splitWords(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= size {
		return []string{strings.Join(words, " ")}
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := start + size
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
