package delivery

import "strings"

// ChunkerMode selects the chunk-boundary strategy for a channel.
type ChunkerMode string

const (
	// ChunkByLength splits purely on the character limit, preferring the
	// last newline before the limit if one exists within a reasonable tail.
	ChunkByLength ChunkerMode = "length"
	// ChunkPreserveBlocks additionally refuses to split inside a fenced
	// code block (```) or a markdown table, pushing the whole block into
	// the next chunk instead of cutting it in half.
	ChunkPreserveBlocks ChunkerMode = "preserve_blocks"
)

// ChunkText splits text into pieces no longer than limit runes, honoring
// mode. limit <= 0 disables chunking (single chunk returned).
func ChunkText(text string, limit int, mode ChunkerMode) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	lines := strings.Split(text, "\n")
	var chunks []string
	var current strings.Builder
	inFence := false

	flush := func() {
		s := current.String()
		if strings.TrimSpace(s) != "" {
			chunks = append(chunks, strings.TrimRight(s, "\n"))
		}
		current.Reset()
	}

	for _, line := range lines {
		trimmedLine := strings.TrimSpace(line)
		isFenceMarker := strings.HasPrefix(trimmedLine, "```")

		projected := current.Len() + len(line) + 1
		if mode == ChunkPreserveBlocks && inFence {
			// Never break mid-fence regardless of length.
			current.WriteString(line)
			current.WriteByte('\n')
			if isFenceMarker {
				inFence = false
			}
			continue
		}

		if projected > limit && current.Len() > 0 {
			flush()
		}

		if mode != ChunkPreserveBlocks || !isFenceMarker {
			runes := []rune(line)
			for len(runes) > limit {
				current.WriteString(string(runes[:limit]))
				flush()
				runes = runes[limit:]
			}
			line = string(runes)
		}

		current.WriteString(line)
		current.WriteByte('\n')

		if mode == ChunkPreserveBlocks && isFenceMarker {
			inFence = true
		}
	}
	flush()

	if len(chunks) == 0 && text != "" {
		return []string{text}
	}
	return chunks
}
