// Package framing converts text payloads to and from the byte frames
// carried by the UART characteristics.
package framing

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxFrameBytes is the largest write that fits the default ATT MTU
// (23 bytes minus the 3-byte write header).
const DefaultMaxFrameBytes = 20

// Encode splits text into UTF-8 frames of at most maxBytes each. It prefers
// splitting at spaces and never splits a rune. Returns nil for empty text.
func Encode(text string, maxBytes int) [][]byte {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	var frames [][]byte
	for _, chunk := range chunkText(text, maxBytes) {
		frames = append(frames, []byte(chunk))
	}
	return frames
}

// Decode turns a notification value into text. Invalid UTF-8 sequences
// become U+FFFD so a bad frame never breaks the stream.
func Decode(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "\uFFFD")
}

func chunkText(text string, maxBytes int) []string {
	if len(text) == 0 {
		return nil
	}
	if len(text) <= maxBytes {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxBytes {
			chunks = append(chunks, text)
			break
		}

		split := maxBytes
		for split > 0 && !utf8.RuneStart(text[split]) {
			split--
		}
		// A rune wider than maxBytes; emit it whole rather than loop forever.
		if split == 0 {
			_, size := utf8.DecodeRuneInString(text)
			split = size
		}

		space := strings.LastIndexByte(text[:split], ' ')
		if space >= 0 {
			split = space + 1
		}

		chunks = append(chunks, text[:split])
		text = text[split:]
	}
	return chunks
}
