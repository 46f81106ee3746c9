package tts

import (
	"math/rand"
	"path/filepath"
	"strings"
)

// predefinedLines maps trigger keywords to the filename prefix of the
// recorded audio shipped with the pet.
var predefinedLines = map[string]string{
	"ciallo": "ciallo",
	"ちゃろ":    "ciallo",
	"チャロ":    "ciallo",
}

// Punctuation stripped before keyword matching, so 「Ciallo～！」 still
// hits the recording.
var predefinedPunct = []string{"～", "！", "!", "？", "?", "。", "、", " "}

// Predefined serves recorded voice lines for texts containing a known
// keyword. Recordings beat synthesis: they are the character's real
// voice.
type Predefined struct {
	dir string
}

func NewPredefined(dir string) *Predefined {
	return &Predefined{dir: dir}
}

// Find returns a random recording whose keyword appears in the text.
func (p *Predefined) Find(ja string) (string, bool) {
	if p.dir == "" {
		return "", false
	}

	clean := strings.ToLower(strings.TrimSpace(ja))
	for _, punct := range predefinedPunct {
		clean = strings.ReplaceAll(clean, punct, "")
	}

	for keyword, prefix := range predefinedLines {
		if !strings.Contains(clean, keyword) {
			continue
		}
		candidates, err := filepath.Glob(filepath.Join(p.dir, prefix+"*.wav"))
		if err != nil || len(candidates) == 0 {
			continue
		}
		return absPath(candidates[rand.Intn(len(candidates))]), true
	}
	return "", false
}
