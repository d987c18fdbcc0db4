// Package normalize turns raw OCR output into an ordered sequence of clean lines.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/zombor/receipt-ledger/internal/errs"
)

// NormalizedText is the canonical line sequence sent to inference.
// Line order matches the top-to-bottom order of the receipt.
type NormalizedText struct {
	Lines []string `json:"lines"`
}

// Text joins the lines with newlines.
func (n NormalizedText) Text() string {
	return strings.Join(n.Lines, "\n")
}

// Digest is a stable fingerprint of the text, used to tie an extraction
// attempt to the exact input it was run against.
func (n NormalizedText) Digest() string {
	sum := sha256.Sum256([]byte(n.Text()))
	return hex.EncodeToString(sum[:])
}

// edgeArtifacts are characters OCR engines emit for table borders and
// column rules; they are trimmed from line edges only.
const edgeArtifacts = "|¦_~•·"

// Normalize cleans raw OCR text. It is pure: the same input always yields
// the same output.
func Normalize(raw string) (NormalizedText, error) {
	// NFKC folds full-width digits, ligatures and compatibility forms.
	text := norm.NFKC.String(raw)
	text = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\f", "\n", "\v", "\n").Replace(text)

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = cleanLine(line)
		if line == "" || isRule(line) {
			continue
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		return NormalizedText{}, errs.NewEmptyInputError("no readable text after normalization")
	}
	return NormalizedText{Lines: lines}, nil
}

// cleanLine drops non-printable characters and collapses whitespace runs.
func cleanLine(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	space := false
	for _, r := range line {
		switch {
		case r == unicode.ReplacementChar:
			continue
		case unicode.IsSpace(r):
			space = true
			continue
		case !unicode.IsPrint(r):
			continue
		case isBoxDrawing(r):
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(strings.Trim(b.String(), edgeArtifacts))
}

func isBoxDrawing(r rune) bool {
	return r >= 0x2500 && r <= 0x257F
}

// isRule reports whether a line is only a separator such as "-----" or "=====".
func isRule(line string) bool {
	if len([]rune(line)) < 3 {
		return false
	}
	for _, r := range line {
		if !strings.ContainsRune("-=*_#.~ ", r) {
			return false
		}
	}
	return true
}
