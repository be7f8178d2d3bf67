package aggregate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

var findingNamespace = uuid.MustParse("5a0c3f1e-7a8e-4c51-9d0f-6f2b8e1c4d27")

// NormalizeEvidence lower-cases evidence, collapses separators and sorts the
// unique tokens, so the same observation reported in a different layout
// normalizes to the same string.
func NormalizeEvidence(evidence string) string {
	tokens := strings.FieldsFunc(strings.ToLower(evidence), func(c rune) bool {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			return false
		case c == '/', c == '.', c == ':', c == '-', c == '_':
			return false
		}
		return true
	})
	for i, t := range tokens {
		tokens[i] = strings.Trim(t, ".:-")
	}
	tokens = slices.DeleteFunc(tokens, func(s string) bool { return s == "" })
	slices.Sort(tokens)
	return strings.Join(slices.Compact(tokens), " ")
}

// Fingerprint is a murmur3 hash of the normalized evidence.
func Fingerprint(evidence string) string {
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(NormalizeEvidence(evidence))))
}

// FindingID is derived from the dedup key, equal keys yield equal ids.
func FindingID(target, category, fingerprint string) string {
	return uuid.NewSHA1(findingNamespace, []byte(target+"\x00"+category+"\x00"+fingerprint)).String()
}
