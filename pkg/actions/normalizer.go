package actions

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/sahilm/fuzzy"
	"golang.org/x/text/unicode/norm"
)

// ErrNormalizationFailed is wrapped by Resolve when a raw action type does not
// match the vocabulary.
var ErrNormalizationFailed = errors.New("action normalization failed")

// Normalizer maps free-form action identifiers onto a closed vocabulary.
//
// Matching tries, in order: exact, case-insensitive, and separator-stripped
// lower-case comparison. The lookup keys for every tier are computed once at
// construction so Normalize only transforms the input.
type Normalizer struct {
	vocab    []Type
	exact    map[string]Type
	folded   map[string]Type
	stripped map[string]Type
	keys     []string // stripped keys in vocabulary order, for suggestions
}

// NewNormalizer builds a normalizer over vocab. Two canonical types that
// collapse onto the same stripped key are rejected.
func NewNormalizer(vocab ...Type) (*Normalizer, error) {
	if len(vocab) == 0 {
		vocab = Vocabulary()
	}
	n := &Normalizer{
		vocab:    make([]Type, 0, len(vocab)),
		exact:    make(map[string]Type, len(vocab)),
		folded:   make(map[string]Type, len(vocab)),
		stripped: make(map[string]Type, len(vocab)),
	}
	for _, t := range vocab {
		if t == "" {
			return nil, fmt.Errorf("action vocabulary contains an empty type")
		}
		key := StripKey(string(t))
		if prev, dup := n.stripped[key]; dup {
			return nil, fmt.Errorf("action types %s and %s are indistinguishable after normalization", prev, t)
		}
		n.vocab = append(n.vocab, t)
		n.exact[string(t)] = t
		n.folded[strings.ToLower(string(t))] = t
		n.stripped[key] = t
		n.keys = append(n.keys, key)
	}
	return n, nil
}

// DefaultNormalizer returns a normalizer over the built-in vocabulary.
func DefaultNormalizer() *Normalizer {
	n, err := NewNormalizer(Vocabulary()...)
	if err != nil {
		panic(err)
	}
	return n
}

// Vocabulary returns the types this normalizer resolves to.
func (n *Normalizer) Vocabulary() []Type {
	out := make([]Type, len(n.vocab))
	copy(out, n.vocab)
	return out
}

// Normalize resolves raw to a canonical type. The boolean is false when no
// comparison tier matches.
func (n *Normalizer) Normalize(raw string) (Type, bool) {
	if t, ok := n.exact[raw]; ok {
		return t, true
	}
	if t, ok := n.folded[strings.ToLower(raw)]; ok {
		return t, true
	}
	key := StripKey(raw)
	if key == "" {
		return "", false
	}
	if t, ok := n.stripped[key]; ok {
		return t, true
	}
	return "", false
}

// Resolve is Normalize with a descriptive error for the unresolved case. The
// error wraps ErrNormalizationFailed and names the closest vocabulary entry
// when one is plausible.
func (n *Normalizer) Resolve(raw string) (Type, error) {
	if t, ok := n.Normalize(raw); ok {
		return t, nil
	}
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: empty action type", ErrNormalizationFailed)
	}
	if s := n.Suggest(raw); s != "" {
		return "", fmt.Errorf("%w: %q is not in the action vocabulary (did you mean %s?)", ErrNormalizationFailed, raw, s)
	}
	return "", fmt.Errorf("%w: %q is not in the action vocabulary", ErrNormalizationFailed, raw)
}

// Suggest returns the vocabulary entry that best fuzzy-matches raw, or "".
// It never influences resolution.
func (n *Normalizer) Suggest(raw string) Type {
	key := StripKey(raw)
	if key == "" {
		return ""
	}
	matches := fuzzy.Find(key, n.keys)
	if len(matches) == 0 {
		return ""
	}
	return n.vocab[matches[0].Index]
}

// StripKey folds s for the loosest comparison tier: compatibility
// normalization, separators ('_', '-' and whitespace) removed, lower-cased.
func StripKey(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
