package combinations

import (
	"iter"
	"regexp"
)

const (
	DefaultValidChars = "abcdefghijklmnopqrstuvwxyz0123456789"
	DefaultMinLength  = 1
)

// Variant lists the alternative spellings of a single valid character,
// ex. `c` may also be searched for as `ch`.
type Variant struct {
	Char       string
	Expansions []string
}

// Config holds the settings of a single combination search.
//
// Generated strings are at least MinLength long and their prefixes fall
// within [Start, End] (inclusive, compared byte-wise on the prefix of the
// same length) when Start or End are given.
type Config struct {
	ValidChars string
	Variants   []Variant
	Start      string
	End        string
	Pattern    *regexp.Regexp
	MinLength  int
}

// WithDefaults fills in ValidChars and MinLength when they are unset.
func (c Config) WithDefaults() Config {
	if c.ValidChars == "" {
		c.ValidChars = DefaultValidChars
	}
	if c.MinLength <= 0 {
		c.MinLength = DefaultMinLength
	}
	return c
}

// Generate yields string combinations built by extending seed until it is at
// least cfg.MinLength long. See GenerateAt.
func Generate(seed string, cfg Config) iter.Seq[string] {
	return GenerateAt(seed, len(seed), cfg)
}

// GenerateAt yields string combinations built from seed, starting at index.
// Characters before index are fixed, characters at and after index are
// overwritten by the candidate being tried (or appended past the end of seed).
//
// Each call returns an independent sequence, ranging over the same sequence
// twice produces the same strings in the same order.
func GenerateAt(seed string, index int, cfg Config) iter.Seq[string] {
	if index < 0 || index > len(seed) {
		index = len(seed)
	}
	return func(yield func(string) bool) {
		g := &generator{
			cfg:       cfg,
			variants:  variantTable(cfg.Variants),
			sorted:    isSorted(cfg.ValidChars),
			yieldFunc: yield,
		}
		if len(cfg.Variants) > 0 {
			g.seen = map[string]struct{}{}
		}
		g.walk([]byte(seed), index)
	}
}

type generator struct {
	cfg      Config
	variants map[byte][]string
	// sorted valid chars make an exceeded upper bound final for the whole level
	sorted bool
	// only tracked when variants exist, single char extensions cannot collide
	seen      map[string]struct{}
	yieldFunc func(string) bool
	stopped   bool
}

// prefix truncates s to n bytes, shorter strings are returned whole, this is
// what makes "b" >= "ab" hold while "a" >= "ab" does not.
func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (g *generator) terminal(seed string) bool {
	if len(seed) < g.cfg.MinLength {
		return false
	}
	if g.cfg.Start != "" && prefix(seed, len(g.cfg.Start)) < g.cfg.Start {
		return false
	}
	// a seed shorter than End that prefixes it is final
	if g.cfg.End != "" && prefix(seed, len(g.cfg.End)) > g.cfg.End {
		return false
	}
	return true
}

func (g *generator) emit(seed string) {
	if g.seen != nil {
		if _, ok := g.seen[seed]; ok {
			return
		}
		g.seen[seed] = struct{}{}
	}
	if !g.yieldFunc(seed) {
		g.stopped = true
	}
}

// belowStart reports whether no extension of s can ever reach Start.
func (g *generator) belowStart(s string) bool {
	if g.cfg.Start == "" {
		return false
	}
	n := min(len(s), len(g.cfg.Start))
	return s[:n] < g.cfg.Start[:n]
}

// aboveEnd reports whether every extension of s is past End.
func (g *generator) aboveEnd(s string) bool {
	if g.cfg.End == "" {
		return false
	}
	n := min(len(s), len(g.cfg.End))
	return s[:n] > g.cfg.End[:n]
}

func (g *generator) walk(seed []byte, index int) {
	if g.stopped {
		return
	}
	if g.terminal(string(seed)) {
		g.emit(string(seed))
		return
	}

	for i := 0; i < len(g.cfg.ValidChars); i++ {
		c := g.cfg.ValidChars[i]
		candidates := append([]string{string(c)}, g.variants[c]...)

		for _, v := range candidates {
			extended := overwrite(seed, index, v)
			s := string(extended)

			if g.belowStart(s) {
				continue
			}
			if g.aboveEnd(s) {
				// a longer variant running past End says nothing about the
				// characters that follow
				if g.sorted && len(v) == 1 {
					return
				}
				continue
			}
			if g.cfg.Pattern != nil && !g.cfg.Pattern.MatchString(s) {
				continue
			}

			g.walk(extended, index+len(v))
			if g.stopped {
				return
			}
		}
	}
}

// overwrite copies seed and writes v starting at index, growing the copy
// when v runs past its end.
func overwrite(seed []byte, index int, v string) []byte {
	out := make([]byte, len(seed), max(len(seed), index+len(v)))
	copy(out, seed)
	for i := 0; i < len(v); i++ {
		pos := index + i
		if pos < len(out) {
			out[pos] = v[i]
			continue
		}
		out = append(out, v[i])
	}
	return out
}

func variantTable(variants []Variant) map[byte][]string {
	table := map[byte][]string{}
	for _, v := range variants {
		if len(v.Char) != 1 {
			continue
		}
		table[v.Char[0]] = append(table[v.Char[0]], v.Expansions...)
	}
	return table
}

func isSorted(chars string) bool {
	for i := 1; i < len(chars); i++ {
		if chars[i-1] > chars[i] {
			return false
		}
	}
	return true
}
