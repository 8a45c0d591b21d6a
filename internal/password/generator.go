package password

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// DefaultLength is used when Options.Length is zero.
const DefaultLength = 16

const (
	lowercase        = "abcdefghijklmnopqrstuvwxyz"
	lowercaseSimilar = "abcdefghjkmnpqrstuvwxyz"
	uppercase        = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	uppercaseSimilar = "ABCDEFGHJKMNPQRSTUVWXYZ"
	digits           = "0123456789"
	digitsSimilar    = "23456789"
	symbols          = "!@#$%^&*()_+-=[]{}|;:,.<>?"

	// SimilarChars are the glyphs dropped by ExcludeSimilar.
	SimilarChars = "0Oo1lLIi"
)

var ErrInvalidOptions = errors.New("invalid password generator options")

type Options struct {
	Length           int  `json:"length"`
	IncludeLowercase bool `json:"includeLowercase"`
	IncludeUppercase bool `json:"includeUppercase"`
	IncludeNumbers   bool `json:"includeNumbers"`
	IncludeSymbols   bool `json:"includeSymbols"`
	ExcludeSimilar   bool `json:"excludeSimilar"`
}

// DefaultOptions enables every character class and drops look-alike glyphs.
func DefaultOptions() Options {
	return Options{
		Length:           DefaultLength,
		IncludeLowercase: true,
		IncludeUppercase: true,
		IncludeNumbers:   true,
		IncludeSymbols:   true,
		ExcludeSimilar:   true,
	}
}

func (o Options) pool() string {
	var b strings.Builder
	if o.IncludeLowercase {
		b.WriteString(pick(o.ExcludeSimilar, lowercaseSimilar, lowercase))
	}
	if o.IncludeUppercase {
		b.WriteString(pick(o.ExcludeSimilar, uppercaseSimilar, uppercase))
	}
	if o.IncludeNumbers {
		b.WriteString(pick(o.ExcludeSimilar, digitsSimilar, digits))
	}
	if o.IncludeSymbols {
		b.WriteString(symbols)
	}
	return b.String()
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

// Generate samples characters uniformly from the pool selected by opts using crypto/rand.
func Generate(opts Options) (string, error) {
	if opts.Length < 0 {
		return "", fmt.Errorf("%w: negative length", ErrInvalidOptions)
	}
	length := opts.Length
	if length == 0 {
		length = DefaultLength
	}

	pool := opts.pool()
	if pool == "" {
		return "", fmt.Errorf("%w: at least one character class is required", ErrInvalidOptions)
	}

	bound := big.NewInt(int64(len(pool)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, bound)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		out[i] = pool[n.Int64()]
	}
	return string(out), nil
}
