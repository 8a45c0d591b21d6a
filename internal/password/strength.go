package password

import "unicode/utf8"

const (
	// MaxScore is the ceiling of the strength scale.
	MaxScore = 4
	// StrongScore is the minimum score considered strong.
	StrongScore = 3
)

const (
	FeedbackLength    = "use at least 8 characters"
	FeedbackLowercase = "add a lowercase letter"
	FeedbackUppercase = "add an uppercase letter"
	FeedbackDigit     = "add a digit"
	FeedbackSymbol    = "add a symbol"
	FeedbackStrong    = "strong password"
)

// Strength is the outcome of scoring a candidate password.
type Strength struct {
	Score    int      `json:"score"`
	Feedback []string `json:"feedback"`
	IsStrong bool     `json:"isStrong"`
}

// Level buckets a score the way password records label their strength metadata.
func (s Strength) Level() string {
	switch {
	case s.Score >= MaxScore:
		return "strong"
	case s.Score >= StrongScore:
		return "good"
	case s.Score == 2:
		return "fair"
	default:
		return "weak"
	}
}

// Score rates candidate on a 0..4 scale. Every failed rule is reported in a fixed
// order; a strong password with no failures gets a single positive note instead.
func Score(candidate string) Strength {
	var (
		score    int
		feedback []string
	)

	length := utf8.RuneCountInString(candidate)
	if length >= 8 {
		score++
	} else {
		feedback = append(feedback, FeedbackLength)
	}

	var lower, upper, digit, symbol bool
	for _, r := range candidate {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			symbol = true
		}
	}

	for _, rule := range []struct {
		ok  bool
		msg string
	}{
		{lower, FeedbackLowercase},
		{upper, FeedbackUppercase},
		{digit, FeedbackDigit},
		{symbol, FeedbackSymbol},
	} {
		if rule.ok {
			score++
		} else {
			feedback = append(feedback, rule.msg)
		}
	}

	if length >= 12 {
		score = min(score+1, MaxScore)
	}
	score = max(0, min(score, MaxScore))

	isStrong := score >= StrongScore
	if isStrong && len(feedback) == 0 {
		feedback = []string{FeedbackStrong}
	}
	if feedback == nil {
		feedback = []string{}
	}

	return Strength{Score: score, Feedback: feedback, IsStrong: isStrong}
}
