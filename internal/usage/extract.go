package usage

import (
	"math"
	"regexp"
)

// tokenPatterns is the regex ladder applied to agent stdout, in priority
// order; the first match wins.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)Input:\s*(\d+)\s*tokens.*Output:\s*(\d+)\s*tokens`),
	regexp.MustCompile(`(?s)Tokens used:\s*(\d+)\s*input,\s*(\d+)\s*output`),
	regexp.MustCompile(`(?s)Usage:\s*\{input:\s*(\d+),\s*output:\s*(\d+)\}`),
	regexp.MustCompile(`(?s)(\d+)\s*input tokens.*(\d+)\s*output tokens`),
}

// ExtractTokens parses (input, output) token counts from agent stdout
// using the fixed regex ladder. If nothing matches, it falls back to a
// byte-length estimator and flags the result as estimated.
func ExtractTokens(stdout string) (input, output int64, estimated bool) {
	for _, re := range tokenPatterns {
		m := re.FindStringSubmatch(stdout)
		if m == nil {
			continue
		}
		return parseTokenCount(m[1]), parseTokenCount(m[2]), false
	}
	return estimateTokens(stdout)
}

// estimateTokens derives a rough split when no regex matches: total =
// ceil(len/4); input = ceil(total*0.3); output = ceil(total*0.7). Empty
// stdout yields (0, 0).
func estimateTokens(stdout string) (input, output int64, estimated bool) {
	if len(stdout) == 0 {
		return 0, 0, true
	}
	total := math.Ceil(float64(len(stdout)) / 4)
	input = int64(math.Ceil(total * 0.3))
	output = int64(math.Ceil(total * 0.7))
	return input, output, true
}

func parseTokenCount(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
