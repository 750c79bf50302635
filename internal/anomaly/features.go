package anomaly

import (
	"hash/fnv"
	"regexp"
	"strings"
	"unicode"

	"github.com/t77yq/alertd/internal/model"
)

// SecurityKeywords is the fixed vocabulary used by the security score and the
// security cluster detector.
var SecurityKeywords = []string{
	"attack",
	"auth",
	"blocked",
	"breach",
	"brute",
	"denied",
	"exploit",
	"failed",
	"firewall",
	"injection",
	"intrusion",
	"login",
	"malware",
	"password",
	"suspicious",
	"unauthorized",
	"virus",
	"vulnerability",
}

const sourceHashBuckets = 1000

var (
	ipPattern    = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	urlPattern   = regexp.MustCompile(`(?i)\b(?:https?|ftp)://\S+`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

// Features is the per-event feature vector
type Features struct {
	HourOfDay       int
	DayOfWeek       int
	SeverityLevel   int
	SourceHash      int
	MessageLength   int
	HasDigits       bool
	HasSpecialChars bool
	HasIP           bool
	HasURL          bool
	HasEmail        bool
	WordCount       int
	UppercaseRatio  float64
	SecurityScore   float64
}

// Extract computes the feature vector of e. It depends only on e.
func Extract(e *model.Event) Features {
	ts := e.Timestamp.UTC()
	msg := e.Message

	f := Features{
		HourOfDay:     ts.Hour(),
		DayOfWeek:     int(ts.Weekday()),
		SeverityLevel: e.Severity.Ordinal(),
		SourceHash:    SourceHash(e.Source),
		MessageLength: len(msg),
		HasIP:         ipPattern.MatchString(msg),
		HasURL:        urlPattern.MatchString(msg),
		HasEmail:      emailPattern.MatchString(msg),
		WordCount:     len(strings.Fields(msg)),
		SecurityScore: SecurityScore(msg),
	}

	var letters, upper int
	for _, r := range msg {
		switch {
		case unicode.IsDigit(r):
			f.HasDigits = true
		case unicode.IsLetter(r):
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		case unicode.IsSpace(r):
		default:
			f.HasSpecialChars = true
		}
	}
	if letters > 0 {
		f.UppercaseRatio = float64(upper) / float64(letters)
	}
	return f
}

// Numeric flattens the features for training and storage
func (f Features) Numeric() map[string]float64 {
	return map[string]float64{
		"hour_of_day":       float64(f.HourOfDay),
		"day_of_week":       float64(f.DayOfWeek),
		"severity_level":    float64(f.SeverityLevel),
		"source_hash":       float64(f.SourceHash),
		"message_length":    float64(f.MessageLength),
		"has_digits":        boolFloat(f.HasDigits),
		"has_special_chars": boolFloat(f.HasSpecialChars),
		"has_ip":            boolFloat(f.HasIP),
		"has_url":           boolFloat(f.HasURL),
		"has_email":         boolFloat(f.HasEmail),
		"word_count":        float64(f.WordCount),
		"uppercase_ratio":   f.UppercaseRatio,
		"security_score":    f.SecurityScore,
	}
}

// SourceHash buckets a source name into [0, 1000)
func SourceHash(source string) int {
	if source == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(source))
	return int(h.Sum32() % sourceHashBuckets)
}

// SecurityScore is the fraction of SecurityKeywords found in msg
func SecurityScore(msg string) float64 {
	lower := strings.ToLower(msg)
	var hits int
	for _, kw := range SecurityKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(SecurityKeywords))
}

// HasSecurityKeyword reports whether msg contains any security keyword
func HasSecurityKeyword(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range SecurityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// MessageSimilarity is the Jaccard similarity of the lowercase word sets of
// a and b. Two messages without words, empty or whitespace only, are
// identical; a message without words shares nothing with one that has words.
func MessageSimilarity(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	var inter int
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
