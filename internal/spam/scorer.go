// Package spam estimates deliverability risk for outbound drafts. The score
// is advisory, computed fresh on every call and never persisted, so an
// interactive caller can re-score at any rate.
package spam

import (
	"regexp"
	"strings"

	"github.com/hireloop/mailengine/internal/models"
)

// triggerPhrases are content patterns that commonly trip provider filters.
// Each hit adds weight; hits accumulate, so adding phrases never lowers the
// score.
var triggerPhrases = []string{
	"act now",
	"limited time offer",
	"100% free",
	"risk-free",
	"no obligation",
	"winner",
	"congratulations you",
	"click here",
	"buy now",
	"earn money",
	"make money fast",
	"double your",
	"guaranteed",
	"urgent response",
	"this is not spam",
	"unsubscribe now",
	"виагра",
	"viagra",
}

var (
	linkPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)
	imgPattern  = regexp.MustCompile(`(?i)<img[\s>]`)
)

const maxScore = 10

// Score evaluates one draft. Issues are ordered by severity of the heuristic
// that produced them, and the list is never empty when the score reaches the
// warn band.
func Score(from, subject, htmlBody, textBody string) models.SpamScoreResult {
	var score float64
	var issues []string

	lowerSubject := strings.ToLower(subject)
	lowerText := strings.ToLower(textBody)
	lowerHTML := strings.ToLower(htmlBody)

	if n := countTriggers(lowerSubject + " " + lowerText + " " + lowerHTML); n > 0 {
		score += float64(n) * 1.5
		issues = append(issues, "contains common spam trigger phrases")
	}

	if isShouting(subject) {
		score += 2
		issues = append(issues, "subject is mostly uppercase")
	}

	if strings.Count(subject, "!") >= 2 || strings.Contains(subject, "!!") {
		score += 1
		issues = append(issues, "excessive punctuation in subject")
	}

	if n := linkDensity(htmlBody, textBody); n > 5 {
		score += 2
		issues = append(issues, "high link density")
	} else if n > 2 {
		score += 1
		issues = append(issues, "multiple links")
	}

	if htmlBody != "" && strings.TrimSpace(textBody) == "" {
		score += 1.5
		issues = append(issues, "HTML body without a plain-text alternative")
	}

	if imageHeavy(htmlBody) {
		score += 1.5
		issues = append(issues, "image-heavy HTML with little text")
	}

	if mismatchedSenderLinks(from, htmlBody+" "+textBody) {
		score += 1
		issues = append(issues, "links point to a different domain than the sender")
	}

	if score > maxScore {
		score = maxScore
	}
	return models.SpamScoreResult{Score: score, Issues: issues}
}

func countTriggers(haystack string) int {
	n := 0
	for _, phrase := range triggerPhrases {
		n += strings.Count(haystack, phrase)
	}
	return n
}

func isShouting(subject string) bool {
	letters, upper := 0, 0
	for _, r := range subject {
		switch {
		case r >= 'a' && r <= 'z':
			letters++
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		}
	}
	return letters >= 8 && float64(upper) > 0.7*float64(letters)
}

func linkDensity(htmlBody, textBody string) int {
	return len(linkPattern.FindAllString(htmlBody, -1)) +
		len(linkPattern.FindAllString(textBody, -1))
}

func imageHeavy(htmlBody string) bool {
	images := len(imgPattern.FindAllString(htmlBody, -1))
	if images < 3 {
		return false
	}
	stripped := regexp.MustCompile(`<[^>]*>`).ReplaceAllString(htmlBody, " ")
	return len(strings.Fields(stripped)) < 20*images
}

func mismatchedSenderLinks(from, body string) bool {
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return false
	}
	senderDomain := strings.ToLower(strings.TrimSpace(from[at+1:]))
	if senderDomain == "" {
		return false
	}
	links := linkPattern.FindAllString(body, -1)
	if len(links) == 0 {
		return false
	}
	for _, link := range links {
		host := linkHost(link)
		if host == senderDomain || strings.HasSuffix(host, "."+senderDomain) {
			return false
		}
	}
	return true
}

func linkHost(link string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(link), "https://"), "http://")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "www.")
}
