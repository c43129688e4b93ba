package spam

import (
	"strings"
	"testing"
)

const cleanText = `Hi Dana,

Following up on our conversation from Tuesday. I've attached the revised
proposal with the updated timeline we discussed.

Let me know if Thursday works for a quick call.

Best,
Sam`

func TestCleanDraftScoresBelowWarnBand(t *testing.T) {
	result := Score(
		"sam@acme.example",
		"Revised proposal timeline",
		"<p>"+cleanText+"</p>",
		cleanText,
	)
	if result.Score >= 3 {
		t.Errorf("clean draft scored %.1f, want < 3 (issues: %v)", result.Score, result.Issues)
	}
	if result.Band() != "excellent" {
		t.Errorf("clean draft band = %q, want excellent", result.Band())
	}
}

func TestTriggerPhrasesNeverLowerScore(t *testing.T) {
	baseline := Score("sam@acme.example", "Quarterly report", "", cleanText)

	spiked := cleanText + "\n\nAct now! This is a limited time offer, 100% free."
	withTriggers := Score("sam@acme.example", "Quarterly report", "", spiked)

	if withTriggers.Score < baseline.Score {
		t.Errorf("adding trigger phrases lowered score: %.1f -> %.1f", baseline.Score, withTriggers.Score)
	}
	if withTriggers.Score < 3 {
		t.Errorf("three trigger phrases scored %.1f, want >= 3", withTriggers.Score)
	}
}

func TestIssuesNonEmptyAtWarnBand(t *testing.T) {
	drafts := []struct {
		name               string
		from, subject      string
		htmlBody, textBody string
	}{
		{"triggers", "a@b.example", "hello", "", "act now buy now click here guaranteed winner"},
		{"shouting html only", "a@b.example", "URGENT ACTION REQUIRED NOW!!", "<p>act now, click here</p>", ""},
	}
	for _, d := range drafts {
		result := Score(d.from, d.subject, d.htmlBody, d.textBody)
		if result.Score >= 3 && len(result.Issues) == 0 {
			t.Errorf("%s: score %.1f with empty issues list", d.name, result.Score)
		}
	}
}

func TestHTMLOnlyBodyFlagged(t *testing.T) {
	result := Score("a@b.example", "hello", "<p>hello there, see the notes below</p>", "")
	found := false
	for _, issue := range result.Issues {
		if strings.Contains(issue, "plain-text alternative") {
			found = true
		}
	}
	if !found {
		t.Errorf("HTML-only draft missing plain-text issue, got %v", result.Issues)
	}
}

func TestScoreCappedAtTen(t *testing.T) {
	body := strings.Repeat("act now click here buy now 100% free guaranteed winner ", 20) +
		strings.Repeat("http://spam.example/x ", 10)
	result := Score("a@b.example", "FREE MONEY ACT NOW!!!", "<p>"+body+"</p>", "")
	if result.Score > 10 {
		t.Errorf("score %.1f exceeds the 0-10 scale", result.Score)
	}
}

func TestShoutingSubjectDetected(t *testing.T) {
	quiet := Score("a@b.example", "Meeting notes for Thursday", "", cleanText)
	loud := Score("a@b.example", "MEETING NOTES FOR THURSDAY", "", cleanText)
	if loud.Score <= quiet.Score {
		t.Errorf("uppercase subject should raise the score: %.1f vs %.1f", loud.Score, quiet.Score)
	}
}
