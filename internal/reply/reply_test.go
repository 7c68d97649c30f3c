package reply

import (
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestForSpeechStripsMarkdown(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "It is sunny today.", "It is sunny today."},
		{"emphasis", "It is **very** _sunny_ today.", "It is very sunny today."},
		{"link keeps label", "See [the forecast](https://example.com/f) for more.", "See the forecast for more."},
		{"image dropped", "Here: ![radar map](https://example.com/r.png) done.", "Here: done."},
		{"code span kept", "Run `make test` now.", "Run make test now."},
		{"heading becomes sentence", "# Weather\nSunny and warm", "Weather. Sunny and warm"},
		{"list items become sentences", "Options:\n\n- coffee\n- tea\n- water", "Options: coffee. tea. water"},
		{"code block dropped", "Try this:\n\n```go\nfmt.Println(1)\n```\n\nThat's it.", "Try this: That's it."},
		{"html dropped", "Hello <b>there</b> friend", "Hello there friend"},
		{"whitespace collapsed", "one\n\n\n   two", "one. two"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ForSpeech(tc.in, 0))
		})
	}
}

func TestForSpeechFoldsUnicode(t *testing.T) {
	assert.Equal(t, `It's "great" - really...`, ForSpeech("It’s “great” — really…", 0))
	assert.Equal(t, "Nice work!", ForSpeech("Nice work! 🎉👍🏽", 0))
	assert.Equal(t, "It is 72°F", ForSpeech("It is 72°F", 0))
	assert.Equal(t, "fi 2", ForSpeech("ﬁ ２", 0), "compatibility forms are normalized")
}

func TestNormalizeConcurrently(t *testing.T) {
	long := strings.Repeat("It’s “great” — really… ﬁne ２ 🎉👍🏽 **bold** and `code`.\n\n- item one\n- item two\n\n", 150)
	wantSpeech := ForSpeech(long, 0)
	wantSMS := ForSMS(long, 0)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.Equal(t, wantSpeech, ForSpeech(long, 0))
				assert.Equal(t, wantSMS, ForSMS(long, 0))
			}
		}()
	}
	wg.Wait()
}

func TestForSMSKeepsStructure(t *testing.T) {
	in := "**Shopping list**\n\n- eggs\n- milk\n\nSee <https://example.com/list>."
	got := ForSMS(in, 0)
	assert.Equal(t, "Shopping list\n- eggs\n- milk\nSee https://example.com/list.", got)
}

func TestForSMSKeepsCodeBlocks(t *testing.T) {
	got := ForSMS("Run:\n\n```\nls -la\n```", 0)
	assert.Contains(t, got, "ls -la")
}

func TestTruncateOnSentenceBoundary(t *testing.T) {
	in := "First sentence here. Second sentence is longer and will not fit at all."
	got := ForSpeech(in, 30)
	assert.Equal(t, "First sentence here.", got)
}

func TestTruncateOnWordBoundary(t *testing.T) {
	in := "This is a long run-on reply without any sentence breaks at all"
	got := ForSpeech(in, 25)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 25)
	assert.Equal(t, "This is a long run-on...", got)
}

func TestTruncateCountsRunes(t *testing.T) {
	in := strings.Repeat("é", 50)
	got := truncate(in, 10)
	assert.Equal(t, 10, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestTruncateNoLimit(t *testing.T) {
	in := strings.Repeat("word ", 100)
	assert.Equal(t, strings.TrimSpace(in), ForSpeech(in, 0))
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
