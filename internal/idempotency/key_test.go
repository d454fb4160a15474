package idempotency

import (
	"testing"

	"media-pipeline/internal/domain"
)

func TestFromRequestDeterministic(t *testing.T) {
	req := domain.JobRequest{
		MediaURL: "https://example.com/clip.mp4",
		Options:  domain.JobOptions{NoiseReduce: true, Language: "en-us", SampleRate: 16000},
	}
	first := FromRequest(req)
	second := FromRequest(req)
	if first != second {
		t.Fatalf("ids differ for identical request: %s vs %s", first, second)
	}
	if len(first) != keyLength {
		t.Errorf("id length = %d, want %d", len(first), keyLength)
	}
}

func TestFromRequestCollapsesEquivalentURLs(t *testing.T) {
	base := FromRequest(domain.JobRequest{MediaURL: "https://example.com/clip.mp4?a=1&b=2"})
	variants := []string{
		"HTTPS://EXAMPLE.com/clip.mp4?a=1&b=2",
		"https://example.com/clip.mp4?b=2&a=1",
		"https://example.com/clip.mp4?a=1&b=2&utm_source=mail",
		"https://example.com/clip.mp4?a=1&b=2#t=30",
	}
	for _, v := range variants {
		if got := FromRequest(domain.JobRequest{MediaURL: v}); got != base {
			t.Errorf("id for %q = %s, want %s", v, got, base)
		}
	}
}

func TestFromRequestSensitiveToOptions(t *testing.T) {
	base := domain.JobRequest{MediaURL: "https://example.com/clip.mp4"}
	baseID := FromRequest(base)

	mutations := []domain.JobRequest{
		{MediaURL: "https://example.com/other.mp4"},
		{MediaURL: base.MediaURL, Options: domain.JobOptions{NoiseReduce: true}},
		{MediaURL: base.MediaURL, Options: domain.JobOptions{Language: "de"}},
		{MediaURL: base.MediaURL, Options: domain.JobOptions{SampleRate: 44100}},
	}
	for _, m := range mutations {
		if got := FromRequest(m); got == baseID {
			t.Errorf("id unchanged for mutated request %+v", m)
		}
	}
}
