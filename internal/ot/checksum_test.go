package ot

import "testing"

func TestChecksumDeterministic(t *testing.T) {
	content := "The quick brown fox jumps over the lazy dog"
	first := Checksum(content)
	for i := 0; i < 10; i++ {
		if got := Checksum(content); got != first {
			t.Fatalf("checksum changed between calls: %s vs %s", first, got)
		}
	}
}

func TestChecksumKnownValues(t *testing.T) {
	cases := map[string]string{
		"":    "0",
		"a":   "61",    // 97
		"ab":  "c21",   // 97*31 + 98 = 3105
		"abc": "17862", // 3105*31 + 99 = 96354
	}
	for in, want := range cases {
		if got := Checksum(in); got != want {
			t.Errorf("Checksum(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestChecksumDistinguishesCorpus(t *testing.T) {
	corpus := []string{
		"", "a", "b", "ab", "ba", "abc", "acb", "aXYbc", "aYXbc", "af", "abf",
		"hello world", "hello world!", "Hello world", "日本語", "日本", "long " + string(make([]byte, 64)),
	}
	seen := make(map[string]string)
	for _, c := range corpus {
		sum := Checksum(c)
		if prev, ok := seen[sum]; ok {
			t.Errorf("collision between %q and %q: %s", prev, c, sum)
		}
		seen[sum] = c
	}
}
