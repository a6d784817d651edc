package ot

import (
	"errors"
	"testing"
)

func TestApply(t *testing.T) {
	cases := []struct {
		name    string
		content string
		op      Operation
		want    string
	}{
		{"insert middle", "abc", Insert(1, "X"), "aXbc"},
		{"insert start", "abc", Insert(0, "X"), "Xabc"},
		{"insert end", "abc", Insert(3, "X"), "abcX"},
		{"insert clamped past end", "abc", Insert(10, "X"), "abcX"},
		{"insert clamped negative", "abc", Insert(-4, "X"), "Xabc"},
		{"delete middle", "abcdef", Delete(1, 3), "aef"},
		{"delete past end", "abcdef", Delete(4, 10), "abcd"},
		{"delete out of range", "abc", Delete(7, 2), "abc"},
		{"delete zero length", "abc", Delete(1, 0), "abc"},
		{"retain", "abc", Retain(0, 3), "abc"},
		{"format", "abc", Operation{Type: TypeFormat, Position: 0, Length: 2, Attributes: map[string]string{"bold": "true"}}, "abc"},
		{"multibyte insert", "héllo", Insert(2, "ü"), "héüllo"},
		{"multibyte delete", "日本語テキスト", Delete(1, 2), "日テキスト"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Apply(tc.content, tc.op); got != tc.want {
				t.Errorf("Apply(%q, %v) = %q, want %q", tc.content, tc.op, got, tc.want)
			}
		})
	}
}

func TestApplyAll(t *testing.T) {
	ops := []Operation{Insert(0, "Hello"), Insert(5, " world"), Delete(0, 1), Insert(0, "J")}
	if got := ApplyAll("", ops); got != "Jello world" {
		t.Errorf("ApplyAll = %q", got)
	}

	if got := ApplyAll("same", nil); got != "same" {
		t.Errorf("ApplyAll with no ops = %q", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Insert(0, "a").Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := []Operation{
		{Type: "move", Position: 1},
		{Type: TypeDelete, Position: -1, Length: 1},
		{Type: TypeDelete, Position: 0, Length: -2},
	}
	for _, op := range bad {
		if err := op.Validate(); !errors.Is(err, ErrInvalidOperation) {
			t.Errorf("Validate(%v) = %v, want ErrInvalidOperation", op, err)
		}
	}

	err := ValidateAll([]Operation{Insert(0, "a"), {Type: "bogus"}})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("ValidateAll = %v", err)
	}
}

func TestOperationEqualIgnoresAttributes(t *testing.T) {
	a := Operation{Type: TypeFormat, Position: 1, Length: 2, Attributes: map[string]string{"bold": "true"}}
	b := Operation{Type: TypeFormat, Position: 1, Length: 2}
	if !a.Equal(b) {
		t.Error("expected operations to be equal")
	}
	if a.Equal(Retain(1, 2)) {
		t.Error("different types must not be equal")
	}
}
