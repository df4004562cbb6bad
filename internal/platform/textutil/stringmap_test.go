package textutil

import (
	"errors"
	"reflect"
	"testing"
)

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		" Phone Number ": "phone_number",
		"phone-number":   "phone_number",
		"OPERATOR__code": "operator_code",
		"  ":             "",
		"-tail-":         "tail",
	}
	for in, want := range cases {
		if got := NormalizeKey(in); got != want {
			t.Fatalf("NormalizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeAttributes(t *testing.T) {
	t.Run("normalises keys and drops blanks", func(t *testing.T) {
		input := map[string]string{
			" Phone Number ": " 0700000000 ",
			"operator":       " orange ",
			"empty":          " ",
			" ":              "ignored",
		}

		expected := map[string]string{
			"phone_number": "0700000000",
			"operator":     "orange",
		}

		actual, err := NormalizeAttributes(input, 0, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(actual, expected) {
			t.Fatalf("expected %#v got %#v", expected, actual)
		}
	})

	t.Run("colliding keys resolve deterministically", func(t *testing.T) {
		actual, err := NormalizeAttributes(map[string]string{"Phone-Number": "a", "phone number": "b"}, 0, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if actual["phone_number"] != "b" {
			t.Fatalf("expected value of lexically greater key, got %q", actual["phone_number"])
		}
	})

	t.Run("truncates long values", func(t *testing.T) {
		actual, err := NormalizeAttributes(map[string]string{"note": "héllo world"}, 0, 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if actual["note"] != "héllo" {
			t.Fatalf("expected rune-safe truncation, got %q", actual["note"])
		}
	})

	t.Run("rejects too many entries", func(t *testing.T) {
		_, err := NormalizeAttributes(map[string]string{"a": "1", "b": "2", "c": "3"}, 2, 0)
		if !errors.Is(err, ErrTooManyEntries) {
			t.Fatalf("expected ErrTooManyEntries, got %v", err)
		}
	})

	t.Run("returns nil for nil or empty input", func(t *testing.T) {
		if got, _ := NormalizeAttributes(nil, 0, 0); got != nil {
			t.Fatalf("expected nil for nil input")
		}
		if got, _ := NormalizeAttributes(map[string]string{" ": " "}, 0, 0); got != nil {
			t.Fatalf("expected nil when every entry is blank")
		}
	})
}
