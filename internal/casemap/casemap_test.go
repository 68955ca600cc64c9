package casemap

import "testing"

func TestMap(t *testing.T) {
	cases := []struct {
		in   byte
		want byte
	}{
		{'a', 'A'},
		{'z', 'Z'},
		{'A', 'A'},
		{'-', '_'},
		{'_', '_'},
		{'0', '0'},
		{' ', ' '},
	}
	for _, c := range cases {
		if got := Map(c.in); got != c.want {
			t.Fatalf("Map(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTransform(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"x-forwarded-for", "X_FORWARDED_FOR"},
		{"Content-Type", "CONTENT_TYPE"},
		{"a", "A"},
		{"ab", "AB"},
		{"abcdefgh", "ABCDEFGH"},
		{"abcdefghi", "ABCDEFGHI"},
		{"User-Agent123", "USER_AGENT123"},
	}
	for _, c := range cases {
		data := []byte(c.in)
		Transform(data)
		if string(data) != c.want {
			t.Fatalf("Transform(%q) = %q, want %q", c.in, data, c.want)
		}
	}
}

func TestTransformAllLengths(t *testing.T) {
	// Exercise every tail-switch branch (0..7 remainder after 8-byte chunks).
	for n := 0; n < 20; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = 'a'
		}
		Transform(data)
		for i, b := range data {
			if b != 'A' {
				t.Fatalf("len %d: byte %d = %q, want 'A'", n, i, b)
			}
		}
	}
}
