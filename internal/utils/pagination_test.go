package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		{"", 10, 10},
		{"42", 0, 42},
		{"-13", 1, -13},
		{"x", 5, 5},
		{" 42", 7, 7},
		{"999999999999999999999999", -1, -1},
	}
	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestPage(t *testing.T) {
	cases := []struct {
		limit, offset         string
		wantLimit, wantOffset int
	}{
		{"", "", 50, 0},
		{"10", "20", 10, 20},
		{"0", "-5", 50, 0},
		{"500", "x", 100, 0},
		{"abc", "3", 50, 3},
	}
	for _, tc := range cases {
		l, o := Page(tc.limit, tc.offset, 50, 100)
		if l != tc.wantLimit || o != tc.wantOffset {
			t.Fatalf("Page(%q,%q) = %d,%d; want %d,%d", tc.limit, tc.offset, l, o, tc.wantLimit, tc.wantOffset)
		}
	}
}
