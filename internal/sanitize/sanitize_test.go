package sanitize

import "testing"

func TestComponentRejectsDotDot(t *testing.T) {
	if Component("..", Posix) != "" {
		t.Fatal("expected .. to sanitize to empty")
	}
	if Component(".", Posix) != "" {
		t.Fatal("expected . to sanitize to empty")
	}
}

func TestComponentStripsControlBytes(t *testing.T) {
	got := Component("foo\x00bar\x01", Posix)
	if got != "foo_bar_" {
		t.Fatalf("got %q", got)
	}
}

func TestComponentWindowsReservedChars(t *testing.T) {
	got := Component(`a:b<c>d"e|f?g*h`, Windows)
	want := "a_b_c_d_e_f_g_h"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestComponentWindowsReservedName(t *testing.T) {
	got := Component("CON", Windows)
	if got != "_CON" {
		t.Fatalf("got %q", got)
	}
}

func TestComponentWindowsTrailingDotsSpaces(t *testing.T) {
	got := Component("file.  ", Windows)
	if got != "file" {
		t.Fatalf("got %q", got)
	}
}

func TestPathIdempotent(t *testing.T) {
	in := []string{"a", "..", "b\x00", "c"}
	first := Path(in, Posix)
	second := Path(first, Posix)
	if len(first) != len(second) {
		t.Fatalf("non-idempotent: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("non-idempotent at %d: %v vs %v", i, first, second)
		}
	}
}

func TestDisambiguate(t *testing.T) {
	if got := Disambiguate("movie.mp4", 0); got != "movie.mp4" {
		t.Fatalf("got %q", got)
	}
	if got := Disambiguate("movie.mp4", 1); got != "movie.1.mp4" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncatePreservesExtension(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	name := string(long) + ".txt"
	got := Component(name, Posix)
	if len(got) > MaxComponentLength {
		t.Fatalf("not truncated: len=%d", len(got))
	}
	if got[len(got)-4:] != ".txt" {
		t.Fatalf("extension lost: %q", got[len(got)-10:])
	}
}
