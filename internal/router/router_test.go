package router

import (
	"reflect"
	"testing"

	"github.com/szaher/phoneagent/internal/process"
)

func stdout(s string) process.Chunk {
	return process.Chunk{Stream: process.StreamStdout, Data: []byte(s)}
}

func stderr(s string) process.Chunk {
	return process.Chunk{Stream: process.StreamStderr, Data: []byte(s)}
}

func texts(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Text)
	}
	return out
}

func TestRouterReassemblesSplitChunks(t *testing.T) {
	r := New(nil)

	var got []Line
	for _, c := range []string{"AI: ", "hi", "\nsecond li", "ne\r\nthird\n"} {
		got = append(got, r.Feed("s1", "dev1", stdout(c))...)
	}

	want := []string{"AI: hi", "second line", "third"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Errorf("lines = %q, want %q", texts(got), want)
	}
	for _, l := range got {
		if l.DeviceID != "dev1" {
			t.Errorf("line %q tagged with device %q, want dev1", l.Text, l.DeviceID)
		}
	}
}

func TestRouterSplitsMergedChunk(t *testing.T) {
	r := New(nil)
	got := r.Feed("s1", "dev1", stdout("one\ntwo\nthree\n"))

	want := []string{"one", "two", "three"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Errorf("lines = %q, want %q", texts(got), want)
	}
}

func TestRouterDropsPromptsAndBlankLines(t *testing.T) {
	r := New(nil)
	got := r.Feed("s1", "dev1", stdout("> \n   \n  > waiting for input\n  AI: done  \n\n"))

	want := []string{"AI: done"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Errorf("lines = %q, want %q", texts(got), want)
	}
}

func TestRouterKeepsStreamsSeparate(t *testing.T) {
	r := New(nil)

	var got []Line
	got = append(got, r.Feed("s1", "dev1", stdout("partial "))...)
	got = append(got, r.Feed("s1", "dev1", stderr("warning: slow\n"))...)
	got = append(got, r.Feed("s1", "dev1", stdout("out\n"))...)

	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(got), texts(got))
	}
	if got[0].Stream != process.StreamStderr || got[0].Text != "warning: slow" {
		t.Errorf("line[0] = %+v, want stderr warning", got[0])
	}
	if got[1].Stream != process.StreamStdout || got[1].Text != "partial out" {
		t.Errorf("line[1] = %+v, want stdout %q", got[1], "partial out")
	}
}

func TestRouterKeepsSessionsSeparate(t *testing.T) {
	r := New(nil)

	a := r.Feed("s1", "dev1", stdout("from dev"))
	b := r.Feed("s2", "dev2", stdout("ice two\n"))
	if len(a) != 0 {
		t.Errorf("incomplete line surfaced: %q", texts(a))
	}
	if !reflect.DeepEqual(texts(b), []string{"ice two"}) {
		t.Errorf("session s2 lines = %q", texts(b))
	}
	if b[0].DeviceID != "dev2" {
		t.Errorf("device = %q, want dev2", b[0].DeviceID)
	}
}

func TestRouterFlushEmitsPartialLines(t *testing.T) {
	r := New(nil)
	r.Feed("s1", "dev1", stdout("no newline at end"))
	r.Feed("s1", "dev1", stderr("> "))

	got := r.Flush("s1", "dev1")
	if !reflect.DeepEqual(texts(got), []string{"no newline at end"}) {
		t.Errorf("flushed = %q", texts(got))
	}
	if again := r.Flush("s1", "dev1"); len(again) != 0 {
		t.Errorf("second Flush returned %q", texts(again))
	}
}

func TestRouterVerdictHook(t *testing.T) {
	counts := make(map[Verdict]int)
	r := New(nil, WithVerdictHook(func(_ Line, v Verdict) { counts[v]++ }))
	r.Feed("s1", "dev1", stdout("> prompt\n\nreal\n"))

	if counts[Surface] != 1 || counts[DropPrompt] != 1 || counts[DropEmpty] != 1 {
		t.Errorf("verdict counts = %v", counts)
	}
}

func TestPrefixClassifier(t *testing.T) {
	c := NewPrefixClassifier("$ ", "", "##")
	tests := []struct {
		text string
		want Verdict
	}{
		{"$ ls", DropPrompt},
		{"## header", DropPrompt},
		{"> default prompt is not configured", Surface},
		{"plain", Surface},
	}
	for _, tt := range tests {
		if got := c.Classify(Line{Text: tt.text}); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}

	if def := NewPrefixClassifier(); !reflect.DeepEqual(def.Prefixes, []string{">"}) {
		t.Errorf("default prefixes = %q, want [>]", def.Prefixes)
	}
}

func TestExprClassifierInChain(t *testing.T) {
	rule, err := NewExprClassifier(`stream == "stderr" && line contains "DEBUG"`, nil)
	if err != nil {
		t.Fatalf("NewExprClassifier returned unexpected error: %v", err)
	}
	r := New(Chain{NewPrefixClassifier(), rule})

	var got []Line
	got = append(got, r.Feed("s1", "dev1", stderr("DEBUG tapping (10,20)\nERROR no screen\n"))...)
	got = append(got, r.Feed("s1", "dev1", stdout("DEBUG is fine on stdout\n> prompt\n"))...)

	want := []string{"ERROR no screen", "DEBUG is fine on stdout"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Errorf("lines = %q, want %q", texts(got), want)
	}
}

func TestExprClassifierRejectsBadRule(t *testing.T) {
	if _, err := NewExprClassifier(`line +`, nil); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := NewExprClassifier(`len(line)`, nil); err == nil {
		t.Fatal("expected error for non-boolean rule")
	}
}

func TestRouterCutsOverlongLines(t *testing.T) {
	r := New(nil, WithMaxLineBytes(8))

	got := r.Feed("s1", "dev1", stdout("abcdefghijkl"))
	if want := []string{"abcdefgh"}; !reflect.DeepEqual(texts(got), want) {
		t.Errorf("lines = %q, want %q", texts(got), want)
	}
	got = r.Feed("s1", "dev1", stdout("mn\n"))
	if want := []string{"ijklmn"}; !reflect.DeepEqual(texts(got), want) {
		t.Errorf("lines = %q, want %q", texts(got), want)
	}

	r = New(nil, WithMaxLineBytes(4))
	got = r.Feed("s2", "dev1", stdout("abcé"))
	if want := []string{"abc"}; !reflect.DeepEqual(texts(got), want) {
		t.Errorf("lines = %q, want %q", texts(got), want)
	}
	if rest := texts(r.Flush("s2", "dev1")); len(rest) != 1 || rest[0] != "é" {
		t.Errorf("flushed = %q, want the split rune kept whole", rest)
	}
}
