package diff

import "testing"

func TestSummarizeEmpty(t *testing.T) {
	if got := Summarize(""); got != (Stat{}) {
		t.Fatalf("Summarize(\"\") = %+v", got)
	}
}

func TestSummarizeSingleHunk(t *testing.T) {
	text := `diff --git a/main.go b/main.go
--- a/main.go
+++ b/main.go
@@ -1,3 +1,4 @@
 package main
-var x = 1
+var x = 2
+var y = 3
 // end`
	got := Summarize(text)
	if got.Additions != 2 || got.Deletions != 1 || got.Hunks != 1 {
		t.Fatalf("Summarize = %+v", got)
	}
}

func TestSummarizeMultipleHunks(t *testing.T) {
	text := `@@ -1,2 +1,2 @@
-old
+new
@@ -10,2 +10,3 @@
 ctx
+added`
	got := Summarize(text)
	if got.Hunks != 2 || got.Additions != 2 || got.Deletions != 1 {
		t.Fatalf("Summarize = %+v", got)
	}
}

func TestSummarizeBareDiff(t *testing.T) {
	// No hunk header at all, as some agents emit for one-line edits.
	got := Summarize("-removed\n+added one\n+added two")
	if got.Additions != 2 || got.Deletions != 1 || got.Hunks != 0 {
		t.Fatalf("Summarize = %+v", got)
	}
}

func TestSummarizeIgnoresFileHeaders(t *testing.T) {
	text := `--- a/x
+++ b/x
@@ -1 +1 @@
-a
+b`
	got := Summarize(text)
	if got.Additions != 1 || got.Deletions != 1 {
		t.Fatalf("Summarize = %+v", got)
	}
}

func TestStatString(t *testing.T) {
	if got := (Stat{Additions: 12, Deletions: 3}).String(); got != "+12 -3" {
		t.Fatalf("String = %q", got)
	}
}
