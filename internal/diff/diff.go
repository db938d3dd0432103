// Package diff summarizes the unified diffs agents attach to proposed file
// changes, so frontends can show counts without rendering the full patch.
package diff

import (
	"fmt"
	"regexp"
	"strings"
)

// Stat is the aggregate size of one diff.
type Stat struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Hunks     int `json:"hunks"`
}

// String renders the stat the way git does: "+12 -3".
func (s Stat) String() string {
	return fmt.Sprintf("+%d -%d", s.Additions, s.Deletions)
}

// hunkHeaderRegex matches unified hunk headers like:
// @@ -1,5 +1,7 @@
// @@ -0,0 +1,10 @@ (new file)
var hunkHeaderRegex = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Summarize counts additions, deletions, and hunks in a unified diff.
// Binary diffs carry no hunk headers and summarize to zero; file headers
// ("---", "+++") are not counted as changes.
func Summarize(text string) Stat {
	var stat Stat
	if text == "" {
		return stat
	}

	inHunk := false
	for _, line := range strings.Split(text, "\n") {
		if hunkHeaderRegex.MatchString(line) {
			stat.Hunks++
			inHunk = true
			continue
		}
		if strings.HasPrefix(line, "diff ") {
			inHunk = false
			continue
		}
		if !inHunk {
			// Tolerate bare diffs that start with +/- lines and no @@
			// header, which some agents emit for small edits.
			if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
				stat.Additions++
			}
			if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
				stat.Deletions++
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			stat.Additions++
		case strings.HasPrefix(line, "-"):
			stat.Deletions++
		}
	}
	return stat
}
