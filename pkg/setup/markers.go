package setup

import (
	"regexp"
	"strconv"
	"strings"
)

var stepMarker = regexp.MustCompile(`^\[step (\d+)/(\d+)\]\s*(.*)$`)

// Step is a parsed "[step N/M] message" marker.
type Step struct {
	N, Total int
	Message  string
}

// ParseStep recognises a step marker line.
func ParseStep(line string) (Step, bool) {
	m := stepMarker.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Step{}, false
	}
	n, _ := strconv.Atoi(m[1])
	total, _ := strconv.Atoi(m[2])
	if n <= 0 || total <= 0 || n > total {
		return Step{}, false
	}
	return Step{N: n, Total: total, Message: m[3]}, true
}

// lineScanner reassembles lines from arbitrarily split output chunks.
type lineScanner struct {
	partial strings.Builder
	onLine  func(string)
}

func (s *lineScanner) Feed(chunk string) {
	for {
		idx := strings.IndexByte(chunk, '\n')
		if idx < 0 {
			s.partial.WriteString(chunk)
			return
		}
		s.partial.WriteString(chunk[:idx])
		s.onLine(strings.TrimRight(s.partial.String(), "\r"))
		s.partial.Reset()
		chunk = chunk[idx+1:]
	}
}
