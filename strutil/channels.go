package strutil

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var channelToken = regexp.MustCompile(`(\d+)\s*-\s*(\d+)|[^\s,]+`)

// ParseChannelList parses an operator channel list such as "1-4, 17, 30-33"
// into sorted, de-duplicated 1-based channel numbers. Commas and spaces both
// separate entries.
func ParseChannelList(value string) ([]int, error) {
	var out []int
	for _, m := range channelToken.FindAllStringSubmatch(value, -1) {
		if m[1] != "" {
			lo, _ := strconv.Atoi(m[1])
			hi, _ := strconv.Atoi(m[2])
			if lo < 1 || hi < lo {
				return nil, fmt.Errorf("invalid channel range %q", m[0])
			}
			for ch := lo; ch <= hi; ch++ {
				out = append(out, ch)
			}
			continue
		}
		ch, err := strconv.Atoi(m[0])
		if err != nil || ch < 1 {
			return nil, fmt.Errorf("invalid channel %q", m[0])
		}
		out = append(out, ch)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// FormatChannelList is the inverse of ParseChannelList. Runs of three or
// more consecutive channels are abbreviated to "a-b".
func FormatChannelList(channels []int) string {
	sorted := slices.Clone(channels)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	parts := make([]string, 0, len(sorted))
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if j-i >= 2 {
			parts = append(parts, fmt.Sprintf("%d-%d", sorted[i], sorted[j]))
			i = j + 1
			continue
		}
		parts = append(parts, strconv.Itoa(sorted[i]))
		i++
	}
	return strings.Join(parts, ", ")
}

// ZeroBased converts 1-based channel numbers to indexes.
func ZeroBased(channels []int) []int {
	out := make([]int, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch-1)
	}
	return out
}
