package sgd

import (
	"strconv"
	"strings"
	"time"

	"labelhub/internal/model"
)

// ParseHostStatus interprets a device.host_status reply. The firmware answers
// with the same three comma-lists the ~HS query produces:
//
//	aaa,b,c,dddd,eee,f,g,h,iii,j,k,l      (b paper out, c pause, eee formats
//	                                       in buffer, f buffer full, h partial
//	                                       format, j corrupt RAM, k under
//	                                       temp, l over temp)
//	mmm,n,o,p,q,r,s,t,uuuuuuuu,v,www      (o head up, p ribbon out)
//	xxxx,y
//
// Lines may arrive newline-separated or run together as one comma list.
func ParseHostStatus(raw string) model.PrinterStatus {
	st := model.PrinterStatus{Raw: strings.TrimSpace(raw), ReadAt: time.Now()}

	var s1, s2 []string
	lines := splitStatusLines(raw)
	switch {
	case len(lines) >= 2:
		s1 = strings.Split(lines[0], ",")
		s2 = strings.Split(lines[1], ",")
	case len(lines) == 1:
		fields := strings.Split(lines[0], ",")
		if len(fields) >= 12 {
			s1 = fields[:12]
			if len(fields) >= 23 {
				s2 = fields[12:23]
			}
		} else {
			s1 = fields
		}
	default:
		return st
	}

	st.MediaOut = flagAt(s1, 1)
	st.Paused = flagAt(s1, 2)
	st.QueuedFormats = intAt(s1, 4)
	st.BufferFull = flagAt(s1, 5)
	st.PartialFormat = flagAt(s1, 7)
	st.OverTemp = flagAt(s1, 11)
	if len(s2) > 0 {
		st.HeadOpen = flagAt(s2, 2)
		st.RibbonOut = flagAt(s2, 3)
	}
	st.Ready = !st.MediaOut && !st.Paused && !st.HeadOpen && !st.RibbonOut &&
		!st.BufferFull && !st.OverTemp && !flagAt(s1, 9)
	return st
}

func splitStatusLines(raw string) []string {
	var out []string
	for _, ln := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' }) {
		ln = strings.TrimSpace(strings.Trim(ln, `"`))
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

func flagAt(fields []string, i int) bool {
	return intAt(fields, i) != 0
}

func intAt(fields []string, i int) int {
	if i >= len(fields) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(fields[i]))
	if err != nil {
		return 0
	}
	return n
}

// Value interpretation for the individual probe variables.

func MediaReady(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "ready", "ok":
		return true
	}
	return false
}

func HeadClosed(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "ok", "closed":
		return true
	}
	return false
}

func PauseSet(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on", "true", "1":
		return true
	}
	return false
}
