package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

const meterGlyphs = " ▁▂▃▄▅▆▇█"

// renderer draws the band meter and the rolling transcript on a terminal.
// The meter redraws in place on one status line; transcript entries scroll
// above it.
type renderer struct {
	w       io.Writer
	printed int
	elapsed time.Duration
	bands   []float64
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

// transcript prints entries not yet shown. The upstream display list is
// append-only and listed entries never change, so a printed high-water
// mark is all the bookkeeping needed.
func (r *renderer) transcript(entries []types.TranscriptEntry) {
	for ; r.printed < len(entries); r.printed++ {
		e := entries[r.printed]
		r.clearStatus()
		switch e.Role {
		case types.RoleSystem:
			fmt.Fprintf(r.w, "-- %s\n", e.Text)
		case types.RoleUser:
			fmt.Fprintf(r.w, "you: %s\n", e.Text)
		default:
			fmt.Fprintf(r.w, "agent: %s\n", e.Text)
		}
	}
	r.status()
}

func (r *renderer) meter(bands []float64) {
	r.bands = bands
	r.status()
}

func (r *renderer) duration(elapsed time.Duration) {
	r.elapsed = elapsed
	r.status()
}

func (r *renderer) status() {
	var sb strings.Builder
	sb.WriteString("\r[")
	for _, v := range r.bands {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		idx := int(v * float64(len([]rune(meterGlyphs))-1))
		sb.WriteRune([]rune(meterGlyphs)[idx])
	}
	sb.WriteString("] ")
	if r.elapsed > 0 {
		sb.WriteString(r.elapsed.String())
	}
	sb.WriteString("   ")
	fmt.Fprint(r.w, sb.String())
}

func (r *renderer) clearStatus() {
	fmt.Fprint(r.w, "\r"+strings.Repeat(" ", 40)+"\r")
}
