package capture

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"
)

const speedscopeSchema = "https://www.speedscope.app/file-format-schema.json"

// ErrNoSamples is returned when a profile has nothing to render.
var ErrNoSamples = errors.New("profile contains no samples")

type speedscopeFile struct {
	Schema             string              `json:"$schema"`
	Shared             speedscopeShared    `json:"shared"`
	Profiles           []speedscopeProfile `json:"profiles"`
	Name               string              `json:"name"`
	ActiveProfileIndex int                 `json:"activeProfileIndex"`
	Exporter           string              `json:"exporter"`
}

type speedscopeShared struct {
	Frames []speedscopeFrame `json:"frames"`
}

type speedscopeFrame struct {
	Name string `json:"name"`
	File string `json:"file,omitempty"`
	Line int64  `json:"line,omitempty"`
}

type speedscopeProfile struct {
	Type       string  `json:"type"`
	Name       string  `json:"name"`
	Unit       string  `json:"unit"`
	StartValue int64   `json:"startValue"`
	EndValue   int64   `json:"endValue"`
	Samples    [][]int `json:"samples"`
	Weights    []int64 `json:"weights"`
}

// ConvertFile parses the pprof profile at rawPath and writes speedscope JSON
// to outPath. A partially written output is removed on failure.
func ConvertFile(rawPath, outPath, name string) error {
	// #nosec G304 - rawPath is built by the session backend.
	in, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("open raw profile: %w", err)
	}
	defer in.Close() // nolint:errcheck

	p, err := profile.Parse(in)
	if err != nil {
		return fmt.Errorf("parse raw profile: %w", err)
	}

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create speedscope file: %w", err)
	}
	w := bufio.NewWriter(out)
	if err := WriteSpeedscope(w, p, name); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return err
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return fmt.Errorf("write speedscope file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("close speedscope file: %w", err)
	}
	return nil
}

// WriteSpeedscope renders p as a single sampled speedscope profile. Identical
// stacks are merged; stacks are written root first.
func WriteSpeedscope(w io.Writer, p *profile.Profile, name string) error {
	if len(p.Sample) == 0 || len(p.SampleType) == 0 {
		return ErrNoSamples
	}

	idx := cpuSampleIndex(p)
	b := newStackBuilder()
	for _, s := range p.Sample {
		if idx >= len(s.Value) || s.Value[idx] <= 0 {
			continue
		}
		b.add(s, s.Value[idx])
	}
	if len(b.stacks) == 0 {
		return ErrNoSamples
	}

	var total int64
	for _, w := range b.weights {
		total += w
	}

	file := speedscopeFile{
		Schema: speedscopeSchema,
		Shared: speedscopeShared{Frames: b.frames},
		Profiles: []speedscopeProfile{{
			Type:       "sampled",
			Name:       name,
			Unit:       speedscopeUnit(p.SampleType[idx].Unit),
			StartValue: 0,
			EndValue:   total,
			Samples:    b.stacks,
			Weights:    b.weights,
		}},
		Name:     name,
		Exporter: "traceme",
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(&file); err != nil {
		return fmt.Errorf("encode speedscope: %w", err)
	}
	return nil
}

// cpuSampleIndex prefers the "cpu" sample type, then the default sample
// type, then the last one (pprof puts the most specific value last).
func cpuSampleIndex(p *profile.Profile) int {
	for i, st := range p.SampleType {
		if st.Type == "cpu" {
			return i
		}
	}
	if p.DefaultSampleType != "" {
		for i, st := range p.SampleType {
			if st.Type == p.DefaultSampleType {
				return i
			}
		}
	}
	return len(p.SampleType) - 1
}

func speedscopeUnit(unit string) string {
	switch unit {
	case "nanoseconds", "microseconds", "milliseconds", "seconds", "bytes":
		return unit
	default:
		return "none"
	}
}

type frameKey struct {
	name string
	file string
	line int64
}

type stackBuilder struct {
	frames     []speedscopeFrame
	frameIndex map[frameKey]int
	stacks     [][]int
	weights    []int64
	stackIndex map[string]int
}

func newStackBuilder() *stackBuilder {
	return &stackBuilder{
		frameIndex: make(map[frameKey]int),
		stackIndex: make(map[string]int),
	}
}

func (b *stackBuilder) add(s *profile.Sample, weight int64) {
	var stack []int
	// Locations are leaf first; inlined lines within a location are innermost first.
	for i := len(s.Location) - 1; i >= 0; i-- {
		loc := s.Location[i]
		if len(loc.Line) == 0 {
			stack = append(stack, b.frame(addressFrame(loc)))
			continue
		}
		for j := len(loc.Line) - 1; j >= 0; j-- {
			stack = append(stack, b.frame(lineFrame(loc.Line[j])))
		}
	}
	if len(stack) == 0 {
		return
	}

	key := stackKey(stack)
	if at, ok := b.stackIndex[key]; ok {
		b.weights[at] += weight
		return
	}
	b.stackIndex[key] = len(b.stacks)
	b.stacks = append(b.stacks, stack)
	b.weights = append(b.weights, weight)
}

func (b *stackBuilder) frame(k frameKey) int {
	if at, ok := b.frameIndex[k]; ok {
		return at
	}
	at := len(b.frames)
	b.frameIndex[k] = at
	b.frames = append(b.frames, speedscopeFrame{Name: k.name, File: k.file, Line: k.line})
	return at
}

func lineFrame(l profile.Line) frameKey {
	if l.Function == nil {
		return frameKey{name: "<unknown>"}
	}
	name := l.Function.Name
	if name == "" {
		name = l.Function.SystemName
	}
	if name == "" {
		name = "<unknown>"
	}
	return frameKey{name: name, file: l.Function.Filename, line: l.Line}
}

func addressFrame(loc *profile.Location) frameKey {
	name := "0x" + strconv.FormatUint(loc.Address, 16)
	if loc.Mapping != nil && loc.Mapping.File != "" {
		name = loc.Mapping.File + "!" + name
	}
	return frameKey{name: name}
}

func stackKey(stack []int) string {
	var sb strings.Builder
	for i, f := range stack {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(strconv.Itoa(f))
	}
	return sb.String()
}
