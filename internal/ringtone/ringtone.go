// Package ringtone encodes buzzer melodies into the binary layout the clock
// firmware plays and loads user-supplied melodies from YAML files.
package ringtone

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rest is the note value for silence.
const Rest int16 = 0

// Melody is a sequence of notes (frequencies in Hz, 0 = rest) and durations
// (4 = quarter, 8 = eighth, negative = dotted) played at Tempo BPM.
type Melody struct {
	Name      string
	Tempo     int
	Notes     []int16
	Durations []int8
}

// Validate checks that the melody can be encoded.
func (m Melody) Validate() error {
	if m.Name == "" {
		return errors.New("ringtone: name must not be empty")
	}
	if m.Tempo <= 0 || m.Tempo > math.MaxUint16 {
		return fmt.Errorf("ringtone %q: tempo %d out of range", m.Name, m.Tempo)
	}
	if len(m.Notes) == 0 {
		return fmt.Errorf("ringtone %q: no notes", m.Name)
	}
	if len(m.Notes) > math.MaxUint16 {
		return fmt.Errorf("ringtone %q: too many notes (%d)", m.Name, len(m.Notes))
	}
	if len(m.Notes) != len(m.Durations) {
		return fmt.Errorf("ringtone %q: %d notes but %d durations", m.Name, len(m.Notes), len(m.Durations))
	}
	for i, d := range m.Durations {
		if d == 0 {
			return fmt.Errorf("ringtone %q: duration %d is zero", m.Name, i)
		}
	}
	return nil
}

// Bytes encodes the melody as tempo (u16 LE), note count (u16 LE), the
// notes (i16 LE each) and the durations (one byte each).
func (m Melody) Bytes() []byte {
	buf := make([]byte, 0, 4+3*len(m.Notes))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(m.Tempo))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Notes)))
	for _, n := range m.Notes {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(n))
	}
	for _, d := range m.Durations {
		buf = append(buf, byte(d))
	}
	return buf
}

// Decode parses the layout produced by Bytes. The name is not part of the
// encoding.
func Decode(data []byte) (Melody, error) {
	if len(data) < 4 {
		return Melody{}, errors.New("ringtone: data too short")
	}
	m := Melody{Tempo: int(binary.LittleEndian.Uint16(data))}
	count := int(binary.LittleEndian.Uint16(data[2:]))
	if len(data) != 4+3*count {
		return Melody{}, fmt.Errorf("ringtone: %d bytes for %d notes", len(data), count)
	}
	m.Notes = make([]int16, count)
	m.Durations = make([]int8, count)
	for i := range count {
		m.Notes[i] = int16(binary.LittleEndian.Uint16(data[4+2*i:]))
		m.Durations[i] = int8(data[4+2*count+i])
	}
	return m, nil
}

var noteSteps = map[string]int{
	"C": 0, "CS": 1, "D": 2, "DS": 3, "E": 4, "F": 5,
	"FS": 6, "G": 7, "GS": 8, "A": 9, "AS": 10, "B": 11,
}

// NoteFrequency returns the equal-tempered frequency of a note name such as
// "A4", "FS5" or "C#6", rounded to whole Hz. "REST" is 0.
func NoteFrequency(name string) (int16, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	s = strings.TrimPrefix(s, "NOTE_")
	if s == "REST" || s == "R" {
		return Rest, nil
	}
	s = strings.ReplaceAll(s, "#", "S")
	i := strings.IndexAny(s, "0123456789")
	if i <= 0 {
		return 0, fmt.Errorf("ringtone: bad note %q", name)
	}
	step, ok := noteSteps[s[:i]]
	if !ok {
		return 0, fmt.Errorf("ringtone: bad note %q", name)
	}
	octave, err := strconv.Atoi(s[i:])
	if err != nil || octave < 0 || octave > 8 {
		return 0, fmt.Errorf("ringtone: bad octave in %q", name)
	}
	// A4 = 440 Hz is semitone 57 counting from C0.
	semis := octave*12 + step - 57
	return int16(math.Round(440 * math.Pow(2, float64(semis)/12))), nil
}

// Note is a melody note in a YAML file: either a frequency in Hz or a note
// name understood by NoteFrequency.
type Note int16

func (n *Note) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: note must be a scalar", value.Line)
	}
	if v, err := strconv.Atoi(value.Value); err == nil {
		if v < 0 || v > math.MaxInt16 {
			return fmt.Errorf("line %d: frequency %d out of range", value.Line, v)
		}
		*n = Note(v)
		return nil
	}
	f, err := NoteFrequency(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*n = Note(f)
	return nil
}

type melodyFile struct {
	Ringtones []struct {
		Name      string `yaml:"name"`
		Tempo     int    `yaml:"tempo"`
		Notes     []Note `yaml:"notes"`
		Durations []int8 `yaml:"durations"`
	} `yaml:"ringtones"`
}

// Parse reads melodies from YAML:
//
//	ringtones:
//	  - name: Nokia
//	    tempo: 180
//	    notes: [E5, D5, FS4, GS4]
//	    durations: [8, 8, 4, 4]
func Parse(data []byte) ([]Melody, error) {
	var f melodyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ringtone: parsing melodies: %w", err)
	}
	if len(f.Ringtones) == 0 {
		return nil, errors.New("ringtone: no ringtones defined")
	}
	out := make([]Melody, 0, len(f.Ringtones))
	seen := make(map[string]bool)
	for _, r := range f.Ringtones {
		m := Melody{Name: r.Name, Tempo: r.Tempo, Durations: r.Durations}
		m.Notes = make([]int16, len(r.Notes))
		for i, n := range r.Notes {
			m.Notes[i] = int16(n)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("ringtone: duplicate name %q", m.Name)
		}
		seen[m.Name] = true
		out = append(out, m)
	}
	return out, nil
}

// LoadFile reads melodies from a YAML file.
func LoadFile(path string) ([]Melody, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading melody file: %w", err)
	}
	return Parse(data)
}

// Find returns the melody called name.
func Find(melodies []Melody, name string) (Melody, bool) {
	for _, m := range melodies {
		if strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	return Melody{}, false
}
