package prompt

import (
	"fmt"
	"strings"
)

// Separator is placed between the base instruction and each layer
const Separator = "\n\n"

// Kind groups layers by what they change about the output
type Kind string

const (
	KindFormat Kind = "format"
	KindTone   Kind = "tone"
	KindStyle  Kind = "style"
	KindCustom Kind = "custom"
)

// Layer is a named instruction fragment
type Layer struct {
	Name string `yaml:"name" json:"name"`
	Kind Kind   `yaml:"kind" json:"kind"`
	Text string `yaml:"text" json:"text"`
}

// Compose joins base and layers in order. With no layers it returns base
// unchanged.
func Compose(base string, layers []Layer) string {
	if len(layers) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	for _, l := range layers {
		b.WriteString(Separator)
		b.WriteString(l.Text)
	}
	return b.String()
}

// Stack is an ordered list of layers on top of a mandatory base instruction
type Stack struct {
	base   string
	layers []Layer
}

// NewStack creates a stack with the given base instruction
func NewStack(base string) (*Stack, error) {
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("base instruction must not be empty")
	}
	return &Stack{base: base}, nil
}

// Add appends a layer. Blank layers are rejected instead of being dropped
// at compose time.
func (s *Stack) Add(l Layer) error {
	if strings.TrimSpace(l.Text) == "" {
		return fmt.Errorf("layer %q has no text", l.Name)
	}
	if l.Kind == "" {
		l.Kind = KindCustom
	}
	s.layers = append(s.layers, l)
	return nil
}

// Base returns the base instruction
func (s *Stack) Base() string {
	return s.base
}

// Layers returns a copy of the layers in order
func (s *Stack) Layers() []Layer {
	out := make([]Layer, len(s.layers))
	copy(out, s.layers)
	return out
}

// Names returns the layer names in order
func (s *Stack) Names() []string {
	names := make([]string, len(s.layers))
	for i, l := range s.layers {
		names[i] = l.Name
	}
	return names
}

// Compose renders the stack
func (s *Stack) Compose() string {
	return Compose(s.base, s.layers)
}
