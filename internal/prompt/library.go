package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// FoundationPrompt is the default base instruction
const FoundationPrompt = `Your task is to provide a cleaned transcription of the audio recorded by the user.
- Remove filler words (um, uh, like, you know, so, well, etc.)
- Remove standalone acknowledgments that don't add meaning
- Remove verbal tics and hedging phrases used as fillers ("I mean", "kind of", "basically")
- Add proper punctuation, sentence structure and natural paragraph spacing
- If the user gives verbal instructions during the recording (such as "don't include this" or "new paragraph"), follow them
- Add markdown subheadings if it is a lengthy transcription with distinct sections
- Output ONLY the cleaned transcription in markdown, no commentary or preamble`

var builtinLayers = []Layer{
	{Name: "email", Kind: KindFormat, Text: "Format the output as an email: a greeting, a concise body in short paragraphs, and a sign-off. Do not invent a subject line unless the user dictates one."},
	{Name: "todo", Kind: KindFormat, Text: "Format the output as a markdown to-do list. One actionable item per line as \"- [ ] item\", in the order mentioned."},
	{Name: "meeting-notes", Kind: KindFormat, Text: "Format the output as meeting notes with the sections \"Summary\", \"Decisions\" and \"Action items\". Omit a section that would be empty."},
	{Name: "bullet-points", Kind: KindFormat, Text: "Format the output as a bulleted list of the key points. Keep each bullet to one sentence."},
	{Name: "formal", Kind: KindTone, Text: "Use a formal, professional tone. Avoid contractions and colloquialisms."},
	{Name: "casual", Kind: KindTone, Text: "Use a relaxed, conversational tone while keeping the text clean and readable."},
	{Name: "concise", Kind: KindStyle, Text: "Be concise. Remove repetition and tangents, keeping every point the user made."},
	{Name: "verbatim", Kind: KindStyle, Text: "Stay as close to the spoken words as possible. Only remove fillers and fix punctuation."},
}

// Library resolves layer names to layers: the built-ins plus any configured
// additions, which replace built-ins of the same name.
type Library struct {
	layers map[string]Layer
}

// NewLibrary creates a library of the built-in layers and extra
func NewLibrary(extra ...Layer) (*Library, error) {
	lib := &Library{layers: make(map[string]Layer, len(builtinLayers)+len(extra))}
	for _, l := range builtinLayers {
		lib.layers[l.Name] = l
	}
	for _, l := range extra {
		name := strings.TrimSpace(l.Name)
		if name == "" {
			return nil, fmt.Errorf("prompt layer without a name")
		}
		if strings.TrimSpace(l.Text) == "" {
			return nil, fmt.Errorf("prompt layer %q has no text", name)
		}
		if l.Kind == "" {
			l.Kind = KindCustom
		}
		l.Name = name
		lib.layers[name] = l
	}
	return lib, nil
}

// Get returns the layer with the given name
func (lib *Library) Get(name string) (Layer, bool) {
	l, ok := lib.layers[name]
	return l, ok
}

// Names returns all layer names, sorted
func (lib *Library) Names() []string {
	names := make([]string, 0, len(lib.layers))
	for name := range lib.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve looks up names in order. Unknown names are an error.
func (lib *Library) Resolve(names []string) ([]Layer, error) {
	layers := make([]Layer, 0, len(names))
	var unknown []string
	for _, name := range names {
		l, ok := lib.layers[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		layers = append(layers, l)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown prompt layers: %s", strings.Join(unknown, ", "))
	}
	return layers, nil
}

// Stack builds a stack from a base instruction and layer names. An empty
// base selects FoundationPrompt.
func (lib *Library) Stack(base string, names []string) (*Stack, error) {
	if strings.TrimSpace(base) == "" {
		base = FoundationPrompt
	}
	layers, err := lib.Resolve(names)
	if err != nil {
		return nil, err
	}

	stack, err := NewStack(base)
	if err != nil {
		return nil, err
	}
	for _, l := range layers {
		if err := stack.Add(l); err != nil {
			return nil, err
		}
	}
	return stack, nil
}
