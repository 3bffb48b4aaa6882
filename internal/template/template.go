// Package template renders pipeline command templates.
//
// A template is a shell command containing {name} placeholders, each of
// which must name a key of the pipeline's remote_paths. Configuration keys
// are stored in lower case, so a name that has no exact match is looked up
// in lower case. Substitution is purely textual: values are inserted
// verbatim, never re-scanned, and never shell-escaped. Use Quote when a
// path value needs escaping.
//
// Literal braces are written as {{ and }}.
package template

import (
	"sort"
	"strconv"
	"strings"

	"github.com/fgeck/remote-pipeline/internal/models"
)

type segment struct {
	text        string
	placeholder bool
}

func parse(tmpl string) ([]segment, error) {
	var segments []segment
	var literal strings.Builder

	flush := func() {
		if literal.Len() > 0 {
			segments = append(segments, segment{text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				literal.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexAny(tmpl[i+1:], "{}")
			if end < 0 || tmpl[i+1+end] != '}' {
				return nil, &models.TemplateError{Reason: "unterminated placeholder at offset " + strconv.Itoa(i)}
			}
			name := tmpl[i+1 : i+1+end]
			if name == "" {
				return nil, &models.TemplateError{Reason: "empty placeholder at offset " + strconv.Itoa(i)}
			}
			flush()
			segments = append(segments, segment{text: name, placeholder: true})
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				literal.WriteByte('}')
				i++
				continue
			}
			return nil, &models.TemplateError{Reason: "single '}' at offset " + strconv.Itoa(i)}
		default:
			literal.WriteByte(c)
		}
	}
	flush()

	return segments, nil
}

// Placeholders returns the distinct placeholder names of tmpl in order of
// first appearance.
func Placeholders(tmpl string) ([]string, error) {
	segments, err := parse(tmpl)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var names []string
	for _, seg := range segments {
		if seg.placeholder && !seen[seg.text] {
			seen[seg.text] = true
			names = append(names, seg.text)
		}
	}
	return names, nil
}

// Render substitutes every {key} in tmpl with paths[key].
//
// It returns a *models.TemplateError listing every placeholder that has
// no entry in paths; nothing is ever substituted with an empty string.
func Render(tmpl string, paths map[string]string) (string, error) {
	segments, err := parse(tmpl)
	if err != nil {
		return "", err
	}

	var undefined []string
	var b strings.Builder
	for _, seg := range segments {
		if !seg.placeholder {
			b.WriteString(seg.text)
			continue
		}
		value, ok := lookup(paths, seg.text)
		if !ok {
			undefined = appendUnique(undefined, seg.text)
			continue
		}
		b.WriteString(value)
	}

	if len(undefined) > 0 {
		sort.Strings(undefined)
		return "", &models.TemplateError{Undefined: undefined}
	}

	return b.String(), nil
}

// Validate checks that tmpl is well formed and fully covered by paths.
func Validate(tmpl string, paths map[string]string) error {
	_, err := Render(tmpl, paths)
	return err
}

// lookup prefers an exact key and falls back to the lowercased name.
func lookup(paths map[string]string, name string) (string, bool) {
	if v, ok := paths[name]; ok {
		return v, true
	}
	v, ok := paths[strings.ToLower(name)]
	return v, ok
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
