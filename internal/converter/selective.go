package converter

import "strings"

// Selective delimiters mark the spans a chain should transform,
// leaving the surrounding text readable.
const (
	SelectiveOpen  = '⟪' // U+27EA
	SelectiveClose = '⟫' // U+27EB
)

// segment is a run of text; marked segments get transformed.
type segment struct {
	text   string
	marked bool
}

// splitSelective parses selective delimiters out of text. With no
// delimiters the whole text is one marked segment (plain chains
// transform everything). With delimiters, only the innermost pairs
// are marked; all delimiters are removed. Unmatched delimiters are
// treated as literal text.
func splitSelective(text string) ([]segment, bool) {
	if !strings.ContainsRune(text, SelectiveOpen) || !strings.ContainsRune(text, SelectiveClose) {
		return []segment{{text: text, marked: true}}, false
	}

	type frame struct {
		sb       strings.Builder
		segs     []segment
		hasChild bool
	}
	flush := func(f *frame, marked bool) {
		if f.sb.Len() > 0 {
			f.segs = append(f.segs, segment{text: f.sb.String(), marked: marked})
			f.sb.Reset()
		}
	}

	stack := []*frame{{}}
	for _, r := range text {
		top := stack[len(stack)-1]
		switch r {
		case SelectiveOpen:
			flush(top, false)
			stack = append(stack, &frame{})
		case SelectiveClose:
			if len(stack) == 1 {
				// Unmatched close is literal.
				top.sb.WriteRune(r)
				continue
			}
			stack = stack[:len(stack)-1]
			parent := stack[len(stack)-1]
			parent.hasChild = true
			if top.hasChild {
				// Outer pair: inner segments carry the marks.
				flush(top, false)
				parent.segs = append(parent.segs, top.segs...)
			} else {
				flush(top, true)
				parent.segs = append(parent.segs, top.segs...)
			}
		default:
			top.sb.WriteRune(r)
		}
	}

	// Unmatched opens fold back into their parent as literal text,
	// keeping the delimiter so malformed markers round-trip.
	for len(stack) > 1 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		flush(top, false)
		parent := stack[len(stack)-1]
		parent.segs = append(parent.segs, segment{text: string(SelectiveOpen)})
		parent.segs = append(parent.segs, top.segs...)
	}

	root := stack[0]
	flush(root, false)

	marked := false
	for _, s := range root.segs {
		if s.marked {
			marked = true
			break
		}
	}
	if !marked {
		// Delimiters present but nothing survived as a marked span;
		// transform nothing rather than everything.
		return root.segs, false
	}
	return root.segs, true
}

func joinSegments(segs []segment) string {
	var sb strings.Builder
	for _, s := range segs {
		sb.WriteString(s.text)
	}
	return sb.String()
}

// Selective wraps a converter so only delimited spans transform even
// when the wrapped converter is used outside a chain.
type Selective struct {
	Inner Converter
}

func (s *Selective) Name() string       { return s.Inner.Name() + "_selective" }
func (s *Selective) Category() Category { return CategorySelective }

func (s *Selective) Transform(text string) (string, error) {
	segs, marked := splitSelective(text)
	if !marked {
		return joinSegments(segs), nil
	}
	for i := range segs {
		if !segs[i].marked {
			continue
		}
		out, err := s.Inner.Transform(segs[i].text)
		if err != nil {
			return "", err
		}
		segs[i].text = out
	}
	return joinSegments(segs), nil
}
