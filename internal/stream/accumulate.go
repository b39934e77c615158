package stream

import "strings"

// TextAccumulator owns the emitted text of one choice. It distinguishes
// text that has already been flushed to the caller from text that has not,
// so repeated drains only ever return new content.
type TextAccumulator struct {
	buf     strings.Builder
	drained int
}

func (a *TextAccumulator) Append(s string) {
	a.buf.WriteString(s)
}

// DrainNew returns the text appended since the previous drain.
func (a *TextAccumulator) DrainNew() string {
	s := a.buf.String()
	out := s[a.drained:]
	a.drained = len(s)
	return out
}

func (a *TextAccumulator) String() string { return a.buf.String() }

func (a *TextAccumulator) Len() int { return a.buf.Len() }

// ToolCall is a fully reassembled tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallAccumulator assembles tool calls from fragments that arrive
// non-atomically. Calls are kept in first-appearance order. A fragment
// carrying a new non-empty id opens a new call; fragments without an id
// extend the currently open one.
type ToolCallAccumulator struct {
	calls []toolCallBuild
}

type toolCallBuild struct {
	id   string
	name string
	args strings.Builder
}

func (a *ToolCallAccumulator) Add(frag ToolCallFragment) {
	if frag.ID != "" && (len(a.calls) == 0 || a.calls[len(a.calls)-1].id != frag.ID) {
		a.calls = append(a.calls, toolCallBuild{id: frag.ID})
	} else if len(a.calls) == 0 {
		a.calls = append(a.calls, toolCallBuild{})
	}
	cur := &a.calls[len(a.calls)-1]
	if frag.Function != nil {
		// A name, once set, is never overwritten by a later empty value.
		if cur.name == "" && frag.Function.Name != "" {
			cur.name = frag.Function.Name
		}
		cur.args.WriteString(frag.Function.Arguments)
	}
}

func (a *ToolCallAccumulator) Empty() bool { return len(a.calls) == 0 }

// FirstName returns the name of the first accumulated call, if any.
func (a *ToolCallAccumulator) FirstName() string {
	if len(a.calls) == 0 {
		return ""
	}
	return a.calls[0].name
}

// Drain returns the assembled calls in order and resets the accumulator.
func (a *ToolCallAccumulator) Drain() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(a.calls))
	for i := range a.calls {
		out[i] = ToolCall{
			ID:        a.calls[i].id,
			Name:      a.calls[i].name,
			Arguments: a.calls[i].args.String(),
		}
	}
	a.calls = nil
	return out
}

// FunctionCall is a reassembled legacy-protocol function call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FunctionCallAccumulator assembles the single legacy function call a
// stream may carry. The name is fixed on its first non-empty sighting and
// argument fragments concatenate in arrival order. The legacy protocol
// supports one outstanding call for the whole response, not per choice.
type FunctionCallAccumulator struct {
	name string
	args strings.Builder
	open bool
}

func (a *FunctionCallAccumulator) Add(name, arguments string) {
	if name == "" && arguments == "" {
		return
	}
	a.open = true
	if a.name == "" && name != "" {
		a.name = name
	}
	a.args.WriteString(arguments)
}

// Open reports whether a call has accumulated and not yet been drained.
func (a *FunctionCallAccumulator) Open() bool { return a.open }

// Drain returns the assembled call and closes the accumulator.
func (a *FunctionCallAccumulator) Drain() FunctionCall {
	call := FunctionCall{Name: a.name, Arguments: a.args.String()}
	a.name = ""
	a.args.Reset()
	a.open = false
	return call
}
