// Package command defines the to-do command token protocol that the
// model embeds in its replies, and extracts those tokens from free text.
//
// A token looks like 🔧[CMD:KEYWORD|arg1|arg2]. The keyword is upper-case
// ASCII, arguments are separated by "|" and trimmed, and there is no
// escaping: a literal "|" or "]" inside an argument cannot be expressed.
//
// The grammar table returned by [Definitions] drives both the scanner and
// the system prompt, so the two cannot drift apart.
package command

import (
	"strings"
	"time"
)

// Marker opens every command token.
const Marker = "🔧[CMD:"

// DueDateLayout is the only accepted due-date format (YYYY-MM-DD HH:mm).
const DueDateLayout = "2006-01-02 15:04"

// Placeholders accepted by SETDUEDATE in place of a numeric id. They
// refer to the task created by the most recent ADD in the same reply.
const (
	Placeholder       = "@"
	PlaceholderLatest = "@latest"
)

// Kind is a command keyword.
type Kind string

// The closed set of command kinds.
const (
	Add        Kind = "ADD"
	Complete   Kind = "COMPLETE"
	Delete     Kind = "DELETE"
	Update     Kind = "UPDATE"
	SetDueDate Kind = "SETDUEDATE"
)

// ParamType constrains how an argument is validated.
type ParamType int

const (
	// Text is any non-empty string.
	Text ParamType = iota
	// ID is a base-10 task identifier.
	ID
	// IDOrPlaceholder is an ID or one of the placeholders.
	IDOrPlaceholder
	// DueDate must parse with DueDateLayout.
	DueDate
	// LenientDueDate is kept verbatim; callers decide what to do with a
	// value that does not parse.
	LenientDueDate
)

// Param describes one positional argument.
type Param struct {
	Name     string
	Type     ParamType
	Optional bool
}

// Definition is one row of the grammar table.
type Definition struct {
	Kind    Kind
	Summary string
	Params  []Param
	Example string
}

// Syntax renders the token template, e.g. 🔧[CMD:UPDATE|id|new title].
func (d Definition) Syntax() string {
	var b strings.Builder
	b.WriteString(Marker)
	b.WriteString(string(d.Kind))
	for _, p := range d.Params {
		b.WriteByte('|')
		if p.Optional {
			b.WriteString(p.Name + " (optional)")
		} else {
			b.WriteString(p.Name)
		}
	}
	b.WriteByte(']')
	return b.String()
}

func (d Definition) arity() (lo, hi int) {
	for _, p := range d.Params {
		if !p.Optional {
			lo++
		}
	}
	return lo, len(d.Params)
}

var definitions = []Definition{
	{
		Kind:    Add,
		Summary: "Create a task, optionally with a due date",
		Params: []Param{
			{Name: "title", Type: Text},
			{Name: "due date", Type: LenientDueDate, Optional: true},
		},
		Example: Format(Add, "Submit expense report", "2025-03-14 17:00"),
	},
	{
		Kind:    Complete,
		Summary: "Mark a task as done",
		Params:  []Param{{Name: "id", Type: ID}},
		Example: Format(Complete, "12"),
	},
	{
		Kind:    Delete,
		Summary: "Delete a task",
		Params:  []Param{{Name: "id", Type: ID}},
		Example: Format(Delete, "7"),
	},
	{
		Kind:    Update,
		Summary: "Rename a task",
		Params: []Param{
			{Name: "id", Type: ID},
			{Name: "new title", Type: Text},
		},
		Example: Format(Update, "3", "Call the dentist before noon"),
	},
	{
		Kind:    SetDueDate,
		Summary: "Set or change a task's due date",
		Params: []Param{
			{Name: "id", Type: IDOrPlaceholder},
			{Name: "due date", Type: DueDate},
		},
		Example: Format(SetDueDate, "5", "2025-03-20 09:30"),
	},
}

// Definitions returns the grammar table in presentation order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Lookup returns the definition for k.
func Lookup(k Kind) (Definition, bool) {
	for _, d := range definitions {
		if d.Kind == k {
			return d, true
		}
	}
	return Definition{}, false
}

// Format renders a token for kind k with the given arguments.
func Format(k Kind, args ...string) string {
	var b strings.Builder
	b.WriteString(Marker)
	b.WriteString(string(k))
	for _, a := range args {
		b.WriteByte('|')
		b.WriteString(a)
	}
	b.WriteByte(']')
	return b.String()
}

// Token is a validated command extracted from a reply. Start and End are
// byte offsets of the whole token in the source text.
type Token struct {
	Kind  Kind     `json:"kind"`
	Args  []string `json:"args"`
	Start int      `json:"start"`
	End   int      `json:"end"`
}

// String renders the token back into protocol syntax.
func (t Token) String() string { return Format(t.Kind, t.Args...) }

// TaskID returns the id argument for kinds that target an existing task.
// ok is false for other kinds and for tokens decoded without arguments.
func (t Token) TaskID() (string, bool) {
	switch t.Kind {
	case Complete, Delete, Update, SetDueDate:
		if len(t.Args) > 0 {
			return t.Args[0], true
		}
	}
	return "", false
}

// IsPlaceholder reports whether the token targets the task created
// earlier in the same reply instead of a numeric id.
func (t Token) IsPlaceholder() bool {
	return t.Kind == SetDueDate && len(t.Args) > 0 && isPlaceholder(t.Args[0])
}

// DueDate parses the token's due-date argument in loc. For ADD the date
// is optional and ok is false when it is absent or does not parse.
func (t Token) DueDate(loc *time.Location) (time.Time, bool) {
	if (t.Kind != Add && t.Kind != SetDueDate) || len(t.Args) < 2 {
		return time.Time{}, false
	}
	raw := t.Args[1]
	if loc == nil {
		loc = time.UTC
	}
	ts, err := time.ParseInLocation(DueDateLayout, raw, loc)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Anchor returns the index of the ADD token a placeholder at tokens[i]
// refers to: the nearest ADD before it in the same reply. ok is false when
// tokens[i] is not a placeholder or no ADD precedes it.
func Anchor(tokens []Token, i int) (int, bool) {
	if i < 0 || i >= len(tokens) || !tokens[i].IsPlaceholder() {
		return 0, false
	}
	for j := i - 1; j >= 0; j-- {
		if tokens[j].Kind == Add {
			return j, true
		}
	}
	return 0, false
}

func isPlaceholder(s string) bool {
	return s == Placeholder || s == PlaceholderLatest
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
