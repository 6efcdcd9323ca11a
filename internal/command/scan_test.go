package command

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParse_AcceptsEveryKind(t *testing.T) {
	tests := []struct {
		name string
		in   string
		kind Kind
		args []string
	}{
		{"add", "🔧[CMD:ADD|Buy milk]", Add, []string{"Buy milk"}},
		{"add with date", "🔧[CMD:ADD|Buy milk|2025-06-01 18:00]", Add, []string{"Buy milk", "2025-06-01 18:00"}},
		{"add trailing empty date", "🔧[CMD:ADD|Buy milk|]", Add, []string{"Buy milk"}},
		{"complete", "🔧[CMD:COMPLETE|12]", Complete, []string{"12"}},
		{"delete", "🔧[CMD:DELETE|7]", Delete, []string{"7"}},
		{"update", "🔧[CMD:UPDATE|3|Call the dentist]", Update, []string{"3", "Call the dentist"}},
		{"setduedate", "🔧[CMD:SETDUEDATE|5|2025-03-20 09:30]", SetDueDate, []string{"5", "2025-03-20 09:30"}},
		{"placeholder", "🔧[CMD:SETDUEDATE|@|2025-03-20 09:30]", SetDueDate, []string{"@", "2025-03-20 09:30"}},
		{"placeholder latest", "🔧[CMD:SETDUEDATE|@latest|2025-03-20 09:30]", SetDueDate, []string{"@latest", "2025-03-20 09:30"}},
		{"args trimmed", "🔧[CMD:UPDATE| 3 |  Walk the dog ]", Update, []string{"3", "Walk the dog"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Parse("Sure! " + tt.in + " Done.")
			if len(r.Rejected) != 0 {
				t.Fatalf("rejected: %+v", r.Rejected)
			}
			if len(r.Tokens) != 1 {
				t.Fatalf("got %d tokens, want 1", len(r.Tokens))
			}
			tok := r.Tokens[0]
			if tok.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", tok.Kind, tt.kind)
			}
			if !reflect.DeepEqual(tok.Args, tt.args) {
				t.Errorf("args = %q, want %q", tok.Args, tt.args)
			}
		})
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		reason Reason
	}{
		{"unknown keyword", "🔧[CMD:ARCHIVE|4]", ReasonUnknown},
		{"lower-case keyword", "🔧[CMD:add|x]", ReasonMalformed},
		{"space separator", "🔧[CMD:ADD Buy milk]", ReasonBadSeparator},
		{"tab separator", "🔧[CMD:COMPLETE\t3]", ReasonBadSeparator},
		{"junk after keyword", "🔧[CMD:ADD:Buy milk]", ReasonMalformed},
		{"missing args", "🔧[CMD:COMPLETE]", ReasonArity},
		{"too many args", "🔧[CMD:DELETE|1|2]", ReasonArity},
		{"update missing title", "🔧[CMD:UPDATE|3]", ReasonArity},
		{"empty title", "🔧[CMD:ADD|  ]", ReasonEmptyArgument},
		{"non-numeric complete", "🔧[CMD:COMPLETE|abc]", ReasonNonNumericID},
		{"negative id", "🔧[CMD:DELETE|-1]", ReasonNonNumericID},
		{"placeholder outside setduedate", "🔧[CMD:COMPLETE|@]", ReasonNonNumericID},
		{"setduedate bad date", "🔧[CMD:SETDUEDATE|5|tomorrow]", ReasonBadDueDate},
		{"setduedate date only", "🔧[CMD:SETDUEDATE|5|2025-03-20]", ReasonBadDueDate},
		{"unterminated", "🔧[CMD:ADD|Buy milk", ReasonUnterminated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Parse(tt.in)
			if len(r.Tokens) != 0 {
				t.Fatalf("unexpected tokens: %+v", r.Tokens)
			}
			if len(r.Rejected) != 1 {
				t.Fatalf("got %d rejections, want 1", len(r.Rejected))
			}
			if got := r.Rejected[0].Err.Reason; got != tt.reason {
				t.Errorf("reason = %s, want %s (%v)", got, tt.reason, r.Rejected[0].Err)
			}
		})
	}
}

func TestParse_AddKeepsUnparseableDate(t *testing.T) {
	r := Parse("🔧[CMD:ADD|Pay rent|next friday]")
	if len(r.Tokens) != 1 {
		t.Fatalf("got %d tokens, want 1 (rejected %+v)", len(r.Tokens), r.Rejected)
	}
	tok := r.Tokens[0]
	if tok.Args[1] != "next friday" {
		t.Errorf("date arg = %q, want verbatim", tok.Args[1])
	}
	if _, ok := tok.DueDate(time.UTC); ok {
		t.Error("DueDate() ok = true for unparseable date")
	}
}

func TestParse_MultipleInOrderWithSpans(t *testing.T) {
	text := "I added two tasks: 🔧[CMD:ADD|A] and 🔧[CMD:ADD|B]. Also 🔧[CMD:COMPLETE|4]!"
	toks := Tokens(text)
	if len(toks) != 3 {
		t.Fatalf("got %d tokens, want 3", len(toks))
	}
	want := []string{"🔧[CMD:ADD|A]", "🔧[CMD:ADD|B]", "🔧[CMD:COMPLETE|4]"}
	prevEnd := 0
	for i, tok := range toks {
		if got := text[tok.Start:tok.End]; got != want[i] {
			t.Errorf("token %d span = %q, want %q", i, got, want[i])
		}
		if tok.Start < prevEnd {
			t.Errorf("token %d starts at %d before previous end %d", i, tok.Start, prevEnd)
		}
		prevEnd = tok.End
	}
}

func TestParse_MixedValidAndRejected(t *testing.T) {
	text := "🔧[CMD:COMPLETE|x] then 🔧[CMD:DELETE|9] then 🔧[CMD:ADD Buy]"
	r := Parse(text)
	if len(r.Tokens) != 1 || r.Tokens[0].Kind != Delete {
		t.Fatalf("tokens = %+v, want single DELETE", r.Tokens)
	}
	if len(r.Rejected) != 2 {
		t.Fatalf("rejected = %d, want 2", len(r.Rejected))
	}
	if r.Rejected[0].Raw != "🔧[CMD:COMPLETE|x]" {
		t.Errorf("raw = %q", r.Rejected[0].Raw)
	}
}

func TestParse_NestedMarkerEndsUnterminated(t *testing.T) {
	text := "🔧[CMD:ADD|first 🔧[CMD:ADD|second]"
	r := Parse(text)
	if len(r.Rejected) != 1 || r.Rejected[0].Err.Reason != ReasonUnterminated {
		t.Fatalf("rejected = %+v, want one unterminated", r.Rejected)
	}
	if len(r.Tokens) != 1 || r.Tokens[0].Args[0] != "second" {
		t.Fatalf("tokens = %+v, want ADD second", r.Tokens)
	}
}

func TestParse_PlainTextHasNoCandidates(t *testing.T) {
	for _, in := range []string{
		"",
		"No commands here.",
		"[CMD:ADD|missing wrench]",
		"🔧 just a wrench",
		"🔧[CMD",
		strings.Repeat("🔧[", 50),
	} {
		r := Parse(in)
		if len(r.Tokens) != 0 || len(r.Rejected) != 0 {
			t.Errorf("Parse(%q) = %+v, want empty", in, r)
		}
	}
}

func TestScan_Restartable(t *testing.T) {
	seq := Scan("🔧[CMD:ADD|A] 🔧[CMD:BOGUS] 🔧[CMD:DELETE|1]")
	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	if a, b := count(), count(); a != 3 || b != 3 {
		t.Errorf("counts = %d, %d, want 3, 3", a, b)
	}
}

func TestScan_StopsEarly(t *testing.T) {
	n := 0
	for c := range Scan("🔧[CMD:ADD|A] 🔧[CMD:ADD|B] 🔧[CMD:ADD|C]") {
		n++
		if c.Token.Args[0] == "B" {
			break
		}
	}
	if n != 2 {
		t.Errorf("yielded %d candidates before break, want 2", n)
	}
}

func FuzzScan(f *testing.F) {
	f.Add("🔧[CMD:ADD|Buy milk|2025-06-01 18:00]")
	f.Add("🔧[CMD:SETDUEDATE|@latest|2025-01-01 00:00]🔧[CMD:")
	f.Add("🔧[CMD:|]]]🔧[CMD:X\t]")
	f.Fuzz(func(t *testing.T, s string) {
		for c := range Scan(s) {
			if c.Token.Start < 0 || c.Token.End > len(s) || c.Token.Start > c.Token.End {
				t.Fatalf("bad span [%d,%d) for len %d", c.Token.Start, c.Token.End, len(s))
			}
			if c.Raw != s[c.Token.Start:c.Token.End] {
				t.Fatalf("raw %q does not match span", c.Raw)
			}
		}
	})
}
