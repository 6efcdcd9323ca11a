package command

import (
	"fmt"
	"iter"
	"strings"
	"time"
)

// Reason classifies why a marker-shaped span was not accepted.
type Reason string

// Rejection reasons.
const (
	ReasonMalformed     Reason = "malformed"
	ReasonUnterminated  Reason = "unterminated"
	ReasonBadSeparator  Reason = "bad_separator"
	ReasonUnknown       Reason = "unknown_command"
	ReasonArity         Reason = "arity"
	ReasonEmptyArgument Reason = "empty_argument"
	ReasonNonNumericID  Reason = "non_numeric_id"
	ReasonBadDueDate    Reason = "bad_due_date"
)

// SyntaxError describes a rejected candidate.
type SyntaxError struct {
	Reason Reason
	Detail string
}

func (e *SyntaxError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Detail
}

// Candidate is one marker occurrence found by Scan. Err is nil when the
// span is a valid command, in which case Token is fully populated. For a
// rejected candidate Token carries the span and whatever keyword and
// arguments could be read.
type Candidate struct {
	Token Token
	Raw   string
	Err   *SyntaxError
}

// Valid reports whether the candidate was accepted.
func (c Candidate) Valid() bool { return c.Err == nil }

// Scan yields every marker occurrence in text, left to right, in a single
// forward pass. The sequence is lazy and may be ranged over repeatedly.
// Text outside markers is ignored; Scan never panics on arbitrary input.
func Scan(text string) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		pos := 0
		for pos < len(text) {
			rel := strings.Index(text[pos:], Marker)
			if rel < 0 {
				return
			}
			start := pos + rel
			bodyStart := start + len(Marker)

			rb := strings.IndexByte(text[bodyStart:], ']')
			next := strings.Index(text[bodyStart:], Marker)
			if rb < 0 || (next >= 0 && next < rb) {
				end := len(text)
				if next >= 0 {
					end = bodyStart + next
				}
				c := Candidate{
					Token: Token{Start: start, End: end},
					Raw:   text[start:end],
					Err:   &SyntaxError{Reason: ReasonUnterminated, Detail: "missing closing ]"},
				}
				if !yield(c) {
					return
				}
				pos = end
				continue
			}

			end := bodyStart + rb + 1
			c := parseBody(text[bodyStart : bodyStart+rb])
			c.Token.Start, c.Token.End = start, end
			c.Raw = text[start:end]
			if !yield(c) {
				return
			}
			pos = end
		}
	}
}

// Result separates accepted tokens from rejected candidates.
type Result struct {
	Tokens   []Token
	Rejected []Candidate
}

// Parse collects Scan(text) into a Result.
func Parse(text string) Result {
	var r Result
	for c := range Scan(text) {
		if c.Valid() {
			r.Tokens = append(r.Tokens, c.Token)
		} else {
			r.Rejected = append(r.Rejected, c)
		}
	}
	return r
}

// Tokens returns only the accepted tokens in text.
func Tokens(text string) []Token {
	return Parse(text).Tokens
}

func parseBody(body string) Candidate {
	n := 0
	for n < len(body) && body[n] >= 'A' && body[n] <= 'Z' {
		n++
	}
	if n == 0 {
		return reject(Token{}, ReasonMalformed, "keyword must be upper-case letters")
	}

	tok := Token{Kind: Kind(body[:n])}
	rest := body[n:]
	switch {
	case rest == "":
	case rest[0] == '|':
		tok.Args = splitArgs(rest[1:])
	case rest[0] == ' ' || rest[0] == '\t':
		return reject(tok, ReasonBadSeparator, "arguments must be separated by |")
	default:
		return reject(tok, ReasonMalformed, fmt.Sprintf("unexpected %q after keyword", rest[:1]))
	}

	def, ok := Lookup(tok.Kind)
	if !ok {
		return reject(tok, ReasonUnknown, string(tok.Kind))
	}

	// A trailing empty optional argument reads as absent.
	lo, hi := def.arity()
	if len(tok.Args) == hi && hi > lo && tok.Args[hi-1] == "" {
		tok.Args = tok.Args[:hi-1]
	}
	if len(tok.Args) < lo || len(tok.Args) > hi {
		detail := fmt.Sprintf("%s takes %d argument(s), got %d", def.Kind, hi, len(tok.Args))
		if lo != hi {
			detail = fmt.Sprintf("%s takes %d to %d arguments, got %d", def.Kind, lo, hi, len(tok.Args))
		}
		return reject(tok, ReasonArity, detail)
	}

	for i, arg := range tok.Args {
		p := def.Params[i]
		if arg == "" {
			return reject(tok, ReasonEmptyArgument, p.Name)
		}
		switch p.Type {
		case ID:
			if !isNumeric(arg) {
				return reject(tok, ReasonNonNumericID, arg)
			}
		case IDOrPlaceholder:
			if !isNumeric(arg) && !isPlaceholder(arg) {
				return reject(tok, ReasonNonNumericID, arg)
			}
		case DueDate:
			if _, err := time.Parse(DueDateLayout, arg); err != nil {
				return reject(tok, ReasonBadDueDate, arg)
			}
		}
	}
	return Candidate{Token: tok}
}

func splitArgs(s string) []string {
	parts := strings.Split(s, "|")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func reject(tok Token, reason Reason, detail string) Candidate {
	return Candidate{Token: tok, Err: &SyntaxError{Reason: reason, Detail: detail}}
}
