package main

import (
	"fmt"
	"io"

	"github.com/nugget/todogate/internal/command"
)

type parseOutput struct {
	Commands []command.Token  `json:"commands"`
	Rejected []rejectedOutput `json:"rejected"`
}

type rejectedOutput struct {
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// runParse reads a model reply from stdin and lists the command tokens
// it contains, followed by any rejected candidates.
func runParse(stdin io.Reader, stdout io.Writer, opts options) error {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	res := command.Parse(string(data))
	out := parseOutput{
		Commands: res.Tokens,
		Rejected: make([]rejectedOutput, 0, len(res.Rejected)),
	}
	if out.Commands == nil {
		out.Commands = []command.Token{}
	}
	for _, c := range res.Rejected {
		out.Rejected = append(out.Rejected, rejectedOutput{
			Raw:    c.Raw,
			Reason: string(c.Err.Reason),
			Detail: c.Err.Detail,
		})
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, out)
	}
	for _, t := range out.Commands {
		fmt.Fprintln(stdout, t.String())
	}
	for _, r := range out.Rejected {
		fmt.Fprintf(stdout, "rejected %s: %s\n", r.Reason, r.Raw)
	}
	return nil
}
