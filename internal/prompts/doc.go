// Package prompts contains the LLM prompt templates used by Todogate.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, the command grammar section is
// rendered from the command package's table, and the output can be validated
// by tests.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully interpolated
// prompt string.
package prompts
