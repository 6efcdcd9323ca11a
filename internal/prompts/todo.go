package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/todogate/internal/command"
)

// NoTodosSentinel replaces the to-do context when the caller sends none.
const NoTodosSentinel = "The user currently has no to-do items."

// promptTimeLayout renders wall-clock times in the time block.
const promptTimeLayout = "2006-01-02 15:04:05 (Monday)"

// todoSystemTemplate is the system prompt for every chat turn. Its %s
// slots, in order: time block, to-do context, a correct ADD example, the
// command grammar section, ADD with a due date, then the ADD and
// SETDUEDATE @latest pair.
const todoSystemTemplate = `You are a to-do list assistant.

%s
Do all time-related reasoning and command generation in the user's local time.
Do not keep reminding the user about time zones. The same user may be in a
different time zone on different requests.

## The user's to-do items

%s

## Commands you can use

You change the user's to-do list by writing commands into your reply.
Commands are detected and executed automatically; the user sees the result,
not the command text.

Format rules (follow them exactly):
1. A command is exactly 🔧[CMD:KEYWORD|argument1|argument2]
   - 🔧 is the wrench emoji and is required
   - [CMD: is a fixed prefix
   - arguments are separated by a vertical bar |, never a tab, space or other symbol
   - correct:   %s
   - incorrect: 🔧[CMD:ADD	Write report] (tab instead of |, this fails)
2. Put each command on its own line with a blank line before and after it.
3. Never put a | character inside an argument value.
4. Do not wrap commands in Markdown or add comments on the command line.

%s
## Creating a task with a due date

Preferred: set the date directly in ADD.

    %s

Alternative: create the task, then date it with the @latest placeholder,
which refers to the task created by the most recent ADD in this reply.

    %s

    %s

Use the alternative only when the date has to be decided separately.

## How to help

- Read both the explicit request and the likely intent behind it.
- Point out duplicated, overdue, vague or badly prioritized tasks and suggest fixes.
- When the user asks you to tidy up, merge duplicates, add due dates to
  important undated tasks, and remove tasks that are obsolete.
- When the user is overwhelmed, help them decide what to drop or postpone.
- Always explain briefly why you made each change.
- Only use ids that appear in the to-do list above.`

// TodoPromptInput carries the per-request parts of the system prompt.
type TodoPromptInput struct {
	// TodoContext is the caller's pre-rendered list of current tasks,
	// embedded verbatim. Blank means the user has no tasks.
	TodoContext string

	// Timezone is the caller's IANA zone name, e.g. "Europe/Berlin".
	// Empty or unknown zones fall back to server time.
	Timezone string

	// Now is the instant the prompt describes.
	Now time.Time

	// ServerLocation is the gateway's local zone. Nil means time.Local.
	ServerLocation *time.Location
}

// TodoSystemPrompt builds the system prompt for a chat turn. It is pure
// given its input and never fails: an unknown client time zone is noted
// in the prompt and server time is used instead.
func TodoSystemPrompt(in TodoPromptInput) string {
	todos := in.TodoContext
	if strings.TrimSpace(todos) == "" {
		todos = NoTodosSentinel
	}

	addWithDate := command.Format(command.Add, "Write project report", "2025-10-25 18:00")
	return fmt.Sprintf(todoSystemTemplate,
		TimeBlock(in.Now, in.ServerLocation, in.Timezone),
		todos,
		command.Format(command.Add, "Write report"),
		grammarSection(),
		addWithDate,
		command.Format(command.Add, "Write project report"),
		command.Format(command.SetDueDate, command.PlaceholderLatest, "2025-10-25 18:00"),
	)
}

// TimeBlock renders the current-time section. With a valid client zone
// it shows both clocks and tells the model to prefer the user's.
func TimeBlock(now time.Time, server *time.Location, clientTZ string) string {
	if server == nil {
		server = time.Local
	}
	serverNow := now.In(server)
	serverLine := fmt.Sprintf("Current server time: %s %s",
		serverNow.Format(promptTimeLayout), zoneLabel(serverNow, server))

	clientTZ = strings.TrimSpace(clientTZ)
	if clientTZ == "" {
		return serverLine + "\nUse server local time for all time judgements unless the user names another time zone."
	}

	loc, err := time.LoadLocation(clientTZ)
	if err != nil || clientTZ == "Local" {
		return fmt.Sprintf("%s\nUser time zone: %s (could not be resolved; falling back to server time)\n"+
			"Use server local time for all time judgements.", serverLine, clientTZ)
	}

	userNow := now.In(loc)
	return fmt.Sprintf("%s\nUser time zone: %s\nUser local time: %s %s\n"+
		"Use the user's time zone for all time judgements, priorities and suggestions.",
		serverLine, clientTZ, userNow.Format(promptTimeLayout), zoneLabel(userNow, loc))
}

func zoneLabel(t time.Time, loc *time.Location) string {
	abbr, _ := t.Zone()
	if name := loc.String(); name != "" && name != "Local" && name != abbr {
		return fmt.Sprintf("[%s, %s]", name, abbr)
	}
	return "[" + abbr + "]"
}

// grammarSection lists every command from the grammar table.
func grammarSection() string {
	var b strings.Builder
	b.WriteString("## Supported commands\n\n")
	for i, d := range command.Definitions() {
		fmt.Fprintf(&b, "%d. %s\n", i+1, d.Summary)
		fmt.Fprintf(&b, "   Format: %s\n", d.Syntax())
		for _, p := range d.Params {
			fmt.Fprintf(&b, "   - %s: %s\n", p.Name, describeParam(p))
		}
		fmt.Fprintf(&b, "   Example: %s\n", d.Example)
		if d.Kind == command.SetDueDate {
			fmt.Fprintf(&b, "   The id may be %s or %s to mean the task created by the most recent ADD in this reply.\n",
				command.Placeholder, command.PlaceholderLatest)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func describeParam(p command.Param) string {
	var s string
	switch p.Type {
	case command.ID:
		s = "numeric task id"
	case command.IDOrPlaceholder:
		s = "numeric task id, or " + command.PlaceholderLatest
	case command.DueDate, command.LenientDueDate:
		s = "YYYY-MM-DD HH:mm"
	default:
		s = "free text"
	}
	if p.Optional {
		return s + " (optional)"
	}
	return s + " (required)"
}
