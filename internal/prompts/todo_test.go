package prompts

import (
	"strings"
	"testing"
	"time"

	"github.com/nugget/todogate/internal/command"
)

var fixedNow = time.Date(2025, 10, 20, 6, 30, 0, 0, time.UTC)

func TestTodoSystemPrompt_EmptyContextUsesSentinel(t *testing.T) {
	got := TodoSystemPrompt(TodoPromptInput{Now: fixedNow, ServerLocation: time.UTC})
	if !strings.Contains(got, NoTodosSentinel) {
		t.Error("expected no-tasks sentinel for empty context")
	}

	got = TodoSystemPrompt(TodoPromptInput{TodoContext: "  \n\t", Now: fixedNow, ServerLocation: time.UTC})
	if !strings.Contains(got, NoTodosSentinel) {
		t.Error("expected no-tasks sentinel for blank context")
	}
}

func TestTodoSystemPrompt_EmbedsContextVerbatim(t *testing.T) {
	ctx := "1. [ ] Buy milk (due 2025-10-21 09:00)\n2. [x] Call mom"
	got := TodoSystemPrompt(TodoPromptInput{TodoContext: ctx, Now: fixedNow, ServerLocation: time.UTC})
	if !strings.Contains(got, ctx) {
		t.Error("expected to-do context to appear verbatim")
	}
	if strings.Contains(got, NoTodosSentinel) {
		t.Error("sentinel should not appear when context is provided")
	}
}

func TestTodoSystemPrompt_KeepsSurroundingWhitespace(t *testing.T) {
	ctx := "  1. [ ] Indented task\n\n"
	got := TodoSystemPrompt(TodoPromptInput{TodoContext: ctx, Now: fixedNow, ServerLocation: time.UTC})
	if !strings.Contains(got, ctx) {
		t.Error("expected to-do context to keep its leading and trailing whitespace")
	}

	got = TodoSystemPrompt(TodoPromptInput{TodoContext: " \n\t", Now: fixedNow, ServerLocation: time.UTC})
	if !strings.Contains(got, NoTodosSentinel) {
		t.Error("whitespace-only context should use the sentinel")
	}
}

func TestTodoSystemPrompt_Deterministic(t *testing.T) {
	in := TodoPromptInput{TodoContext: "1. x", Timezone: "UTC", Now: fixedNow, ServerLocation: time.UTC}
	if TodoSystemPrompt(in) != TodoSystemPrompt(in) {
		t.Error("same input produced different prompts")
	}
}

func TestTodoSystemPrompt_ListsEveryCommand(t *testing.T) {
	got := TodoSystemPrompt(TodoPromptInput{Now: fixedNow, ServerLocation: time.UTC})
	for _, d := range command.Definitions() {
		if !strings.Contains(got, d.Syntax()) {
			t.Errorf("prompt missing syntax for %s", d.Kind)
		}
		if !strings.Contains(got, d.Example) {
			t.Errorf("prompt missing example for %s", d.Kind)
		}
	}
	if !strings.Contains(got, command.PlaceholderLatest) {
		t.Error("prompt should document the @latest placeholder")
	}
}

func TestTodoSystemPrompt_ExamplesAreValidCommands(t *testing.T) {
	got := TodoSystemPrompt(TodoPromptInput{Now: fixedNow, ServerLocation: time.UTC})
	r := command.Parse(got)
	if len(r.Tokens) == 0 {
		t.Fatal("expected the prompt's examples to parse as commands")
	}
	// The only rejections allowed are the deliberate counter-example and
	// the syntax templates with placeholder argument names.
	for _, c := range r.Rejected {
		switch c.Err.Reason {
		case command.ReasonBadSeparator, command.ReasonNonNumericID, command.ReasonUnknown:
		default:
			t.Errorf("unexpected rejection in prompt: %q (%v)", c.Raw, c.Err)
		}
	}
}

func TestTimeBlock_ValidClientZone(t *testing.T) {
	if _, err := time.LoadLocation("Asia/Tokyo"); err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	got := TimeBlock(fixedNow, time.UTC, "Asia/Tokyo")

	if !strings.Contains(got, "Current server time: 2025-10-20 06:30:00 (Monday)") {
		t.Errorf("missing server time line:\n%s", got)
	}
	if !strings.Contains(got, "User local time: 2025-10-20 15:30:00 (Monday)") {
		t.Errorf("missing user local time:\n%s", got)
	}
	if !strings.Contains(got, "Use the user's time zone") {
		t.Error("expected directive to prefer the user's zone")
	}
}

func TestTimeBlock_InvalidClientZoneFallsBack(t *testing.T) {
	got := TimeBlock(fixedNow, time.UTC, "Mars/Olympus_Mons")
	if !strings.Contains(got, "could not be resolved") {
		t.Errorf("expected fallback note:\n%s", got)
	}
	if strings.Contains(got, "User local time") {
		t.Error("no user local time should be shown for an invalid zone")
	}
	if !strings.Contains(got, "Current server time") {
		t.Error("server time must always be present")
	}
}

func TestTimeBlock_NoClientZone(t *testing.T) {
	got := TimeBlock(fixedNow, time.UTC, "")
	if strings.Contains(got, "User time zone") {
		t.Error("no user zone line expected without a client zone")
	}
	if !strings.Contains(got, "Use server local time") {
		t.Error("expected server-time directive")
	}
}
