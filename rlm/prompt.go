package rlm

import (
	"fmt"
	"strings"
)

// PromptParams describes the environment a system prompt advertises.
type PromptParams struct {
	ContextSize int
	Depth       int
	Query       string
	// SubCalls is set when llm_query and recursive_llm are callable from code.
	SubCalls bool
	// CanRecurse is set when sub-calls get their own sandbox rather than a
	// single model call.
	CanRecurse       bool
	UseMetacognitive bool
}

// BuildSystemPrompt creates the system prompt for RLM.
func BuildSystemPrompt(p PromptParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a Recursive Language Model. You interact with context through a JavaScript REPL environment.

The context is stored in variable "context" (not in this prompt). Size: %d characters.

Available in environment:
- context: the document to analyze (string, or array of messages)
- context_str: the context rendered as a string
- query: string (the question: %q)
`, p.ContextSize, p.Query)

	if p.SubCalls {
		if p.CanRecurse {
			b.WriteString("- llm_query(prompt, sub_context?) -> string (ask a sub-model that gets its own REPL over sub_context)\n")
		} else {
			b.WriteString("- llm_query(prompt, sub_context?) -> string (ask a sub-model directly; it has no REPL)\n")
		}
		b.WriteString("- recursive_llm(sub_query, sub_context) -> string (same as llm_query)\n")
	}

	b.WriteString(`- re: regex helper with findall(pattern, text), search(pattern, text), split and sub
- print(value, ...) -> output text
- len(value) -> length of arrays/strings
- json: helper with loads() and dumps()
- math: Math helper
- Counter(iterable) -> object of counts
- defaultdict(defaultFactory) -> object with defaults

Write JavaScript code in a fenced block to answer the query. The last expression or console.log output will be shown to you. Variables persist between blocks.
`)

	if p.UseMetacognitive {
		b.WriteString(`
STRATEGY TIP: You can peek at context first to understand its structure before processing.
Example: console.log(context.slice(0, 100))
Break large contexts into chunks and combine partial results in variables.
`)
	} else {
		b.WriteString(`
Examples:
- console.log(context.slice(0, 100)); // See first 100 chars
- const errors = re.findall("ERROR", context);
- const count = errors.length; console.log(count);
`)
	}

	fmt.Fprintf(&b, `
When you have the answer, write FINAL("answer") or FINAL_VAR(variable_name) outside of any code block - this is NOT a function, just write it as text.

Depth: %d`, p.Depth)
	return b.String()
}

func nextActionPrompt(query string, iteration int) string {
	if iteration == 0 {
		return fmt.Sprintf("You have not interacted with the REPL environment or seen the context yet. Start by examining the context in a code block before answering.\n\nQuery: %q", query)
	}
	return fmt.Sprintf("Continue working on the query using the REPL environment, or give your answer with FINAL(...) or FINAL_VAR(...).\n\nQuery: %q", query)
}

func finalAnswerPrompt(query string) string {
	return fmt.Sprintf("You are out of iterations. Based on everything above, give your best final answer to the query now as plain text, without code.\n\nQuery: %q", query)
}

// terminalPrompt frames a sub-call answered by a single model call.
func terminalPrompt(query, context string) []Message {
	user := query
	if context != "" {
		user = fmt.Sprintf("Context:\n%s\n\nQuestion: %s", context, query)
	}
	return []Message{
		{Role: RoleSystem, Content: "Answer the question using only the given context. Reply with the answer only."},
		{Role: RoleUser, Content: user},
	}
}
