package agent

import "fmt"

// Prompts are deterministic per (task, language, plan, prior-error) so
// identical inputs produce identical model calls.

func planPrompt(task, language string) string {
	return fmt.Sprintf(
		"You are a %s coding agent. Write a short numbered plan for solving the task below. Plan only, no code.\n\nTask: %s",
		language, task)
}

func generatePrompt(task, language, plan string) string {
	return fmt.Sprintf(
		"You are a %s coding agent. Implement the task below following the plan. Respond with a single fenced %s code block and nothing else. Do not use import statements or file/network access.\n\nTask: %s\n\nPlan:\n%s",
		language, language, task, plan)
}

func reflectPrompt(task, language, plan, code, errOutput string) string {
	return fmt.Sprintf(
		"You are a %s coding agent. Your previous attempt at the task below failed. Study the error, fix the code, and respond with a single fenced %s code block and nothing else. Do not use import statements or file/network access.\n\nTask: %s\n\nPlan:\n%s\n\nPrevious code:\n%s\n\nError output:\n%s",
		language, language, task, plan, code, errOutput)
}
