// Package prompts contains the LLM prompt templates used by the
// extraction cascade and the reflection agent.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use strings.Builder assembly for the ordered
// user-content sections and can be validated by tests. Family-identity
// values (names, children) are never literals here — they are threaded
// in from promptctx.PromptContext, matching the "no hard-coded family
// details" rule.
package prompts
