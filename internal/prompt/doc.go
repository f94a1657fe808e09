// Package prompt selects and renders the system prompt for a turn.
//
// Two Jinja-style templates are loaded at startup: the full generation
// template, rendered with no variables, and the modification template, which
// receives the previous artifact as {{ previous_drawio }}. BuildPrompt picks
// one from the session's turn state:
//
//   - first turn: generation template
//   - follow-up with a cached artifact: modification template
//   - follow-up without a cached artifact: generation template (logged)
//
// A template the selected path needs but that was not loaded yields
// ErrTemplateNotLoaded.
package prompt
