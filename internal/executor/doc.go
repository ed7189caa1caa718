// Package executor runs the agent as a subprocess. The prompt is delivered on
// stdin, run parameters travel as LOOM_* environment variables, and stdout
// becomes the run's text. A trailing JSON usage line, when present, is parsed
// into token counts and stripped from the text.
package executor
