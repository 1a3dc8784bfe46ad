// Package agent runs a single agent turn: it invokes the requested token tool,
// asks the configured language model to phrase the result, and records the
// exchange in conversation memory.
package agent
