// Package llm defines the model-facing request/response types shared by the
// provider adapters and the prompt rendering they have in common.
package llm
