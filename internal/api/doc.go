// Package api exposes the token tools, the async task pipeline, the issuance
// ledger and the conversation history over a chi REST router.
package api
