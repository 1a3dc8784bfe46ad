// Package mysql opens the shared MySQL pool, applies the embedded schema
// migrations and hosts the conversation memory repositories (a JSON-lines
// file implementation and a MySQL one).
package mysql
