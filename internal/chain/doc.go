// Package chain houses Solana connectivity: the Client capability used by the
// issuance workflow and lookups, named network definitions, and the
// sub-packages that implement them (solana RPC client, Token-2022 instruction
// builders, signer loading and the provider registry).
package chain
