// Package stub is an in-process identity and push provider speaking the
// same HTTP dialect as the real service. Tests run it behind httptest and
// cmd/icloud-stub serves it for local development.
//
// Passwords are stored as argon2id hashes, verification codes are TOTP
// codes derived from a per-account secret, and session and trust tokens
// are HS256 JWTs, so the stub rejects forged or stale input the same way
// the real provider does.
package stub
