/*
Package keychain implements the encrypted keychain of a connection.

All confidential values (every value type except public keys) are sealed with
AES-256-GCM under a sub-key of the connection master key. The master key is
derived once per connection from the users passkey (argon2id). Values are
indexed by their (key, type) pair and decrypted lazily on read; decrypted
plaintexts are kept in a bounded cache.

Local changes are persisted to the server through a Persister. Changes are
batched: every Set and Remove is queued and one Update is sent after the flush
delay (or on an explicit Flush). A later change of the same (key, type)
supersedes an earlier one in the same batch.

Values sent by the server (keychain entries of a sync log) are materialized
with Apply and Drop and are never echoed back.
*/
package keychain
