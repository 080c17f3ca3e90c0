/*
Package gateway defines the mutation boundary between page controllers and
the store.

Every mutation answers with a Result that is either a success, optionally
carrying data, or a failure carrying a message or per-field errors. Callers
must run Result.Check before reading a result; anything else is
ErrMalformedResult and is handled as a failure.

StoreGateway is the server-side implementation. For each call it:

  - rejects anonymous sessions and unknown collections
  - validates the payload with the collection's schema.Schema
  - sanitizes it, dropping undeclared fields
  - stamps createdAt/updatedAt and createdBy/updatedBy from the session
  - writes through a storage.Writer, mapping store errors to failures
*/
package gateway
