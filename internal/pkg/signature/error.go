package signature

import "errors"

// ErrNoValidSignature is returned when verification is required and no
// configured store produced a single valid signature. Tampered or
// untrusted signatures never raise this on their own; they come back as
// advisory VerifyResult values instead.
var ErrNoValidSignature = errors.New("no valid signatures found")
