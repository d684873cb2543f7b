package signature

const (
	// atomicSignatureType is the wire value identifying an atomic container
	// signature payload.
	atomicSignatureType = "atomic container signature"

	// TypeAtomicSigner classifies a verification result whose payload bound
	// the probed digest.
	TypeAtomicSigner = "atomicsigner"
	// TypeGPG classifies a result whose payload was absent, tampered or not
	// an atomic signature at all.
	TypeGPG = "gpg"

	// StatusSignatureValid is the gpg status of a good signature.
	StatusSignatureValid = "signature valid"
	StatusSignatureBad   = "signature bad"

	contentType     = "Content-Type"
	applicationJson = "application/json"
)

// GPGTrust is the ownertrust classification of a verifying key.
type GPGTrust string

const (
	TrustUndefined GPGTrust = "undefined"
	TrustNever     GPGTrust = "never"
	TrustMarginal  GPGTrust = "marginal"
	TrustFull      GPGTrust = "full"
	TrustUltimate  GPGTrust = "ultimate"
)

var trustRank = map[GPGTrust]int{
	TrustUndefined: 0,
	TrustNever:     1,
	TrustMarginal:  2,
	TrustFull:      3,
	TrustUltimate:  4,
}

// AtLeast reports whether the trust level meets the given threshold.
func (t GPGTrust) AtLeast(threshold GPGTrust) bool {
	return trustRank[t] >= trustRank[threshold]
}
