package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	digest "github.com/opencontainers/go-digest"
	// nolint
	"golang.org/x/crypto/openpgp"
	// nolint
	"golang.org/x/crypto/openpgp/clearsign"
	// nolint
	pgperrors "golang.org/x/crypto/openpgp/errors"

	"github.com/openshift/op-mirror/internal/pkg/api/v1alpha1"
	"github.com/openshift/op-mirror/internal/pkg/image"
	clog "github.com/openshift/op-mirror/internal/pkg/log"
)

// VerifyResult is the outcome of probing the signature stores for one
// digest. Valid is the only pass/fail judgment; every other field is
// diagnostic detail. StatusAtomic is empty when the payload bound the
// probed digest, and carries the mismatch reason otherwise.
type VerifyResult struct {
	Fingerprint  string
	KeyID        string
	SignerLong   string
	SignerShort  string
	StatusAtomic string
	StatusGPG    string
	Timestamp    int64
	Trust        GPGTrust
	Type         string
	Username     string
	Valid        bool
	URL          string
}

type SignerInterface interface {
	AtomicSign(ctx context.Context, dgst digest.Digest, imgSpec image.ImageSpec) (string, error)
	AtomicVerify(ctx context.Context, dgst digest.Digest, imgSpec image.ImageSpec) (VerifyResult, error)
}

type AtomicSigner struct {
	Log       clog.PluggableLoggerInterface
	Store     StoreInterface
	Locations []string

	keyring    openpgp.EntityList
	signer     *openpgp.Entity
	threshold  GPGTrust
	creator    string
	passphrase []byte
}

type SignerOption func(*AtomicSigner) error

// WithSigningEntity configures the private key used by AtomicSign. The
// passphrase decrypts the primary key and its subkeys if needed.
func WithSigningEntity(entity *openpgp.Entity, passphrase []byte) SignerOption {
	return func(o *AtomicSigner) error {
		if entity.PrivateKey == nil {
			return fmt.Errorf("signing entity carries no private key")
		}
		if entity.PrivateKey.Encrypted {
			if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
				return fmt.Errorf("decrypting signing key: %w", err)
			}
		}
		for _, subkey := range entity.Subkeys {
			if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
				if err := subkey.PrivateKey.Decrypt(passphrase); err != nil {
					return fmt.Errorf("decrypting signing subkey: %w", err)
				}
			}
		}
		o.signer = entity
		o.passphrase = passphrase
		return nil
	}
}

// WithTrustThreshold overrides the minimum trust level a signing key must
// carry for a signature to count as valid.
func WithTrustThreshold(threshold GPGTrust) SignerOption {
	return func(o *AtomicSigner) error {
		o.threshold = threshold
		return nil
	}
}

// WithCreator sets the optional creator recorded in signed payloads.
func WithCreator(creator string) SignerOption {
	return func(o *AtomicSigner) error {
		o.creator = creator
		return nil
	}
}

// NewAtomicSigner builds a signer over the given store locations. The
// armored signingKeys form the verification trust store; keys listed there
// verify at ultimate trust, anything else is undefined.
func NewAtomicSigner(log clog.PluggableLoggerInterface, store StoreInterface, locations []string, signingKeys []string, opts ...SignerOption) (*AtomicSigner, error) {
	var keyring openpgp.EntityList
	for _, armored := range signingKeys {
		entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader([]byte(armored)))
		if err != nil {
			return nil, fmt.Errorf("reading armored signing key: %w", err)
		}
		keyring = append(keyring, entities...)
	}
	o := &AtomicSigner{
		Log:       log,
		Store:     store,
		Locations: locations,
		keyring:   keyring,
		threshold: TrustUltimate,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// KeyID is the full fingerprint of the configured signing key.
func (o *AtomicSigner) KeyID() string {
	if o.signer == nil {
		return ""
	}
	return fmt.Sprintf("%X", o.signer.PrimaryKey.Fingerprint)
}

// AtomicSign clear-signs the canonical payload binding dgst to imgSpec and
// publishes it to every configured store at the smallest unused ordinal.
// Existing signatures for the digest are never overwritten. The url of the
// first published copy is returned.
func (o *AtomicSigner) AtomicSign(ctx context.Context, dgst digest.Digest, imgSpec image.ImageSpec) (string, error) {
	if o.signer == nil {
		return "", fmt.Errorf("no signing entity configured")
	}

	var payload v1alpha1.SignatureContentSchema
	payload.Critical.Image.DockerManifestDigest = dgst.String()
	payload.Critical.Type = atomicSignatureType
	payload.Critical.Identity.DockerReference = imgSpec.String()
	payload.Optional.Creator = o.creator
	payload.Optional.Timestamp = time.Now().Unix()

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling signature payload: %w", err)
	}

	var buf bytes.Buffer
	writer, err := clearsign.Encode(&buf, o.signer.PrivateKey, nil)
	if err != nil {
		return "", fmt.Errorf("clear-signing payload: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return "", fmt.Errorf("clear-signing payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("clear-signing payload: %w", err)
	}
	signed := buf.Bytes()

	var firstURL string
	for _, location := range o.Locations {
		ordinal, err := o.nextOrdinal(ctx, location, dgst)
		if err != nil {
			return "", err
		}
		url, err := o.Store.Put(ctx, location, SignaturePath(dgst, ordinal), signed)
		if err != nil {
			return "", err
		}
		o.Log.Debug("published signature %s", url)
		if firstURL == "" {
			firstURL = url
		}
	}
	if firstURL == "" {
		return "", fmt.Errorf("no signature store locations configured")
	}
	return firstURL, nil
}

// nextOrdinal probes signature slots starting at 1 until an empty one is
// found. Probing is strictly sequential within one store.
func (o *AtomicSigner) nextOrdinal(ctx context.Context, location string, dgst digest.Digest) (int, error) {
	for ordinal := 1; ; ordinal++ {
		_, found, err := o.Store.Get(ctx, location, SignaturePath(dgst, ordinal))
		if err != nil {
			return 0, err
		}
		if !found {
			return ordinal, nil
		}
	}
}

// AtomicVerify probes every configured store for signatures over dgst and
// returns the first valid result. When nothing valid is found the last
// attempted result is returned so callers keep the diagnostic detail; its
// Valid field is false.
func (o *AtomicSigner) AtomicVerify(ctx context.Context, dgst digest.Digest, imgSpec image.ImageSpec) (VerifyResult, error) {
	var last VerifyResult
	for _, location := range o.Locations {
		for ordinal := 1; ; ordinal++ {
			path := SignaturePath(dgst, ordinal)
			data, found, err := o.Store.Get(ctx, location, path)
			if err != nil {
				return VerifyResult{}, err
			}
			if !found {
				break
			}
			result := o.verifyBlob(data, dgst)
			result.URL = resolveURL(location, path)
			if result.Valid {
				o.Log.Debug("valid signature %s", result.URL)
				return result, nil
			}
			last = result
		}
	}
	return last, nil
}

// verifyBlob checks one signed blob against the probed digest and
// classifies the outcome. A blob whose payload does not bind the digest is
// downgraded to a plain gpg result with the reason in StatusAtomic; the
// judgment is recorded, never raised.
func (o *AtomicSigner) verifyBlob(data []byte, dgst digest.Digest) VerifyResult {
	result := VerifyResult{Trust: TrustUndefined, Type: TypeGPG}

	block, _ := clearsign.Decode(data)
	if block == nil {
		result.StatusAtomic = "no clear-signed message found"
		result.StatusGPG = StatusSignatureBad
		return result
	}

	signer, err := openpgp.CheckDetachedSignature(o.keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body)
	switch {
	case err == nil && signer != nil:
		result.StatusGPG = StatusSignatureValid
		result.Trust = TrustUltimate
		result.Fingerprint = fmt.Sprintf("%X", signer.PrimaryKey.Fingerprint)
		result.KeyID = signer.PrimaryKey.KeyIdString()
		result.Username = primaryIdentity(signer)
		result.SignerLong = fmt.Sprintf("Signature made using key ID %s", result.KeyID)
		result.SignerShort = fmt.Sprintf("keyid %s", result.KeyID)
	case errors.Is(err, pgperrors.ErrUnknownIssuer):
		result.StatusGPG = "public key not found"
		result.SignerLong = "Signature made by unknown entity"
		result.SignerShort = "keyid unknown"
	default:
		result.StatusGPG = StatusSignatureBad
		result.SignerLong = "Signature could not be checked"
		result.SignerShort = "keyid unknown"
	}

	var payload v1alpha1.SignatureContentSchema
	if unmarshalErr := json.Unmarshal(block.Plaintext, &payload); unmarshalErr != nil {
		result.StatusAtomic = "payload is not an atomic signature document"
		demote(&result)
		return result
	}
	if payload.Critical.Type != atomicSignatureType {
		result.StatusAtomic = fmt.Sprintf("unexpected payload type %q", payload.Critical.Type)
		demote(&result)
		return result
	}
	if payload.Critical.Image.DockerManifestDigest != dgst.String() {
		// tampered or relocated signature: keep the raw gpg status but
		// clear the identity fields
		result.StatusAtomic = fmt.Sprintf("manifest digest mismatch: expected %s got %s", dgst, payload.Critical.Image.DockerManifestDigest)
		demote(&result)
		return result
	}

	result.Type = TypeAtomicSigner
	result.StatusAtomic = ""
	result.Timestamp = payload.Optional.Timestamp
	result.Valid = result.StatusGPG == StatusSignatureValid && result.Trust.AtLeast(o.threshold)
	return result
}

// demote strips the signer identity from a result whose payload did not
// bind the probed digest. The raw gpg status survives for diagnostics.
func demote(result *VerifyResult) {
	result.Fingerprint = ""
	result.Trust = TrustUndefined
	result.Timestamp = 0
}

func primaryIdentity(entity *openpgp.Entity) string {
	names := make([]string, 0, len(entity.Identities))
	for name := range entity.Identities {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
