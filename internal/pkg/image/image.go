package image

import (
	"fmt"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

const (
	dockerProtocol  = "docker://"
	errMessageImage = "%s unable to parse image correctly"
)

// ImageSpec is an immutable value describing one image reference.
// Derivation helpers return a modified copy and never touch the receiver,
// so a spec handed to a resolver can be shared freely.
type ImageSpec struct {
	Transport              string
	Reference              string
	ReferenceWithTransport string
	Name                   string
	Domain                 string
	PathComponent          string
	Tag                    string
	Algorithm              string
	Digest                 string
}

// ParseRef parses an image reference without a transport prefix.
// References with a transport prefix are passed through with only the
// transport split off.
func ParseRef(imgRef string) (ImageSpec, error) {
	var imgSpec ImageSpec

	if strings.Contains(imgRef, "://") {
		imgSpec.ReferenceWithTransport = imgRef
		imgSplit := strings.SplitN(imgRef, "://", 2)
		imgSpec.Transport = imgSplit[0] + "://"
		imgSpec.Reference = imgSplit[1]
		imgSpec.Name = imgSplit[1]
	} else {
		imgSpec.Transport = dockerProtocol
		imgSpec.Reference = imgRef
		imgSpec.Name = imgRef
		imgSpec.ReferenceWithTransport = imgSpec.Transport + imgRef
	}

	if strings.Contains(imgSpec.Name, "@") {
		imgSplit := strings.SplitN(imgSpec.Name, "@", 2)
		validDigest, err := digest.Parse(imgSplit[1])
		if err != nil {
			return ImageSpec{}, fmt.Errorf(errMessageImage+" : invalid digest", imgRef)
		}
		imgSpec.Digest = validDigest.Encoded()
		imgSpec.Algorithm = validDigest.Algorithm().String()
		imgSpec.Name = imgSplit[0]
	}

	if strings.Contains(imgSpec.Name, ":") {
		lastColonIndex := strings.LastIndex(imgSpec.Name, ":")
		domainPathSeparation := strings.Index(imgSpec.Name, "/")
		if domainPathSeparation < 0 || lastColonIndex > domainPathSeparation {
			imgSpec.Tag = imgSpec.Name[lastColonIndex+1:]
			imgSpec.Name = imgSpec.Name[:lastColonIndex]
		}
	}

	if imgSpec.Name == "" {
		return ImageSpec{}, fmt.Errorf("unknown image : reference name is empty")
	}
	if imgSpec.Tag == "" && imgSpec.Digest == "" {
		return ImageSpec{}, fmt.Errorf(errMessageImage+" : tag and digest are empty", imgRef)
	}

	imageNameComponents := strings.Split(imgSpec.Name, "/")
	if len(imageNameComponents) >= 2 {
		imgSpec.Domain = imageNameComponents[0]
		imgSpec.PathComponent = strings.Join(imageNameComponents[1:], "/")
	} else {
		imgSpec.PathComponent = imageNameComponents[0]
	}

	return imgSpec, nil
}

// String renders the canonical reference (no transport prefix).
func (i ImageSpec) String() string {
	var sb strings.Builder
	if i.Domain != "" {
		sb.WriteString(i.Domain)
		sb.WriteString("/")
	}
	sb.WriteString(i.PathComponent)
	if i.Tag != "" {
		sb.WriteString(":")
		sb.WriteString(i.Tag)
	}
	if i.Digest != "" {
		sb.WriteString("@")
		sb.WriteString(i.Algorithm)
		sb.WriteString(":")
		sb.WriteString(i.Digest)
	}
	return sb.String()
}

// RepoNamespace is the registry-qualified repository without tag or digest,
// used as the provenance key when aggregating blobs.
func (i ImageSpec) RepoNamespace() string {
	if i.Domain == "" {
		return i.PathComponent
	}
	return i.Domain + "/" + i.PathComponent
}

// WithDomain derives a copy of the spec pointing at another registry endpoint.
func (i ImageSpec) WithDomain(domain string) ImageSpec {
	derived := i
	derived.Domain = domain
	derived.Name = derived.RepoNamespace()
	derived.Reference = derived.String()
	derived.ReferenceWithTransport = derived.Transport + derived.Reference
	return derived
}

// WithDigest derives a copy of the spec pinned to the given digest, dropping
// any tag carried by the original.
func (i ImageSpec) WithDigest(dgst digest.Digest) ImageSpec {
	derived := i
	derived.Tag = ""
	derived.Algorithm = dgst.Algorithm().String()
	derived.Digest = dgst.Encoded()
	derived.Reference = derived.String()
	derived.ReferenceWithTransport = derived.Transport + derived.Reference
	return derived
}

// WithTag derives a copy of the spec carrying the given tag and no digest.
func (i ImageSpec) WithTag(tag string) ImageSpec {
	derived := i
	derived.Tag = tag
	derived.Algorithm = ""
	derived.Digest = ""
	derived.Reference = derived.String()
	derived.ReferenceWithTransport = derived.Transport + derived.Reference
	return derived
}

func (i ImageSpec) IsImageByDigest() bool {
	return i.Digest != ""
}

// DigestValue returns the parsed digest of a digest reference.
func (i ImageSpec) DigestValue() digest.Digest {
	if i.Digest == "" {
		return ""
	}
	return digest.Digest(i.Algorithm + ":" + i.Digest)
}

// Equal compares the canonical string forms.
func (i ImageSpec) Equal(other ImageSpec) bool {
	return i.String() == other.String()
}

// EqualUnqualified compares two specs while ignoring the registry endpoint.
func (i ImageSpec) EqualUnqualified(other ImageSpec) bool {
	left := i
	left.Domain = ""
	right := other
	right.Domain = ""
	return left.String() == right.String()
}
