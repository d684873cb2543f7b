package operator

import "fmt"

// PackageNotFoundError - the requested package is absent from the index.
type PackageNotFoundError struct {
	Package string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("package %s not found in index", e.Package)
}

// ChannelNotFoundError - the requested channel does not exist for the
// package, or the package declares no default channel to fall back on.
type ChannelNotFoundError struct {
	Package string
	Channel string
}

func (e *ChannelNotFoundError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("package %s declares no default channel", e.Package)
	}
	return fmt.Sprintf("channel %s not found for package %s", e.Channel, e.Package)
}
