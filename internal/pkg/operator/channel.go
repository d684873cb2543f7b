package operator

import "strings"

// ChannelSelection distinguishes "use this channel" from "use whatever the
// package declares as default". The zero value selects the default
// channel.
type ChannelSelection struct {
	name     string
	explicit bool
}

// ExplicitChannel requests a named channel; resolution fails when the
// package does not carry it.
func ExplicitChannel(name string) ChannelSelection {
	return ChannelSelection{name: name, explicit: true}
}

// DefaultChannel requests the package's declared default channel.
func DefaultChannel() ChannelSelection {
	return ChannelSelection{}
}

// Explicit returns the requested channel name and whether one was given.
func (c ChannelSelection) Explicit() (string, bool) {
	return c.name, c.explicit
}

// ParsePackageChannels converts "package[:channel]" arguments into
// selections.
func ParsePackageChannels(args []string) map[string]ChannelSelection {
	if len(args) == 0 {
		return nil
	}
	selections := make(map[string]ChannelSelection, len(args))
	for _, arg := range args {
		if pkg, channel, found := strings.Cut(arg, ":"); found {
			selections[pkg] = ExplicitChannel(channel)
		} else {
			selections[arg] = DefaultChannel()
		}
	}
	return selections
}
