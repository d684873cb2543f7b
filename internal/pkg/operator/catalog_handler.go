package operator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/operator-framework/operator-registry/alpha/declcfg"
)

// configsLabel names the image label pointing at the declarative config
// directory inside a catalog index image.
const configsLabel = "operators.operatorframework.io.index.configs.v1"

// OperatorCatalog indexes the decoded declarative config for fast
// package/channel/bundle lookups.
type OperatorCatalog struct {
	// Packages is keyed by package name.
	Packages map[string]declcfg.Package
	// Channels holds the channels of each package.
	Channels map[string][]declcfg.Channel
	// BundlesByPkgAndName is keyed by package then bundle name.
	BundlesByPkgAndName map[string]map[string]declcfg.Bundle
}

func newOperatorCatalog() OperatorCatalog {
	return OperatorCatalog{
		Packages:            map[string]declcfg.Package{},
		Channels:            map[string][]declcfg.Channel{},
		BundlesByPkgAndName: map[string]map[string]declcfg.Bundle{},
	}
}

// loadCatalog decodes the declarative config extracted under dir.
func loadCatalog(ctx context.Context, dir string) (OperatorCatalog, error) {
	cfg, err := declcfg.LoadFS(ctx, os.DirFS(dir))
	if err != nil {
		return OperatorCatalog{}, fmt.Errorf("loading declarative config: %w", err)
	}

	operatorCatalog := newOperatorCatalog()
	for _, pkg := range cfg.Packages {
		operatorCatalog.Packages[pkg.Name] = pkg
	}
	for _, channel := range cfg.Channels {
		operatorCatalog.Channels[channel.Package] = append(operatorCatalog.Channels[channel.Package], channel)
	}
	for _, bundle := range cfg.Bundles {
		bundles, ok := operatorCatalog.BundlesByPkgAndName[bundle.Package]
		if !ok {
			bundles = map[string]declcfg.Bundle{}
			operatorCatalog.BundlesByPkgAndName[bundle.Package] = bundles
		}
		bundles[bundle.Name] = bundle
	}
	return operatorCatalog, nil
}

// PackageNames lists the catalog's packages in stable order.
func (c OperatorCatalog) PackageNames() []string {
	names := make([]string, 0, len(c.Packages))
	for name := range c.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SelectChannel resolves a channel selection against the catalog.
func (c OperatorCatalog) SelectChannel(pkg string, selection ChannelSelection) (declcfg.Channel, error) {
	declPkg, ok := c.Packages[pkg]
	if !ok {
		return declcfg.Channel{}, &PackageNotFoundError{Package: pkg}
	}

	wanted, explicit := selection.Explicit()
	if !explicit {
		wanted = declPkg.DefaultChannel
		if wanted == "" {
			return declcfg.Channel{}, &ChannelNotFoundError{Package: pkg}
		}
	}
	for _, channel := range c.Channels[pkg] {
		if channel.Name == wanted {
			return channel, nil
		}
	}
	return declcfg.Channel{}, &ChannelNotFoundError{Package: pkg, Channel: wanted}
}

// ChannelHead picks the channel's head bundle: the entry no other entry
// replaces, falling back to the highest semver when the replaces chain is
// inconclusive.
func ChannelHead(channel declcfg.Channel) (string, error) {
	if len(channel.Entries) == 0 {
		return "", fmt.Errorf("channel %s of package %s has no entries", channel.Name, channel.Package)
	}

	replaced := map[string]struct{}{}
	for _, entry := range channel.Entries {
		if entry.Replaces != "" {
			replaced[entry.Replaces] = struct{}{}
		}
		for _, skipped := range entry.Skips {
			replaced[skipped] = struct{}{}
		}
	}

	var heads []string
	for _, entry := range channel.Entries {
		if _, ok := replaced[entry.Name]; !ok {
			heads = append(heads, entry.Name)
		}
	}
	if len(heads) == 1 {
		return heads[0], nil
	}
	if len(heads) == 0 {
		heads = make([]string, 0, len(channel.Entries))
		for _, entry := range channel.Entries {
			heads = append(heads, entry.Name)
		}
	}

	currentHead := semver.MustParse("0.0.0")
	selected := ""
	for _, name := range heads {
		version, err := channelEntrySemVer(name)
		if err != nil {
			// if we get a semver error just skip this entry
			continue
		}
		if version.GT(currentHead) {
			currentHead = version
			selected = name
		}
	}
	if selected == "" {
		sort.Strings(heads)
		selected = heads[len(heads)-1]
	}
	return selected, nil
}

func channelEntrySemVer(entryName string) (semver.Version, error) {
	nameSplit := strings.Split(entryName, ".")
	if len(nameSplit) < 2 {
		return semver.Version{}, fmt.Errorf("incorrect version format %s ", entryName)
	}
	version, err := semver.ParseTolerant(strings.Join(nameSplit[1:], "."))
	if err != nil {
		return semver.Version{}, fmt.Errorf("parsing version of %s: %w", entryName, err)
	}
	return version, nil
}

// extractConfigsLayer untars the files under dirLabel from one gzipped
// layer into toPath.
func extractConfigsLayer(layer []byte, toPath string, dirLabel string) error {
	dirLabel = strings.TrimSuffix(dirLabel, "/")
	dirLabel = strings.TrimPrefix(dirLabel, "/")

	uncompressedStream, err := gzip.NewReader(bytes.NewReader(layer))
	if err != nil {
		return fmt.Errorf("untar: gzip reader: %w", err)
	}
	tarReader := tar.NewReader(uncompressedStream)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("untar: next: %w", err)
		}
		name := strings.TrimPrefix(header.Name, "./")
		if !strings.HasPrefix(name, dirLabel) {
			continue
		}
		relative := strings.TrimPrefix(strings.TrimPrefix(name, dirLabel), "/")
		target := filepath.Join(toPath, relative)

		switch header.Typeflag {
		case tar.TypeDir:
			if relative == "" {
				continue
			}
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("untar: mkdir: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("untar: mkdir: %w", err)
			}
			outFile, err := os.Create(target)
			if err != nil {
				return fmt.Errorf("untar: create: %w", err)
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return fmt.Errorf("untar: copy: %w", err)
			}
			outFile.Close()
		default:
			// only the config files matter here
		}
	}
	return nil
}
