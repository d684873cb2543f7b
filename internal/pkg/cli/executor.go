package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openshift/op-mirror/internal/pkg/batch"
	"github.com/openshift/op-mirror/internal/pkg/image"
	clog "github.com/openshift/op-mirror/internal/pkg/log"
	"github.com/openshift/op-mirror/internal/pkg/mirror"
	"github.com/openshift/op-mirror/internal/pkg/operator"
	"github.com/openshift/op-mirror/internal/pkg/registry"
	"github.com/openshift/op-mirror/internal/pkg/release"
	"github.com/openshift/op-mirror/internal/pkg/signature"
	"github.com/openshift/op-mirror/internal/pkg/translate"
	"github.com/openshift/op-mirror/internal/pkg/version"
)

const (
	envSignatureStore = "OPM_SIGNATURE_STORE"
	envSigningKey     = "OPM_SIGNING_KEY"
)

// GlobalOptions are the flags shared by every subcommand.
type GlobalOptions struct {
	CheckSignatures   bool
	NoCheckSignatures bool
	DryRun            bool
	SignatureStores   []string
	SigningKeyPaths   []string
	LogLevel          string
	Parallel          uint
	Arch              string
	PlainHTTP         bool
	TranslationsFile  string

	SortMetadata bool
	Translate    bool
}

// Verify reconciles the check/no-check flag pair; checking is the
// default.
func (o *GlobalOptions) Verify() bool {
	return o.CheckSignatures && !o.NoCheckSignatures
}

type ExecutorSchema struct {
	Log         clog.PluggableLoggerInterface
	Opts        *GlobalOptions
	signingKeys []string
}

// NewMirrorCmd - cobra entry point
func NewMirrorCmd(log clog.PluggableLoggerInterface) *cobra.Command {
	o := &ExecutorSchema{Log: log, Opts: &GlobalOptions{}}

	cmd := &cobra.Command{
		Use:           "op-mirror",
		Short:         "Utilities for working with operator and OCP releases",
		Long:          "Resolve, dump and mirror OCP release images and operator catalog indexes between registries, verifying and publishing atomic container signatures.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.Complete()
		},
	}

	o.bindFlags(cmd.PersistentFlags())

	cmd.AddCommand(o.newDumpCmd())
	cmd.AddCommand(o.newMirrorSubCmd())
	cmd.AddCommand(version.NewVersionCommand(log))
	return cmd
}

func (o *ExecutorSchema) bindFlags(flags *pflag.FlagSet) {
	flags.BoolVar(&o.Opts.CheckSignatures, "check-signatures", true, "Toggles integrity vs integrity and signature checking.")
	flags.BoolVar(&o.Opts.NoCheckSignatures, "no-check-signatures", false, "Disable signature checking.")
	flags.BoolVar(&o.Opts.DryRun, "dry-run", false, "Do not write to destination image sources.")
	flags.StringArrayVarP(&o.Opts.SignatureStores, "signature-store", "s", nil, "Url of a signature store to use for retrieving signatures. Can be passed multiple times.")
	flags.StringArrayVarP(&o.Opts.SigningKeyPaths, "signing-key", "k", nil, "Armored GnuPG trust store to use for signature verification. Can be passed multiple times.")
	flags.StringVar(&o.Opts.LogLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error).")
	flags.UintVar(&o.Opts.Parallel, "parallel", 8, "Maximum concurrent registry operations.")
	flags.StringVar(&o.Opts.Arch, "arch", "amd64", "Target architecture selected from manifest lists.")
	flags.BoolVar(&o.Opts.PlainHTTP, "plain-http", false, "Use http instead of https for registries and stores.")
	flags.StringVar(&o.Opts.TranslationsFile, "translations-file", "", "Yaml file with ordered endpoint translation rules.")
}

// LogErrorChain reports a command failure: each wrapped cause lands at
// debug so raised verbosity shows the full failure path, the final error
// line always prints.
func LogErrorChain(log clog.PluggableLoggerInterface, err error) {
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		log.Debug("caused by : %v", cause)
	}
	log.Error("%v", err)
}

// Complete applies env fallbacks and loads the signing key files.
func (o *ExecutorSchema) Complete() error {
	o.Log.Level(o.Opts.LogLevel)

	if len(o.Opts.SignatureStores) == 0 {
		if env := os.Getenv(envSignatureStore); env != "" {
			o.Opts.SignatureStores = strings.Split(env, ",")
		} else {
			o.Opts.SignatureStores = signature.DefaultSignatureStores
		}
	}
	if len(o.Opts.SigningKeyPaths) == 0 {
		if env := os.Getenv(envSigningKey); env != "" {
			o.Opts.SigningKeyPaths = strings.Split(env, ",")
		}
	}

	if len(o.Opts.SigningKeyPaths) == 0 {
		o.signingKeys = signature.DefaultSigningKeys()
		return nil
	}
	o.signingKeys = nil
	for _, path := range o.Opts.SigningKeyPaths {
		o.Log.Debug("loading signing key: %s", path)
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("loading signing key %s: %w", path, err)
		}
		o.signingKeys = append(o.signingKeys, string(content))
	}
	return nil
}

func (o *ExecutorSchema) newRegistry() *registry.Client {
	return registry.New(o.Log,
		registry.WithPlainHTTP(o.Opts.PlainHTTP),
		registry.WithDryRun(o.Opts.DryRun),
	)
}

func (o *ExecutorSchema) newSigner() (*signature.AtomicSigner, error) {
	store := signature.NewHTTPStore(o.Log, signature.StoreWithDryRun(o.Opts.DryRun))
	return signature.NewAtomicSigner(o.Log, store, o.Opts.SignatureStores, o.signingKeys)
}

// substitutions builds the endpoint translation rules for one run: the
// rules file when given, the built-in upstream patterns otherwise.
func (o *ExecutorSchema) substitutions(replacement string) ([]translate.Substitution, error) {
	if o.Opts.TranslationsFile != "" {
		return translate.LoadRules(o.Opts.TranslationsFile)
	}
	return translate.DefaultSubstitutions(replacement), nil
}

func (o *ExecutorSchema) newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <index> [package[:channel] ...]",
		Short: "Dumps the metadata for an operator or OCP release",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.RunDump(cmd.Context(), args[0], args[1:])
		},
	}
	cmd.Flags().BoolVar(&o.Opts.SortMetadata, "sort-metadata", false, "Sort metadata keys.")
	cmd.Flags().BoolVar(&o.Opts.Translate, "translate", false, "Translate the registry endpoint(s) based on the index location.")
	return cmd
}

func (o *ExecutorSchema) newMirrorSubCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mirror <index-src> <index-dest> [package[:channel] ...]",
		Short: "Replicates an operator or OCP release between registries",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.RunMirror(cmd.Context(), args[0], args[1], args[2:])
		},
	}
}

// RunDump resolves and logs metadata. Package filters select the catalog
// path; without them the reference is resolved as a release image.
func (o *ExecutorSchema) RunDump(ctx context.Context, indexRef string, packageArgs []string) error {
	indexSpec, err := image.ParseRef(indexRef)
	if err != nil {
		return err
	}
	reg := o.newRegistry()
	defer reg.Close()
	signer, err := o.newSigner()
	if err != nil {
		return err
	}

	var subs []translate.Substitution
	if o.Opts.Translate {
		subs, err = o.substitutions(indexSpec.Domain)
		if err != nil {
			return err
		}
	}

	o.Log.Info("retrieving metadata for index: %s ...", indexSpec.String())
	if len(packageArgs) > 0 {
		collector := operator.New(o.Log, reg, signer, operator.Options{
			Arch:            o.Opts.Arch,
			Substitutions:   subs,
			SignatureStores: o.Opts.SignatureStores,
			SigningKeys:     o.signingKeys,
			Verify:          o.Opts.Verify(),
			Parallel:        int(o.Opts.Parallel),
		})
		operatorMetadata, err := collector.OperatorMetadata(ctx, indexSpec, operator.ParsePackageChannels(packageArgs))
		if err != nil {
			return err
		}
		collector.LogOperatorMetadata(operatorMetadata, o.Opts.SortMetadata)
		return nil
	}

	collector := release.New(o.Log, reg, signer, release.Options{
		Arch:            o.Opts.Arch,
		Substitutions:   subs,
		SignatureStores: o.Opts.SignatureStores,
		SigningKeys:     o.signingKeys,
		Verify:          o.Opts.Verify(),
		Parallel:        int(o.Opts.Parallel),
	})
	releaseMetadata, err := collector.ReleaseMetadata(ctx, indexSpec)
	if err != nil {
		return err
	}
	collector.LogReleaseMetadata(releaseMetadata, o.Opts.SortMetadata)
	if o.Opts.Translate {
		translated, err := collector.TranslateRelease(indexSpec, releaseMetadata)
		if err != nil {
			return err
		}
		fmt.Println(string(translated))
	}
	return nil
}

// RunMirror resolves from the source (with verification per the global
// flag) and replicates the graph to the destination.
func (o *ExecutorSchema) RunMirror(ctx context.Context, srcRef, destRef string, packageArgs []string) error {
	srcSpec, err := image.ParseRef(srcRef)
	if err != nil {
		return err
	}
	destSpec, err := image.ParseRef(destRef)
	if err != nil {
		return err
	}
	reg := o.newRegistry()
	defer reg.Close()
	signer, err := o.newSigner()
	if err != nil {
		return err
	}
	subs, err := o.substitutions(srcSpec.Domain)
	if err != nil {
		return err
	}

	worker := batch.NewConcurrentWorker(o.Log, o.Opts.Parallel, !o.Opts.DryRun)
	engine := mirror.New(o.Log, reg, worker)

	o.Log.Info("retrieving metadata for index: %s ...", srcSpec.String())
	if len(packageArgs) > 0 {
		collector := operator.New(o.Log, reg, signer, operator.Options{
			Arch:            o.Opts.Arch,
			Substitutions:   subs,
			SignatureStores: o.Opts.SignatureStores,
			SigningKeys:     o.signingKeys,
			Verify:          o.Opts.Verify(),
			Parallel:        int(o.Opts.Parallel),
		})
		operatorMetadata, err := collector.OperatorMetadata(ctx, srcSpec, operator.ParsePackageChannels(packageArgs))
		if err != nil {
			return err
		}
		o.Log.Info("mirroring index to: %s ...", destSpec.String())
		if err := engine.PutOperator(ctx, destSpec, operatorMetadata); err != nil {
			return err
		}
	} else {
		collector := release.New(o.Log, reg, signer, release.Options{
			Arch:            o.Opts.Arch,
			Substitutions:   subs,
			SignatureStores: o.Opts.SignatureStores,
			SigningKeys:     o.signingKeys,
			Verify:          o.Opts.Verify(),
			Parallel:        int(o.Opts.Parallel),
		})
		releaseMetadata, err := collector.ReleaseMetadata(ctx, srcSpec)
		if err != nil {
			return err
		}
		o.Log.Info("mirroring index to: %s ...", destSpec.String())
		if err := engine.PutRelease(ctx, destSpec, releaseMetadata); err != nil {
			return err
		}
	}

	if o.Opts.DryRun {
		o.Log.Info("dry run completed for index: %s", destSpec.String())
	} else {
		o.Log.Info("mirrored index to: %s", destSpec.String())
	}
	return nil
}
