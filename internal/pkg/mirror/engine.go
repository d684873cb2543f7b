package mirror

import (
	"context"
	"fmt"
	"sort"

	"github.com/containers/image/v5/manifest"
	digest "github.com/opencontainers/go-digest"

	"github.com/openshift/op-mirror/internal/pkg/api/v1alpha1"
	"github.com/openshift/op-mirror/internal/pkg/batch"
	"github.com/openshift/op-mirror/internal/pkg/image"
	clog "github.com/openshift/op-mirror/internal/pkg/log"
	"github.com/openshift/op-mirror/internal/pkg/registry"
	"github.com/openshift/op-mirror/internal/pkg/signature"
)

type EngineInterface interface {
	// PutRelease replicates a resolved release graph to the destination.
	// The root manifest lands at the destination's imposed tag, never at
	// whatever reference the source carried.
	PutRelease(ctx context.Context, destSpec image.ImageSpec, releaseMetadata *v1alpha1.ReleaseMetadata) error
	// PutOperator replicates a resolved catalog graph to the destination.
	PutOperator(ctx context.Context, destSpec image.ImageSpec, operatorMetadata *v1alpha1.OperatorMetadata) error
}

type Engine struct {
	Log      clog.PluggableLoggerInterface
	Registry registry.RegistryInterface
	Worker   batch.WorkerInterface
	// Signer, when set, publishes a fresh signature for the mirrored root
	// digest after a successful copy.
	Signer signature.SignerInterface
	Sign   bool
}

func New(log clog.PluggableLoggerInterface, reg registry.RegistryInterface, worker batch.WorkerInterface) *Engine {
	return &Engine{Log: log, Registry: reg, Worker: worker}
}

func (o *Engine) PutRelease(ctx context.Context, destSpec image.ImageSpec, releaseMetadata *v1alpha1.ReleaseMetadata) error {
	return o.putGraph(ctx, destSpec, releaseMetadata.ManifestDigest, releaseMetadata.ContentGraph)
}

func (o *Engine) PutOperator(ctx context.Context, destSpec image.ImageSpec, operatorMetadata *v1alpha1.OperatorMetadata) error {
	return o.putGraph(ctx, destSpec, operatorMetadata.ManifestDigest, operatorMetadata.ContentGraph)
}

// putGraph replicates a content graph: every blob exactly once, then the
// non-list manifests, then the lists, finally the root at the imposed
// destination reference. The first push failure aborts everything with no
// rollback; the destination must be treated as incomplete until a
// successful re-run.
func (o *Engine) putGraph(ctx context.Context, destSpec image.ImageSpec, rootDigest digest.Digest, graph v1alpha1.ContentGraph) error {
	destNamespace := destSpec.RepoNamespace()

	blobTasks := make([]batch.PushTask, 0, len(graph.Blobs))
	for dgst, namespaces := range graph.Blobs {
		source := firstNamespace(namespaces)
		if source == "" {
			return fmt.Errorf("blob %s has no originating namespace", dgst)
		}
		blobTasks = append(blobTasks, batch.PushTask{
			Description: fmt.Sprintf("pushing blob %s", dgst),
			Run: func(ctx context.Context) error {
				data, err := o.Registry.FetchBlob(ctx, source, dgst)
				if err != nil {
					return err
				}
				return o.Registry.PushBlob(ctx, destNamespace, dgst, data)
			},
		})
	}
	if err := o.Worker.Push(ctx, "copying blobs", blobTasks); err != nil {
		return err
	}

	// manifests only after their constituent blobs have landed
	var rootEntry *v1alpha1.ManifestEntry
	var singleTasks, listTasks []batch.PushTask
	for ref, entry := range graph.Manifests {
		if entry.Digest == rootDigest {
			rootEntry = &entry
			continue
		}
		task := batch.PushTask{
			Description: fmt.Sprintf("pushing manifest %s", ref),
			Run: func(ctx context.Context) error {
				return o.Registry.PushManifest(ctx, destNamespace, entry.Digest.String(), entry.MediaType, entry.Bytes)
			},
		}
		if manifest.MIMETypeIsMultiImage(entry.MediaType) {
			listTasks = append(listTasks, task)
		} else {
			singleTasks = append(singleTasks, task)
		}
	}
	if err := o.Worker.Push(ctx, "copying manifests", singleTasks); err != nil {
		return err
	}
	if err := o.Worker.Push(ctx, "copying manifest lists", listTasks); err != nil {
		return err
	}

	if rootEntry == nil {
		return fmt.Errorf("root manifest %s missing from resolved graph", rootDigest)
	}
	rootReference := destSpec.Tag
	if rootReference == "" {
		rootReference = rootDigest.String()
	}
	if err := o.Registry.PushManifest(ctx, destNamespace, rootReference, rootEntry.MediaType, rootEntry.Bytes); err != nil {
		return fmt.Errorf("pushing root manifest %s: %w", destSpec.String(), err)
	}
	o.Log.Debug("root manifest pushed : %s (%s)", destSpec.String(), rootDigest)

	if o.Sign && o.Signer != nil {
		url, err := o.Signer.AtomicSign(ctx, rootDigest, destSpec)
		if err != nil {
			return fmt.Errorf("signing mirrored digest %s: %w", rootDigest, err)
		}
		o.Log.Info("published signature : %s", url)
	}
	return nil
}

func firstNamespace(namespaces map[string]struct{}) string {
	keys := make([]string, 0, len(namespaces))
	for namespace := range namespaces {
		keys = append(keys, namespace)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
