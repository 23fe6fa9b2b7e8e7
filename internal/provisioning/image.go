package provisioning

import (
	"context"
	"errors"

	"ycmodules/internal/logging"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"go.uber.org/zap"
)

// ImageResolver looks up boot images in the shared public catalog.
type ImageResolver struct {
	images ImageService
	folder string
}

// NewImageResolver creates a resolver querying StandardImagesFolder.
func NewImageResolver(images ImageService) *ImageResolver {
	return &ImageResolver{images: images, folder: StandardImagesFolder}
}

// Resolve returns the latest image of family. A missing family yields a
// KindNotFound error.
func (r *ImageResolver) Resolve(ctx context.Context, family string) (ResolvedImage, error) {
	if family == "" {
		return ResolvedImage{}, &Error{Kind: KindFatal, Op: "resolve image", Err: errors.New("image family is empty")}
	}

	image, err := r.images.GetLatestByFamily(ctx, &compute.GetImageLatestByFamilyRequest{
		FolderId: r.folder,
		Family:   family,
	})
	if err != nil {
		return ResolvedImage{}, wrapRPC("resolve image family "+family, err)
	}

	logging.Logger().Debug("Resolved boot image",
		zap.String("family", family),
		zap.String("image_id", image.GetId()),
		zap.String("image_name", image.GetName()))

	return ResolvedImage{
		ID:     image.GetId(),
		Family: family,
		Name:   image.GetName(),
	}, nil
}
