// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/mobiletoly/go-fieldsync/fielderr"
	_ "golang.org/x/image/webp"
)

// photoInfo is what the server learns from the uploaded bytes.
type photoInfo struct {
	ContentType string
	Width       int
	Height      int
	Thumbnail   []byte // JPEG
}

// inspectPhoto checks size and sniffed content type, decodes the image and renders a JPEG
// thumbnail whose longest edge is thumbSize.
func inspectPhoto(data []byte, maxBytes int64, thumbSize int) (*photoInfo, error) {
	if len(data) == 0 {
		return nil, fielderr.Validation("photo content is empty")
	}
	if int64(len(data)) > maxBytes {
		return nil, fielderr.Validation("photo is %d bytes, maximum is %d", len(data), maxBytes).
			WithDetail("size", len(data)).
			WithDetail("maxSize", maxBytes)
	}

	contentType := DetectPhotoType(data)
	if !slices.Contains(AllowedPhotoTypes, contentType) {
		return nil, fielderr.Validation("unsupported photo type %s", contentType).
			WithDetail("content_type", contentType).
			WithDetail("allowed", AllowedPhotoTypes)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fielderr.Validation("photo cannot be decoded: %v", err)
	}
	bounds := img.Bounds()

	thumb := imaging.Fit(img, thumbSize, thumbSize, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	return &photoInfo{
		ContentType: contentType,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Thumbnail:   buf.Bytes(),
	}, nil
}

// DetectPhotoType sniffs the content type from the leading bytes.
func DetectPhotoType(data []byte) string {
	return mimetype.Detect(data).String()
}
