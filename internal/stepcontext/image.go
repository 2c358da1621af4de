package stepcontext

import (
	"strings"

	"github.com/ent0n29/stepwise/internal/model"
)

// ImageFormat shapes a base64 PNG screenshot for the configured model family.
type ImageFormat interface {
	Block(b64 string) model.Block
}

// DataURLImage inlines the screenshot as a data URL.
type DataURLImage struct{}

func (DataURLImage) Block(b64 string) model.Block {
	return model.Block{Type: model.BlockImageURL, ImageURL: "data:image/png;base64," + b64}
}

// Base64Image sends the screenshot as a structured base64 source.
type Base64Image struct{}

func (Base64Image) Block(b64 string) model.Block {
	return model.Block{
		Type:   model.BlockImage,
		Source: &model.ImageSource{Type: "base64", MediaType: "image/png", Data: b64},
	}
}

// ImageFormatFor picks the image shape for a provider id.
func ImageFormatFor(provider string) ImageFormat {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case model.ProviderOllama, model.ProviderGemini:
		return DataURLImage{}
	default:
		return Base64Image{}
	}
}
