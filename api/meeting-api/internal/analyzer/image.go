// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_analyzer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/replicate/replicate-go"

	"github.com/scribeai/pkg/commons"
)

// Image model presets selectable via image:model:set.
const (
	PresetDalle = "dalle"
	PresetFlux  = "flux"
)

// ErrUnsupportedPreset is returned for unknown presets.
var ErrUnsupportedPreset = errors.New("unsupported image model preset")

// GeneratedImage carries the produced payload plus the prompt that made it.
type GeneratedImage struct {
	Data   []byte
	Prompt string
}

// ImageGenerator renders an image prompt into a payload.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (*GeneratedImage, error)
	Model() string
	Available() bool
}

// Presets resolves preset names to generators.
type Presets struct {
	logger     commons.Logger
	generators map[string]ImageGenerator
}

// NewPresets wires the built-in presets. A preset with an empty credential is
// registered but reports unavailable so image:model:status can say so.
func NewPresets(openaiKey, replicateToken string, logger commons.Logger) *Presets {
	rc := resty.New().SetTimeout(60 * time.Second)
	return &Presets{
		logger: logger,
		generators: map[string]ImageGenerator{
			PresetDalle: newDalleGenerator(openaiKey, logger),
			PresetFlux:  newFluxGenerator(replicateToken, rc, logger),
		},
	}
}

// Resolve returns the generator for a preset, or ErrUnsupportedPreset.
func (p *Presets) Resolve(preset string) (ImageGenerator, error) {
	gen, ok := p.generators[preset]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPreset, preset)
	}
	return gen, nil
}

// ============================================================================
// dalle — OpenAI Images API, base64 payload
// ============================================================================

type dalleGenerator struct {
	logger commons.Logger
	client openai.Client
	apiKey string
}

func newDalleGenerator(apiKey string, logger commons.Logger) ImageGenerator {
	return &dalleGenerator{
		logger: logger,
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		apiKey: apiKey,
	}
}

func (g *dalleGenerator) Model() string { return "dall-e-3" }

func (g *dalleGenerator) Available() bool { return g.apiKey != "" }

func (g *dalleGenerator) Generate(ctx context.Context, prompt string) (*GeneratedImage, error) {
	resp, err := g.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModelDallE3,
		Size:           openai.ImageGenerateParamsSize1024x1024,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
		N:              openai.Int(1),
	})
	if err != nil {
		return nil, fmt.Errorf("dalle generation failed: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("dalle generation returned no image")
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode dalle payload: %w", err)
	}
	return &GeneratedImage{Data: data, Prompt: prompt}, nil
}

// ============================================================================
// flux — Replicate, URL output downloaded via resty
// ============================================================================

type fluxGenerator struct {
	logger commons.Logger
	token  string
	http   *resty.Client
}

func newFluxGenerator(token string, http *resty.Client, logger commons.Logger) ImageGenerator {
	return &fluxGenerator{
		logger: logger,
		token:  token,
		http:   http,
	}
}

func (g *fluxGenerator) Model() string { return "black-forest-labs/flux-schnell" }

func (g *fluxGenerator) Available() bool { return g.token != "" }

func (g *fluxGenerator) Generate(ctx context.Context, prompt string) (*GeneratedImage, error) {
	client, err := replicate.NewClient(replicate.WithToken(g.token))
	if err != nil {
		return nil, fmt.Errorf("failed to create replicate client: %w", err)
	}

	output, err := client.Run(ctx, g.Model(), replicate.PredictionInput{
		"prompt": prompt,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("flux generation failed: %w", err)
	}

	url := firstURL(output)
	if url == "" {
		return nil, fmt.Errorf("flux generation returned no output url")
	}

	resp, err := g.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download flux output: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("flux output download returned status %d", resp.StatusCode())
	}
	return &GeneratedImage{Data: resp.Body(), Prompt: prompt}, nil
}

// firstURL digs the first url string out of replicate's loosely-typed output.
func firstURL(output replicate.PredictionOutput) string {
	switch v := output.(type) {
	case string:
		return v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				return s
			}
		}
	}
	return ""
}
