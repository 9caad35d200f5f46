package tools

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// ImageGenerator returns a base64-encoded PNG for prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

type imageParams struct {
	Prompt string `json:"prompt"`
}

// NewImageTool builds generate_image. Generation failures are reported in
// the result message, never as a tool error.
func NewImageTool(gen ImageGenerator) tool.InvokableTool {
	if gen == nil {
		return nil
	}
	info := &schema.ToolInfo{
		Name: ImageToolName,
		Desc: "Generate an image from a text prompt. The image is shown to the user inline.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"prompt": {
				Desc:     "The prompt to generate an image from",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, params *imageParams) (*Result, error) {
		prompt := ""
		if params != nil {
			prompt = strings.TrimSpace(params.Prompt)
		}
		if prompt == "" {
			return &Result{Message: "Error generating image: prompt must not be empty", Error: true}, nil
		}
		b64, err := gen.GenerateImage(ctx, prompt)
		if err != nil {
			return &Result{Message: "Error generating image: " + err.Error(), Error: true}, nil
		}
		return &Result{Message: "Image generated successfully", ImageBase64: b64}, nil
	})
}
