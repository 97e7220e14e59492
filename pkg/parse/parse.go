// Package parse extracts structured records from uploaded documents
// (resumes, job descriptions) using a generative model with a fixed JSON
// response schema.
package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/nexushq/rectoc/pkg/coach"
)

// Parser turns raw document bytes into a structured result.
type Parser interface {
	ParseResume(ctx context.Context, data []byte, mimeType string) (coach.ResumeProfile, error)
	ParseJobPosting(ctx context.Context, text string) (coach.JobPosting, error)
}

// GeminiParser parses documents with the Gemini API.
type GeminiParser struct {
	client *genai.Client
	model  string
}

const defaultParseModel = "gemini-2.0-flash"

// NewGeminiParser builds a parser. model falls back to a fast default when
// empty.
func NewGeminiParser(ctx context.Context, apiKey, model string) (*GeminiParser, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = defaultParseModel
	}
	return &GeminiParser{client: client, model: model}, nil
}

func resumeSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"name":       {Type: genai.TypeString},
			"summary":    {Type: genai.TypeString},
			"skills":     {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"experience": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"education":  {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		},
		Required: []string{"name", "summary"},
	}
}

func jobSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"title":        {Type: genai.TypeString},
			"company":      {Type: genai.TypeString},
			"description":  {Type: genai.TypeString},
			"requirements": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		},
		Required: []string{"title"},
	}
}

const resumePrompt = `Extract the candidate profile from the attached resume.
Summarize the background in two or three sentences, list concrete skills,
and describe each position as one line "Title at Company (dates): focus".`

const jobPrompt = `Extract the role details from this job posting. Keep the
description to a short paragraph and requirements to one line each.

Posting:
`

func (g *GeminiParser) ParseResume(ctx context.Context, data []byte, mimeType string) (coach.ResumeProfile, error) {
	contents := []*genai.Content{{
		Parts: []*genai.Part{
			{Text: resumePrompt},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}},
		},
	}}
	raw, err := g.generate(ctx, contents, resumeSchema())
	if err != nil {
		return coach.ResumeProfile{}, err
	}
	var profile coach.ResumeProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return coach.ResumeProfile{}, fmt.Errorf("decode resume result: %w", err)
	}
	return profile, nil
}

func (g *GeminiParser) ParseJobPosting(ctx context.Context, text string) (coach.JobPosting, error) {
	contents := genai.Text(jobPrompt + text)
	raw, err := g.generate(ctx, contents, jobSchema())
	if err != nil {
		return coach.JobPosting{}, err
	}
	var job coach.JobPosting
	if err := json.Unmarshal(raw, &job); err != nil {
		return coach.JobPosting{}, fmt.Errorf("decode job result: %w", err)
	}
	return job, nil
}

func (g *GeminiParser) generate(ctx context.Context, contents []*genai.Content, schema *genai.Schema) ([]byte, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	})
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("empty model response")
	}
	return []byte(ExtractJSON(text)), nil
}

// ExtractJSON strips markdown code fences some models wrap around JSON
// output even when a JSON MIME type was requested.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
