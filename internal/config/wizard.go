package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Wizard interactively builds an initial configuration for `recall init`.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading from stdin.
func NewWizard() *Wizard {
	return &Wizard{reader: bufio.NewReader(os.Stdin), out: os.Stdout}
}

// Run prompts for the minimum viable configuration and returns it.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== recall setup ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()

	for {
		fmt.Fprint(w.out, "OpenAI API key (used for embeddings): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if err := validateAPIKey("openai", key); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Embedding.APIKey = key
		break
	}

	fmt.Fprint(w.out, "Extraction provider (openai/anthropic) [openai]: ")
	provider, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if provider == "" {
		provider = "openai"
	}
	if err := validateProvider("extraction", provider, []string{"openai", "anthropic"}); err != nil {
		return nil, err
	}
	cfg.Extraction.Provider = provider

	switch provider {
	case "openai":
		cfg.Extraction.APIKey = cfg.Embedding.APIKey
		cfg.Extraction.Model = "gpt-4o-mini"
	case "anthropic":
		for {
			fmt.Fprint(w.out, "Anthropic API key: ")
			key, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if err := validateAPIKey("anthropic", key); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Extraction.APIKey = key
			break
		}
		cfg.Extraction.Model = "claude-sonnet-4-5"
	}

	fmt.Fprint(w.out, "Enable the metrics endpoint? (y/n) [n]: ")
	answer, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(answer, "y") {
		cfg.Metrics.Enabled = true
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
