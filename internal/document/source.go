// Package document turns an input document into raw page text.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/mattn/go-shellwords"
)

// pageBreak separates pages in plain-text input and in pdftotext output.
const pageBreak = "\f"

// Source extracts the text of every page of a document, in page order.
type Source interface {
	Pages(ctx context.Context, path string) ([]string, error)
}

// New returns the source configured by cfg.Mode.
func New(cfg config.DocumentConfig) (Source, error) {
	switch cfg.Mode {
	case "", "text":
		return TextSource{}, nil
	case "exec":
		return NewExecSource(cfg.Command)
	}
	return nil, fmt.Errorf("unknown document mode %q", cfg.Mode)
}

// TextSource reads UTF-8 text files, one page per form-feed separated block.
type TextSource struct{}

func (TextSource) Pages(_ context.Context, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return splitPages(string(data)), nil
}

type execSource struct {
	cmd []string
}

// NewExecSource runs an external extractor such as pdftotext. The command
// must print the document text on stdout; {input} is replaced with the
// document path and appended when absent.
func NewExecSource(command string) (Source, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse document command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("document command empty")
	}
	if !strings.Contains(strings.Join(args, " "), "{input}") {
		args = append(args, "{input}")
	}
	return &execSource{cmd: args}, nil
}

func (e *execSource) Pages(ctx context.Context, path string) ([]string, error) {
	args := make([]string, len(e.cmd))
	for i, a := range e.cmd {
		args[i] = strings.ReplaceAll(a, "{input}", path)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("extract text: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return splitPages(stdout.String()), nil
}

func splitPages(text string) []string {
	pages := strings.Split(text, pageBreak)
	// pdftotext terminates the last page with a form feed too
	if n := len(pages); n > 1 && pages[n-1] == "" {
		pages = pages[:n-1]
	}
	return pages
}
