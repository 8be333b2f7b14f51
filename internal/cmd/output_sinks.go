package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pacerhq/pacer/internal/output"
)

// addOutputFlags registers --output-format, --out and --out-dir.
func addOutputFlags(cmd *cobra.Command, formats ...output.Format) {
	names := make([]string, 0, len(formats))
	for _, f := range formats {
		names = append(names, string(f))
	}
	cmd.Flags().String("output-format", string(output.FormatTable), "Output format: "+strings.Join(names, "|"))
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
	cmd.Flags().String("out-dir", "", "Write output to a directory")
}

// outputTarget is the parsed form of the output flags.
type outputTarget struct {
	format output.Format
	path   string
	dir    string
}

// resolveOutput reads the output flags. When allowed is non-empty the format
// must be one of them.
func resolveOutput(cmd *cobra.Command, allowed ...output.Format) (outputTarget, error) {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return outputTarget{}, err
	}
	if len(allowed) > 0 && !slices.Contains(allowed, format) {
		return outputTarget{}, fmt.Errorf("unsupported output format: %s", format)
	}

	path := strings.TrimSpace(flagString(cmd, "out"))
	dir := strings.TrimSpace(flagString(cmd, "out-dir"))
	if path != "" && dir != "" {
		return outputTarget{}, fmt.Errorf("--out and --out-dir are mutually exclusive")
	}
	return outputTarget{format: format, path: path, dir: dir}, nil
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	return output.ParseFormat(flagString(cmd, "output-format"))
}

func flagString(cmd *cobra.Command, name string) string {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		return ""
	}
	return f.Value.String()
}

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

// open returns the sink for this target. With --out-dir the file is named
// after name plus the format's extension; otherwise output goes to --out or
// the command's stdout.
func (t outputTarget) open(cmd *cobra.Command, name string) (*outputSink, error) {
	path := t.path
	if t.dir != "" {
		dir, err := ensureOutDir(t.dir)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, sanitizeFilename(name)+"."+outputExtension(t.format))
	}
	if path == "" || path == "-" {
		return &outputSink{writer: cmd.OutOrStdout(), close: func() error { return nil }, path: "-"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: file, close: file.Close, path: path}, nil
}

func outputExtension(format output.Format) string {
	switch format {
	case output.FormatJSON:
		return "json"
	case output.FormatMarkdown:
		return "md"
	default:
		return "txt"
	}
}

var nonFilename = regexp.MustCompile(`[^a-z0-9._-]+`)

// sanitizeFilename turns an endpoint URL or label into a safe file stem.
func sanitizeFilename(value string) string {
	clean := strings.ToLower(strings.TrimSpace(value))
	clean = nonFilename.ReplaceAllString(clean, "-")
	clean = strings.Trim(clean, "-.")
	if clean == "" {
		return "output"
	}
	return clean
}

func ensureOutDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir, nil
	}
	return abs, nil
}
