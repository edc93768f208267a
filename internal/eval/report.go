package eval

import (
	"fmt"
	"os"
	"strings"
)

// FormatReport renders the fixed report block for a run.
func FormatReport(label string, r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#------ %s ------#\n", label)
	fmt.Fprintf(&b, "PSNR (dB): %.4f\n", r.MeanPSNR)
	fmt.Fprintf(&b, "Multiscale SSIM (dB): %.4f\n", r.MeanMSSSIM)
	fmt.Fprintf(&b, "Bits per pixel: %.4f\n", r.MeanBPP)
	b.WriteString("#-----------------------#\n")
	return b.String()
}

// AppendReport appends the run's report block to path, creating the file
// if needed. Successive runs accumulate, so one file tracks a whole
// experiment series.
func AppendReport(path, label string, r *Result) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: caller-controlled report path
	if err != nil {
		return fmt.Errorf("opening report file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(FormatReport(label, r)); err != nil {
		return fmt.Errorf("appending report: %w", err)
	}
	return nil
}
