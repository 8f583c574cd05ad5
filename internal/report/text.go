package report

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
)

// TextWriter prints aligned columns for terminals.
type TextWriter struct {
	out io.Writer
}

func NewTextWriter(out io.Writer) *TextWriter {
	return &TextWriter{out: out}
}

func (w *TextWriter) WriteDiagnoses(items []Item) error {
	tw := tabwriter.NewWriter(w.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tDIAGNOSIS\tCONFIDENCE\tCLASS")
	for _, it := range items {
		if it.Err != nil {
			fmt.Fprintf(tw, "%s\terror: %v\t-\t-\n", it.Source, it.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", it.Source, it.Record.Name, percent(it.Record.Confidence), it.Record.ClassIndex)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, it := range items {
		if it.Err != nil || it.Record.Treatment == "" {
			continue
		}
		if _, err := fmt.Fprintf(w.out, "\n%s: %s\n  Symptoms:  %s\n  Treatment: %s\n",
			it.Source, it.Record.Name, it.Record.Symptoms, it.Record.Treatment); err != nil {
			return err
		}
	}
	return nil
}

func (w *TextWriter) WriteLabels(labels []diagnosis.Label) error {
	tw := tabwriter.NewWriter(w.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME")
	for _, l := range labels {
		idx := -1
		if l.Index != nil {
			idx = *l.Index
		}
		fmt.Fprintf(tw, "%d\t%s\n", idx, l.Name)
	}
	return tw.Flush()
}
