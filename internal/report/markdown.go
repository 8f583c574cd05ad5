package report

import (
	"io"
	"strconv"

	"github.com/nao1215/markdown"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
)

// MarkdownWriter renders a shareable report.
type MarkdownWriter struct {
	out io.Writer
}

func NewMarkdownWriter(out io.Writer) *MarkdownWriter {
	return &MarkdownWriter{out: out}
}

func (w *MarkdownWriter) WriteDiagnoses(items []Item) error {
	md := markdown.NewMarkdown(w.out)
	md.H1("Leaf Diagnosis Report")
	md.PlainText("")

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		if it.Err != nil {
			rows = append(rows, []string{"`" + it.Source + "`", "error: " + it.Err.Error(), "-"})
			continue
		}
		rows = append(rows, []string{"`" + it.Source + "`", it.Record.Name, percent(it.Record.Confidence)})
	}
	md.Table(markdown.TableSet{
		Header: []string{"File", "Diagnosis", "Confidence"},
		Rows:   rows,
	})
	md.PlainText("")

	for _, it := range items {
		if it.Err != nil {
			continue
		}
		md.H2(it.Source)
		md.PlainText("")
		md.BulletList(
			"Symptoms: "+it.Record.Symptoms,
			"Treatment: "+it.Record.Treatment,
		)
		md.PlainText("")
		if len(it.Record.Top) > 1 {
			top := make([][]string, 0, len(it.Record.Top))
			for _, s := range it.Record.Top {
				top = append(top, []string{strconv.Itoa(s.Index), s.Name, percent(s.Score)})
			}
			md.Table(markdown.TableSet{
				Header: []string{"Class", "Name", "Score"},
				Rows:   top,
			})
			md.PlainText("")
		}
	}
	return md.Build()
}

func (w *MarkdownWriter) WriteLabels(labels []diagnosis.Label) error {
	md := markdown.NewMarkdown(w.out)
	md.H1("Label Table")
	md.PlainText("")

	rows := make([][]string, 0, len(labels))
	for _, l := range labels {
		idx := "-"
		if l.Index != nil {
			idx = strconv.Itoa(*l.Index)
		}
		rows = append(rows, []string{idx, l.Name})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Index", "Name"},
		Rows:   rows,
	})
	md.PlainText("")

	for _, l := range labels {
		if l.Symptoms == "" && l.Treatment == "" {
			continue
		}
		md.Details(l.Name, "Symptoms: "+l.Symptoms+"\n\nTreatment: "+l.Treatment)
	}
	return md.Build()
}
