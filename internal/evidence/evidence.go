// Package evidence renders evidence packs as downloadable documents. A pack
// collects the citations, rationales, and tabular statistics that back a
// drafted graph; the exporter renders it as JSON, CSV, or Markdown.
package evidence

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Export formats.
const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
)

// Citation is one source reference backing a claim in the graph.
type Citation struct {
	ID      string `json:"id,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Rationale is the model's stated reasoning for one node or edge.
type Rationale struct {
	NodeID string `json:"node_id,omitempty"`
	Text   string `json:"text"`
}

// CSVStat is one named statistic row.
type CSVStat struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Pack is the evidence-pack request body plus server-assigned metadata.
type Pack struct {
	RequestID   string      `json:"request_id,omitempty"`
	GeneratedAt time.Time   `json:"generated_at,omitempty"`
	Citations   []Citation  `json:"citations"`
	Rationales  []Rationale `json:"rationales"`
	CSVStats    []CSVStat   `json:"csv_stats"`
}

// Output is a rendered pack ready to be served as an attachment.
type Output struct {
	Body        []byte
	ContentType string
	Filename    string
}

// Export renders the pack in the requested format. Unknown formats are an
// error; callers map it to a 400.
func Export(p *Pack, format string) (*Output, error) {
	if p.GeneratedAt.IsZero() {
		p.GeneratedAt = time.Now().UTC()
	}
	switch format {
	case FormatJSON:
		return exportJSON(p)
	case FormatCSV:
		return exportCSV(p)
	case FormatMarkdown:
		return exportMarkdown(p)
	}
	return nil, fmt.Errorf("unknown evidence pack format %q", format)
}

func filename(p *Pack, ext string) string {
	id := p.RequestID
	if id == "" {
		id = "pack"
	}
	return "evidence-" + id + "." + ext
}

func exportJSON(p *Pack) (*Output, error) {
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialise evidence pack: %w", err)
	}
	return &Output{
		Body:        body,
		ContentType: "application/json",
		Filename:    filename(p, "json"),
	}, nil
}

// exportCSV flattens all three sections into one sheet with a leading
// section column, so spreadsheet users get everything in a single import.
func exportCSV(p *Pack) (*Output, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{{"section", "node_id", "title_or_name", "value", "detail"}}
	for _, c := range p.Citations {
		rows = append(rows, []string{"citation", c.NodeID, c.Title, c.URL, c.Snippet})
	}
	for _, r := range p.Rationales {
		rows = append(rows, []string{"rationale", r.NodeID, "", "", r.Text})
	}
	for _, st := range p.CSVStats {
		rows = append(rows, []string{"stat", "", st.Name, strconv.FormatFloat(st.Value, 'g', -1, 64), st.Unit})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("serialise evidence pack: %w", err)
	}
	return &Output{
		Body:        buf.Bytes(),
		ContentType: "text/csv",
		Filename:    filename(p, "csv"),
	}, nil
}

func exportMarkdown(p *Pack) (*Output, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Evidence pack\n\nGenerated: %s\n", p.GeneratedAt.Format(time.RFC3339))
	if p.RequestID != "" {
		fmt.Fprintf(&b, "Request: %s\n", p.RequestID)
	}

	b.WriteString("\n## Citations\n\n")
	if len(p.Citations) == 0 {
		b.WriteString("_none_\n")
	}
	for _, c := range p.Citations {
		title := c.Title
		if c.URL != "" {
			title = fmt.Sprintf("[%s](%s)", c.Title, c.URL)
		}
		fmt.Fprintf(&b, "- %s", title)
		if c.NodeID != "" {
			fmt.Fprintf(&b, " (%s)", c.NodeID)
		}
		b.WriteString("\n")
		if c.Snippet != "" {
			fmt.Fprintf(&b, "  > %s\n", c.Snippet)
		}
	}

	b.WriteString("\n## Rationales\n\n")
	if len(p.Rationales) == 0 {
		b.WriteString("_none_\n")
	}
	for _, r := range p.Rationales {
		if r.NodeID != "" {
			fmt.Fprintf(&b, "- **%s**: %s\n", r.NodeID, r.Text)
		} else {
			fmt.Fprintf(&b, "- %s\n", r.Text)
		}
	}

	b.WriteString("\n## Statistics\n\n")
	if len(p.CSVStats) == 0 {
		b.WriteString("_none_\n")
	} else {
		b.WriteString("| name | value | unit |\n|---|---|---|\n")
		for _, st := range p.CSVStats {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", st.Name, strconv.FormatFloat(st.Value, 'g', -1, 64), st.Unit)
		}
	}

	return &Output{
		Body:        []byte(b.String()),
		ContentType: "text/markdown",
		Filename:    filename(p, "md"),
	}, nil
}
