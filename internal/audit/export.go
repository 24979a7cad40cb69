package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Fields is one exported item as an opaque name/value set.
type Fields map[string]string

// ExportSource fetches the exportable categories for a user. Each fetch is
// independent; one failing does not affect the others.
type ExportSource interface {
	FetchProfile(ctx context.Context, userID string) (Fields, error)
	FetchClients(ctx context.Context, userID string) ([]Fields, error)
	FetchAnalyses(ctx context.Context, userID string) ([]Fields, error)
	FetchAuditEvents(ctx context.Context, userID string) ([]Event, error)
}

// ExportOptions selects the categories to include.
type ExportOptions struct {
	Profile  bool
	Clients  bool
	Analyses bool
	AuditLog bool
}

// AllCategories selects everything.
func AllCategories() ExportOptions {
	return ExportOptions{Profile: true, Clients: true, Analyses: true, AuditLog: true}
}

type section struct {
	title string
	lines []string
	count int
	list  bool
	err   error
}

// Exporter renders a user's data as human-readable text.
type Exporter struct {
	source ExportSource
	now    func() time.Time
}

// NewExporter returns an Exporter reading from source.
func NewExporter(source ExportSource) *Exporter {
	return &Exporter{source: source, now: time.Now}
}

// ExportAsText fetches the selected categories concurrently and renders them
// in a fixed order. A failed category is rendered as an inline error marker;
// the export itself only fails when ctx is done.
func (x *Exporter) ExportAsText(ctx context.Context, userID string, opts ExportOptions) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id required", ErrInvalidEvent)
	}

	var profile, clients, analyses, auditLog *section
	g, gctx := errgroup.WithContext(ctx)
	if opts.Profile {
		profile = &section{title: "Profile"}
		g.Go(func() error {
			f, err := x.source.FetchProfile(gctx, userID)
			profile.lines, profile.err = fieldLines(f), err
			return nil
		})
	}
	if opts.Clients {
		clients = &section{title: "Clients", list: true}
		g.Go(func() error {
			items, err := x.source.FetchClients(gctx, userID)
			clients.lines, clients.count, clients.err = itemLines(items), len(items), err
			return nil
		})
	}
	if opts.Analyses {
		analyses = &section{title: "Analyses", list: true}
		g.Go(func() error {
			items, err := x.source.FetchAnalyses(gctx, userID)
			analyses.lines, analyses.count, analyses.err = itemLines(items), len(items), err
			return nil
		})
	}
	if opts.AuditLog {
		auditLog = &section{title: "Audit Log", list: true}
		g.Go(func() error {
			events, err := x.source.FetchAuditEvents(gctx, userID)
			auditLog.lines, auditLog.count, auditLog.err = eventLines(events), len(events), err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Data export for user %s\n", userID)
	fmt.Fprintf(&b, "Generated: %s\n", x.now().UTC().Format(time.RFC3339))
	for _, s := range []*section{profile, clients, analyses, auditLog} {
		if s == nil {
			continue
		}
		b.WriteString("\n")
		s.render(&b)
	}
	return b.String(), nil
}

func (s *section) render(b *strings.Builder) {
	if s.err != nil {
		fmt.Fprintf(b, "== %s ==\n[error: %s]\n", s.title, s.err.Error())
		return
	}
	if s.list {
		fmt.Fprintf(b, "== %s (%d) ==\n", s.title, s.count)
	} else {
		fmt.Fprintf(b, "== %s ==\n", s.title)
	}
	if len(s.lines) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for _, line := range s.lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
}

func fieldLines(f Fields) []string {
	keys := sortedKeys(f)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s: %s", k, f[k]))
	}
	return out
}

func itemLines(items []Fields) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		keys := sortedKeys(item)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+item[k])
		}
		out = append(out, "- "+strings.Join(parts, ", "))
	}
	return out
}

func eventLines(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		line := fmt.Sprintf("%s %s", e.Timestamp.UTC().Format(time.RFC3339), e.Type)
		if e.ResourceType != "" || e.ResourceID != "" {
			line += fmt.Sprintf(" %s/%s", e.ResourceType, e.ResourceID)
		}
		if e.DeviceInfo != "" {
			line += " (" + e.DeviceInfo + ")"
		}
		out = append(out, line)
	}
	return out
}

func sortedKeys(f Fields) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
