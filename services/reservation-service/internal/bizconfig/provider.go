package bizconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

// Source returns raw business documents. Implementations return model.ErrBusinessNotFound for unknown ids.
type Source interface {
	Document(ctx context.Context, businessID string) (Document, error)
	Businesses(ctx context.Context) ([]string, error)
}

// Provider turns documents from a Source into validated schedules.
type Provider struct {
	src    Source
	logger *slog.Logger
}

func NewProvider(src Source, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{src: src, logger: logger}
}

func (p *Provider) Schedule(ctx context.Context, businessID string) (Schedule, error) {
	doc, err := p.src.Document(ctx, businessID)
	if err != nil {
		return Schedule{}, err
	}
	sched, warns := Parse(doc)
	if sched.BusinessID == "" {
		return Schedule{}, fmt.Errorf("business %s: %w", businessID, errors.Join(warns...))
	}
	for _, w := range warns {
		p.logger.WarnContext(ctx, "business config entry skipped", "business_id", businessID, "err", w)
	}
	return sched, nil
}

func (p *Provider) CancellationPolicy(ctx context.Context, businessID string) (model.CancellationPolicy, error) {
	sched, err := p.Schedule(ctx, businessID)
	if err != nil {
		return model.CancellationPolicy{}, err
	}
	return sched.Policy, nil
}

func (p *Provider) Businesses(ctx context.Context) ([]string, error) {
	return p.src.Businesses(ctx)
}

// Static is an in-memory Source, typically seeded from a YAML file.
type Static struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewStatic(docs ...Document) *Static {
	s := &Static{docs: map[string]Document{}}
	for _, d := range docs {
		if d.Version == 0 {
			d.Version = 1
		}
		s.docs[d.BusinessID] = d
	}
	return s
}

// LoadFile reads a YAML (or JSON) seed file of the form {businesses: [...]}.
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read business config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse business config %s: %w", path, err)
	}
	return NewStatic(f.Businesses...), nil
}

func (s *Static) Document(_ context.Context, businessID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[businessID]
	if !ok {
		return Document{}, model.ErrBusinessNotFound
	}
	return d, nil
}

func (s *Static) Businesses(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Put replaces a document and bumps its version.
func (s *Static) Put(_ context.Context, doc Document) (Document, error) {
	if strings.TrimSpace(doc.BusinessID) == "" {
		return Document{}, errors.New("business id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Version = s.docs[doc.BusinessID].Version + 1
	s.docs[doc.BusinessID] = doc
	return doc, nil
}
