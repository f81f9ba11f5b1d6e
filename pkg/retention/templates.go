package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/custodian/pkg/errdefs"
)

// Template is a named policy preset loaded from YAML.
type Template struct {
	Name           string     `yaml:"name" json:"name"`
	MinRetainDays  *int       `yaml:"min_retain_days,omitempty" json:"min_retain_days,omitempty"`
	MaxRetainDays  *int       `yaml:"max_retain_days,omitempty" json:"max_retain_days,omitempty"`
	DeleteMode     DeleteMode `yaml:"delete_mode" json:"delete_mode"`
	ReviewRequired bool       `yaml:"review_required" json:"review_required"`
	Notes          string     `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Instantiate builds a policy for one attachment from the template.
func (t Template) Instantiate(attachmentID int64, createdBy *int64) *Policy {
	p := &Policy{
		AttachmentID:   attachmentID,
		PolicyName:     t.Name,
		DeleteMode:     t.DeleteMode,
		ReviewRequired: t.ReviewRequired,
		CreatedBy:      createdBy,
		Notes:          t.Notes,
	}
	if t.MinRetainDays != nil {
		d := *t.MinRetainDays
		p.MinRetainDays = &d
	}
	if t.MaxRetainDays != nil {
		d := *t.MaxRetainDays
		p.MaxRetainDays = &d
	}
	return p
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// TemplateSet is an immutable collection of templates keyed by name.
type TemplateSet struct {
	byName map[string]Template
}

// EmptyTemplates returns a set with no templates.
func EmptyTemplates() *TemplateSet {
	return &TemplateSet{byName: map[string]Template{}}
}

// ParseTemplates decodes a YAML document with a top level templates list.
func ParseTemplates(data []byte) (*TemplateSet, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: invalid template file: %v", errdefs.ErrValidation, err)
	}

	set := EmptyTemplates()
	for i, t := range file.Templates {
		t.Name = strings.TrimSpace(t.Name)
		if t.DeleteMode == "" {
			t.DeleteMode = DeleteSoft
		}
		if err := t.Instantiate(0, nil).Validate(); err != nil {
			return nil, fmt.Errorf("template %d: %w", i, err)
		}
		if _, dup := set.byName[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate template %q", errdefs.ErrValidation, t.Name)
		}
		set.byName[t.Name] = t
	}
	return set, nil
}

// LoadTemplates reads and parses a template file.
func LoadTemplates(path string) (*TemplateSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates: %w", err)
	}
	return ParseTemplates(data)
}

// Get looks up a template by name.
func (s *TemplateSet) Get(name string) (Template, bool) {
	if s == nil {
		return Template{}, false
	}
	t, ok := s.byName[name]
	return t, ok
}

// List returns all templates sorted by name.
func (s *TemplateSet) List() []Template {
	if s == nil {
		return nil
	}
	out := make([]Template, 0, len(s.byName))
	for _, t := range s.byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of templates.
func (s *TemplateSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byName)
}

// TemplateWatcher reloads a template file when it changes on disk. A file
// that fails to parse is logged and the previous set stays in use.
type TemplateWatcher struct {
	path    string
	apply   func(*TemplateSet)
	log     logrus.FieldLogger
	delay   time.Duration
	watcher *fsnotify.Watcher
}

// NewTemplateWatcher loads path once, hands the result to apply and starts
// watching the containing directory. Editors that replace files by rename
// are covered because the directory, not the file, is watched.
func NewTemplateWatcher(path string, apply func(*TemplateSet), log logrus.FieldLogger) (*TemplateWatcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	set, err := LoadTemplates(path)
	if err != nil {
		return nil, err
	}
	apply(set)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	return &TemplateWatcher{
		path:    filepath.Clean(path),
		apply:   apply,
		log:     log,
		delay:   200 * time.Millisecond,
		watcher: watcher,
	}, nil
}

// Run processes file events until ctx is done. Bursts of events are
// coalesced into a single reload.
func (w *TemplateWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("template watcher error")
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *TemplateWatcher) reload() {
	set, err := LoadTemplates(w.path)
	if err != nil {
		w.log.WithError(err).WithField("path", w.path).Error("failed to reload retention templates")
		return
	}
	w.apply(set)
	w.log.WithFields(logrus.Fields{
		"path":      w.path,
		"templates": set.Len(),
	}).Info("retention templates reloaded")
}
