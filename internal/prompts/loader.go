package prompts

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
)

// TemplateMeta is the YAML frontmatter of a task template.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	JobType     string `yaml:"job_type"`
	// GitWorkflow appends branch, push and pull request instructions.
	GitWorkflow bool `yaml:"git_workflow"`
}

// Template is one parsed prompt file. Blocks carry no metadata.
type Template struct {
	Name string
	Meta *TemplateMeta
	tmpl *template.Template
}

// Render executes the template against data.
func (t *Template) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name, err)
	}
	return buf.String(), nil
}

// BlockData holds template variables for the safety and workflow blocks.
type BlockData struct {
	DefaultBranch string
	Branch        string
	Issue         int
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

var taskFiles = map[domain.JobType]string{
	domain.JobIssueFix:            "tasks/issue_fix.md",
	domain.JobIssueCommentRespond: "tasks/issue_comment.md",
	domain.JobPRCommentRespond:    "tasks/pr_comment.md",
	domain.JobSlackMention:        "tasks/slack_mention.md",
	domain.JobGeneralTask:         "tasks/general_task.md",
}

const (
	commandRestrictions = "blocks/command_restrictions.md"
	branchProtection    = "blocks/branch_protection.md"
	gitWorkflow         = "blocks/git_workflow.md"
)

// Loader resolves prompt files from a stack of override directories on top
// of the embedded defaults. The first source holding a file wins. Parsed
// templates are cached until Reload.
type Loader struct {
	dirs    []string
	sources []fs.FS

	mu     sync.RWMutex
	parsed map[string]*Template
}

// NewLoader creates a loader that consults dirs in order before the
// embedded templates.
func NewLoader(dirs ...string) *Loader {
	sources := make([]fs.FS, 0, len(dirs)+1)
	for _, d := range dirs {
		sources = append(sources, os.DirFS(d))
	}
	sources = append(sources, embeddedFS)
	return &Loader{
		dirs:    dirs,
		sources: sources,
		parsed:  make(map[string]*Template),
	}
}

// DefaultLoader layers the workspace's .roomote/prompts and the user's
// ~/.config/roomote/prompts over the embedded templates.
func DefaultLoader(workspaceRoot string) *Loader {
	var dirs []string
	if workspaceRoot != "" {
		dirs = append(dirs, filepath.Join(workspaceRoot, ".roomote", "prompts"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "roomote", "prompts"))
	}
	return NewLoader(dirs...)
}

func (l *Loader) read(name string) ([]byte, error) {
	for _, src := range l.sources {
		data, err := fs.ReadFile(src, name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("prompt %s: %w", name, fs.ErrNotExist)
}

// splitFrontmatter separates a leading "---" YAML block from the body.
// Content without a closed block is all body.
func splitFrontmatter(content []byte) (*TemplateMeta, []byte, error) {
	rest, ok := bytes.CutPrefix(content, []byte("---\n"))
	if !ok {
		return nil, content, nil
	}
	head, body, ok := bytes.Cut(rest, []byte("\n---\n"))
	if !ok {
		return nil, content, nil
	}
	var meta TemplateMeta
	if err := yaml.Unmarshal(head, &meta); err != nil {
		return nil, nil, fmt.Errorf("frontmatter: %w", err)
	}
	return &meta, body, nil
}

// Template returns the parsed prompt file name, e.g. "tasks/issue_fix.md".
func (l *Loader) Template(name string) (*Template, error) {
	l.mu.RLock()
	t, ok := l.parsed[name]
	l.mu.RUnlock()
	if ok {
		return t, nil
	}

	content, err := l.read(name)
	if err != nil {
		return nil, err
	}
	meta, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	t = &Template{Name: name, Meta: meta, tmpl: tmpl}
	l.mu.Lock()
	l.parsed[name] = t
	l.mu.Unlock()
	return t, nil
}

// TaskTemplate returns the body template for jobType.
func (l *Loader) TaskTemplate(jobType domain.JobType) (*Template, error) {
	name, ok := taskFiles[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: no prompt template for job type %q", domain.ErrInvalidInput, jobType)
	}
	return l.Template(name)
}

// BuildTaskPrompt renders the task body for jobType from payload and appends
// the command restriction and branch protection blocks, plus the git
// workflow block when the task template asks for it.
func (l *Loader) BuildTaskPrompt(jobType domain.JobType, payload any, blocks BlockData) (string, error) {
	task, err := l.TaskTemplate(jobType)
	if err != nil {
		return "", err
	}
	if blocks.DefaultBranch == "" {
		blocks.DefaultBranch = "main"
	}

	body, err := task.Render(payload)
	if err != nil {
		return "", err
	}
	names := []string{commandRestrictions, branchProtection}
	if task.Meta != nil && task.Meta.GitWorkflow {
		names = append(names, gitWorkflow)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(body))
	for _, name := range names {
		block, err := l.Template(name)
		if err != nil {
			return "", err
		}
		text, err := block.Render(blocks)
		if err != nil {
			return "", err
		}
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(text))
	}
	b.WriteString("\n")
	return b.String(), nil
}

// Reload drops every parsed template so edited override files are picked up.
func (l *Loader) Reload() {
	l.mu.Lock()
	l.parsed = make(map[string]*Template)
	l.mu.Unlock()
}
